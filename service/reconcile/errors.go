package reconcile

import "fmt"

// ErrorKind classifies a hard reconcile failure.
type ErrorKind string

const (
	KindLedgerUnavailable ErrorKind = "ledger_unavailable"
	KindStoreUnavailable  ErrorKind = "store_unavailable"
)

// ReconcileError is returned when a reconcile cannot produce a view. When
// returned by ReconcileAndList, LastKnown holds the previous successful view
// for the same page, if any.
type ReconcileError struct {
	Kind      ErrorKind
	Address   string
	Err       error
	LastKnown *Result
}

func (e *ReconcileError) Error() string {
	return fmt.Sprintf("reconcile %s: %s: %v", e.Address, e.Kind, e.Err)
}

func (e *ReconcileError) Unwrap() error {
	return e.Err
}

func ledgerErr(address string, err error) *ReconcileError {
	return &ReconcileError{Kind: KindLedgerUnavailable, Address: address, Err: err}
}

func storeErr(address string, err error) *ReconcileError {
	return &ReconcileError{Kind: KindStoreUnavailable, Address: address, Err: err}
}

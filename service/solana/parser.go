package solana

import (
	"encoding/base64"
	"fmt"
	"unicode/utf8"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
)

// Well-known Solana program IDs
var (
	// MemoProgramIDSPL is the SPL Memo program (most common)
	MemoProgramIDSPL = solana.MustPublicKeyFromBase58("MemoSq4gqABAXKb96qnH8TysNcWxMyWCqXgDLGmfcHr")

	// MemoProgramIDLegacy is the legacy memo program (v1)
	MemoProgramIDLegacy = solana.MustPublicKeyFromBase58("Memo1UhkJRfHyvLMcVucJwxXeuD728EqVDDwQDxFMNo")
)

// signatureFromRPC converts a signature listing entry to our domain type.
func signatureFromRPC(sig *rpc.TransactionSignature) SignatureInfo {
	info := SignatureInfo{
		Signature: sig.Signature.String(),
		Slot:      sig.Slot,
		Failed:    sig.Err != nil,
	}
	if sig.BlockTime != nil {
		t := sig.BlockTime.Time().UTC()
		info.BlockTime = &t
	}
	return info
}

// rawFromResult builds a RawTransaction from a GetTransaction result.
//
// Account keys are the static message keys followed by any keys loaded from
// address lookup tables (writable, then read-only), which is the order the
// balance arrays use for versioned transactions.
func rawFromResult(signature string, result *rpc.GetTransactionResult) (*RawTransaction, error) {
	if result == nil {
		return nil, fmt.Errorf("empty transaction result")
	}
	if result.Meta == nil {
		return nil, fmt.Errorf("transaction %s has no meta", signature)
	}
	if result.Transaction == nil {
		return nil, fmt.Errorf("transaction %s has no body", signature)
	}

	tx, err := result.Transaction.GetTransaction()
	if err != nil {
		return nil, fmt.Errorf("failed to decode transaction: %w", err)
	}

	keys := make([]solana.PublicKey, 0, len(tx.Message.AccountKeys)+
		len(result.Meta.LoadedAddresses.Writable)+len(result.Meta.LoadedAddresses.ReadOnly))
	keys = append(keys, tx.Message.AccountKeys...)
	keys = append(keys, result.Meta.LoadedAddresses.Writable...)
	keys = append(keys, result.Meta.LoadedAddresses.ReadOnly...)

	raw := &RawTransaction{
		Signature:    signature,
		Slot:         result.Slot,
		Fee:          result.Meta.Fee,
		AccountKeys:  make([]string, len(keys)),
		PreBalances:  result.Meta.PreBalances,
		PostBalances: result.Meta.PostBalances,
		Failed:       result.Meta.Err != nil,
	}
	if len(tx.Signatures) > 0 {
		raw.Signature = tx.Signatures[0].String()
	}
	if result.BlockTime != nil {
		t := result.BlockTime.Time().UTC()
		raw.BlockTime = &t
	}
	for i, k := range keys {
		raw.AccountKeys[i] = k.String()
	}

	for _, instruction := range tx.Message.Instructions {
		if int(instruction.ProgramIDIndex) >= len(keys) {
			continue
		}
		programID := keys[instruction.ProgramIDIndex]
		if programID.Equals(MemoProgramIDSPL) || programID.Equals(MemoProgramIDLegacy) {
			if memo := parseMemo(instruction.Data); memo != "" {
				raw.Memo = &memo
			}
		}
	}

	return raw, nil
}

// parseMemo extracts the memo text from a Memo Program instruction.
// Some clients base64 encode the memo; the decoded text is preferred when it
// is printable UTF-8.
func parseMemo(data []byte) string {
	memo := string(data)

	if decoded, err := base64.StdEncoding.DecodeString(memo); err == nil && len(decoded) > 0 {
		if isValidUTF8(decoded) {
			return string(decoded)
		}
	}

	return memo
}

func isValidUTF8(b []byte) bool {
	if !utf8.Valid(b) {
		return false
	}
	for _, c := range b {
		if c == 0 {
			return false
		}
	}
	return true
}

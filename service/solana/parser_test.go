package solana

import (
	"encoding/base64"
	"encoding/json"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// makeTransactionEnvelope builds a TransactionResultEnvelope from a Transaction.
// The envelope has unexported fields, so we go through JSON.
func makeTransactionEnvelope(tx *solana.Transaction) (*rpc.TransactionResultEnvelope, error) {
	txJSON, err := json.Marshal(tx)
	if err != nil {
		return nil, err
	}

	var temp struct {
		Transaction json.RawMessage `json:"transaction"`
	}
	temp.Transaction = txJSON

	envelopeJSON, err := json.Marshal(temp)
	if err != nil {
		return nil, err
	}

	var result rpc.GetTransactionResult
	if err := json.Unmarshal(envelopeJSON, &result); err != nil {
		return nil, err
	}

	return result.Transaction, nil
}

func testSignature(b byte) solana.Signature {
	var s solana.Signature
	for i := range s {
		s[i] = b
	}
	return s
}

func TestRawFromResult_Balances(t *testing.T) {
	watched := solana.NewWallet().PublicKey()
	sender := solana.NewWallet().PublicKey()
	sig := testSignature(7)

	tx := &solana.Transaction{
		Signatures: []solana.Signature{sig},
		Message: solana.Message{
			AccountKeys: []solana.PublicKey{sender, watched, solana.SystemProgramID},
		},
	}
	envelope, err := makeTransactionEnvelope(tx)
	require.NoError(t, err)

	blockTime := solana.UnixTimeSeconds(1_700_000_000)
	result := &rpc.GetTransactionResult{
		Slot:        321,
		BlockTime:   &blockTime,
		Transaction: envelope,
		Meta: &rpc.TransactionMeta{
			Fee:          5000,
			PreBalances:  []uint64{10_000, 0, 1},
			PostBalances: []uint64{4_000, 1_000, 1},
		},
	}

	raw, err := rawFromResult(sig.String(), result)
	require.NoError(t, err)

	assert.Equal(t, sig.String(), raw.Signature)
	assert.Equal(t, uint64(321), raw.Slot)
	assert.Equal(t, uint64(5000), raw.Fee)
	assert.False(t, raw.Failed)
	assert.Equal(t, []string{sender.String(), watched.String(), solana.SystemProgramID.String()}, raw.AccountKeys)
	require.NotNil(t, raw.BlockTime)
	assert.Equal(t, time.Unix(1_700_000_000, 0).UTC(), *raw.BlockTime)

	p, ok := ClassifyInbound(raw, watched.String(), ClassifyOptions{})
	require.True(t, ok)
	assert.Equal(t, sender.String(), p.Sender)
	assert.Equal(t, Lamports(1_000), p.Amount)
}

func TestRawFromResult_LoadedAddressesAndFailure(t *testing.T) {
	static := solana.NewWallet().PublicKey()
	writable := solana.NewWallet().PublicKey()
	readonly := solana.NewWallet().PublicKey()

	tx := &solana.Transaction{
		Signatures: []solana.Signature{testSignature(3)},
		Message: solana.Message{
			AccountKeys: []solana.PublicKey{static},
		},
	}
	envelope, err := makeTransactionEnvelope(tx)
	require.NoError(t, err)

	result := &rpc.GetTransactionResult{
		Transaction: envelope,
		Meta: &rpc.TransactionMeta{
			Err:          map[string]any{"InstructionError": []any{0, "Custom"}},
			PreBalances:  []uint64{1, 2, 3},
			PostBalances: []uint64{1, 2, 3},
			LoadedAddresses: rpc.LoadedAddresses{
				Writable: solana.PublicKeySlice{writable},
				ReadOnly: solana.PublicKeySlice{readonly},
			},
		},
	}

	raw, err := rawFromResult("ignored", result)
	require.NoError(t, err)
	assert.True(t, raw.Failed)
	assert.Equal(t, []string{static.String(), writable.String(), readonly.String()}, raw.AccountKeys)
	assert.Nil(t, raw.BlockTime)
}

func TestRawFromResult_Memo(t *testing.T) {
	payer := solana.NewWallet().PublicKey()
	tx := &solana.Transaction{
		Signatures: []solana.Signature{testSignature(9)},
		Message: solana.Message{
			AccountKeys: []solana.PublicKey{payer, MemoProgramIDSPL},
			Instructions: []solana.CompiledInstruction{
				{ProgramIDIndex: 1, Data: []byte("thanks for the stream")},
				{ProgramIDIndex: 99, Data: []byte("out of range program index")},
			},
		},
	}
	envelope, err := makeTransactionEnvelope(tx)
	require.NoError(t, err)

	raw, err := rawFromResult("sig", &rpc.GetTransactionResult{
		Transaction: envelope,
		Meta:        &rpc.TransactionMeta{PreBalances: []uint64{0, 0}, PostBalances: []uint64{0, 0}},
	})
	require.NoError(t, err)
	require.NotNil(t, raw.Memo)
	assert.Equal(t, "thanks for the stream", *raw.Memo)
}

func TestRawFromResult_Errors(t *testing.T) {
	_, err := rawFromResult("sig", nil)
	assert.Error(t, err)

	_, err = rawFromResult("sig", &rpc.GetTransactionResult{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no meta")

	_, err = rawFromResult("sig", &rpc.GetTransactionResult{Meta: &rpc.TransactionMeta{}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no body")
}

func TestParseMemo(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want string
	}{
		{"plain text", []byte("hello world"), "hello world"},
		{"base64 text", []byte(base64.StdEncoding.EncodeToString([]byte("order-123"))), "order-123"},
		{"base64 binary stays raw", []byte(base64.StdEncoding.EncodeToString([]byte{0, 1, 2})), base64.StdEncoding.EncodeToString([]byte{0, 1, 2})},
		{"empty", nil, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, parseMemo(tt.data))
		})
	}
}

func TestSignatureFromRPC(t *testing.T) {
	bt := solana.UnixTimeSeconds(100)
	info := signatureFromRPC(&rpc.TransactionSignature{
		Signature: testSignature(1),
		Slot:      5,
		BlockTime: &bt,
		Err:       "boom",
	})
	assert.Equal(t, testSignature(1).String(), info.Signature)
	assert.Equal(t, uint64(5), info.Slot)
	assert.True(t, info.Failed)
	require.NotNil(t, info.BlockTime)
	assert.Equal(t, int64(100), info.BlockTime.Unix())
}

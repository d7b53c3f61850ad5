package solana

import (
	"context"
	"encoding/binary"
	"errors"
	"strings"
	"testing"

	sol "github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/juno-intents/cctp-orchestrator/internal/chain"
	"github.com/juno-intents/cctp-orchestrator/internal/transfer"
)

type fakeRPC struct {
	statuses map[sol.Signature]*rpc.SignatureStatusesResult
	accounts map[sol.PublicKey][]byte
	err      error
}

func newFakeRPC() *fakeRPC {
	return &fakeRPC{
		statuses: map[sol.Signature]*rpc.SignatureStatusesResult{},
		accounts: map[sol.PublicKey][]byte{},
	}
}

func (f *fakeRPC) GetSignatureStatuses(_ context.Context, _ bool, sigs ...sol.Signature) (*rpc.GetSignatureStatusesResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := &rpc.GetSignatureStatusesResult{}
	for _, s := range sigs {
		out.Value = append(out.Value, f.statuses[s])
	}
	return out, nil
}

func (f *fakeRPC) GetAccountInfoWithOpts(_ context.Context, key sol.PublicKey, _ *rpc.GetAccountInfoOpts) (*rpc.GetAccountInfoResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	data, ok := f.accounts[key]
	if !ok {
		return nil, rpc.ErrNotFound
	}
	return &rpc.GetAccountInfoResult{Value: &rpc.Account{Data: rpc.DataBytesOrJSONFromBytes(data)}}, nil
}

func encodeUsedNonces(domain uint32, first uint64, used ...uint64) []byte {
	b := make([]byte, discriminatorLen+4+8+nonceWords*8)
	copy(b, []byte{1, 2, 3, 4, 5, 6, 7, 8})
	binary.LittleEndian.PutUint32(b[8:], domain)
	binary.LittleEndian.PutUint64(b[12:], first)
	words := make([]uint64, nonceWords)
	for _, n := range used {
		idx := n - first
		words[idx/64] |= 1 << (idx % 64)
	}
	for i, w := range words {
		binary.LittleEndian.PutUint64(b[20+8*i:], w)
	}
	return b
}

func newTestAdapter(t *testing.T, f *fakeRPC) *Adapter {
	t.Helper()
	a, err := New(f, Programs{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return a
}

func TestAdapter_BurnStatus(t *testing.T) {
	t.Parallel()

	f := newFakeRPC()
	a := newTestAdapter(t, f)
	ctx := context.Background()

	var confirmed, failed, processed, unknown sol.Signature
	confirmed[0], failed[0], processed[0], unknown[0] = 1, 2, 3, 4
	f.statuses[confirmed] = &rpc.SignatureStatusesResult{ConfirmationStatus: rpc.ConfirmationStatusFinalized}
	f.statuses[failed] = &rpc.SignatureStatusesResult{ConfirmationStatus: rpc.ConfirmationStatusConfirmed, Err: map[string]interface{}{"InstructionError": []interface{}{0, "Custom"}}}
	f.statuses[processed] = &rpc.SignatureStatusesResult{ConfirmationStatus: rpc.ConfirmationStatusProcessed}

	cases := []struct {
		sig  sol.Signature
		want chain.BurnStatus
	}{
		{confirmed, chain.BurnConfirmed},
		{failed, chain.BurnFailed},
		{processed, chain.BurnPending},
		{unknown, chain.BurnPending},
	}
	for _, tc := range cases {
		res, err := a.BurnStatus(ctx, tc.sig.String())
		if err != nil {
			t.Fatalf("BurnStatus(%s): %v", tc.sig, err)
		}
		if res.Status != tc.want {
			t.Fatalf("BurnStatus(%s): got %s want %s", tc.sig, res.Status, tc.want)
		}
	}

	if _, err := a.BurnStatus(ctx, "0xnot-base58"); !errors.Is(err, transfer.ErrInvalidInput) {
		t.Fatalf("bad signature: %v", err)
	}
}

func TestAdapter_V1NonceUsedReadsBitmap(t *testing.T) {
	t.Parallel()

	f := newFakeRPC()
	a := newTestAdapter(t, f)
	ctx := context.Background()

	pda, first, err := V1UsedNoncesAddress(MessageTransmitterV1, 0, 6500)
	if err != nil {
		t.Fatalf("V1UsedNoncesAddress: %v", err)
	}
	if first != 6401 {
		t.Fatalf("first nonce: got %d want 6401", first)
	}
	f.accounts[pda] = encodeUsedNonces(0, first, 6500, 6401)

	for nonce, want := range map[string]bool{"6500": true, "6401": true, "6402": false} {
		used, err := a.NonceUsed(ctx, transfer.V1, 0, nonce)
		if err != nil {
			t.Fatalf("NonceUsed(%s): %v", nonce, err)
		}
		if used != want {
			t.Fatalf("NonceUsed(%s): got %v want %v", nonce, used, want)
		}
	}

	// No account for the window means nothing in it was used.
	used, err := a.NonceUsed(ctx, transfer.V1, 0, "1")
	if err != nil || used {
		t.Fatalf("missing window: used=%v err=%v", used, err)
	}
}

func TestAdapter_V1NonceUsedRejectsMismatchedAccount(t *testing.T) {
	t.Parallel()

	f := newFakeRPC()
	a := newTestAdapter(t, f)

	pda, first, _ := V1UsedNoncesAddress(MessageTransmitterV1, 3, 10)
	f.accounts[pda] = encodeUsedNonces(4, first, 10)
	if _, err := a.NonceUsed(context.Background(), transfer.V1, 3, "10"); !errors.Is(err, ErrInvalidAccount) {
		t.Fatalf("got %v want ErrInvalidAccount", err)
	}
}

func TestV1UsedNoncesAddress_DomainDelimiter(t *testing.T) {
	t.Parallel()

	// Domain 1 from 110003201 and domain 11 from 10003201 concatenate to
	// the same digits without a delimiter.
	a, _, err := V1UsedNoncesAddress(MessageTransmitterV1, 1, 110003201)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	b, _, err := V1UsedNoncesAddress(MessageTransmitterV1, 11, 10003201)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	if a.Equals(b) {
		t.Fatalf("addresses collide")
	}
}

func TestAdapter_V2NonceUsedChecksAccountExists(t *testing.T) {
	t.Parallel()

	f := newFakeRPC()
	a := newTestAdapter(t, f)
	ctx := context.Background()

	nonce := "0x" + strings.Repeat("ab", 32)
	pda, err := V2UsedNonceAddress(MessageTransmitterV2, nonce)
	if err != nil {
		t.Fatalf("V2UsedNonceAddress: %v", err)
	}

	used, err := a.NonceUsed(ctx, transfer.V2, 0, nonce)
	if err != nil || used {
		t.Fatalf("before: used=%v err=%v", used, err)
	}
	f.accounts[pda] = []byte{0}
	used, err = a.NonceUsed(ctx, transfer.V2, 0, nonce)
	if err != nil || !used {
		t.Fatalf("after: used=%v err=%v", used, err)
	}

	if _, err := a.NonceUsed(ctx, transfer.V2, 0, "0x1234"); !errors.Is(err, transfer.ErrInvalidInput) {
		t.Fatalf("short nonce: %v", err)
	}
}

func TestAdapter_RPCErrorsPropagate(t *testing.T) {
	t.Parallel()

	f := newFakeRPC()
	f.err = errors.New("503 service unavailable")
	a := newTestAdapter(t, f)
	if _, err := a.NonceUsed(context.Background(), transfer.V2, 0, "0x"+strings.Repeat("00", 32)); err == nil {
		t.Fatalf("expected error")
	}
}

func TestDecodeUsedNonces_Short(t *testing.T) {
	t.Parallel()

	if _, err := DecodeUsedNonces(make([]byte, 20)); !errors.Is(err, ErrInvalidAccount) {
		t.Fatalf("got %v", err)
	}
}

func TestAdapter_CapabilitiesAreReadOnly(t *testing.T) {
	t.Parallel()

	a := newTestAdapter(t, newFakeRPC())
	c := a.Capabilities(chain.Chain{Name: "solana", Family: transfer.FamilySolana})
	if c.Burner != nil || c.Minter != nil || c.MintSimulator != nil {
		t.Fatalf("unexpected submit capabilities")
	}
	if c.BurnChecker == nil || c.NonceChecker == nil {
		t.Fatalf("missing read capabilities")
	}
}

package initiator

import (
	"context"
	"errors"
	"testing"

	"github.com/juno-intents/cctp-orchestrator/internal/attestation"
	"github.com/juno-intents/cctp-orchestrator/internal/chain"
	"github.com/juno-intents/cctp-orchestrator/internal/transfer"
)

const (
	burnHash    = "0xEEEE000000000000000000000000000000000000000000000000000000000001"
	approveHash = "0xeeee000000000000000000000000000000000000000000000000000000000002"
	recipient   = "0x00000000000000000000000000000000000000B0"
)

type fakeBurner struct {
	approve string
	err     error
	reqs    []chain.BurnRequest
}

func (f *fakeBurner) Burn(_ context.Context, req chain.BurnRequest) (chain.BurnSubmission, error) {
	f.reqs = append(f.reqs, req)
	if f.err != nil {
		return chain.BurnSubmission{}, f.err
	}
	return chain.BurnSubmission{Sender: "0x00000000000000000000000000000000000000a0", ApproveTxHash: f.approve, BurnTxHash: burnHash}, nil
}

type fakeFees struct {
	tiers []attestation.FeeTier
	err   error
	calls int
}

func (f *fakeFees) FastFees(context.Context, uint32, uint32) ([]attestation.FeeTier, error) {
	f.calls++
	return f.tiers, f.err
}

type env struct {
	in      *Initiator
	store   *transfer.MemoryStore
	burner  *fakeBurner
	fees    *fakeFees
	created []string
}

func newEnv(t *testing.T, withBurner bool) *env {
	t.Helper()

	e := &env{
		burner: &fakeBurner{},
		fees: &fakeFees{tiers: []attestation.FeeTier{
			{FinalityThreshold: attestation.FinalityFast, MinimumFeeBps: "1"},
			{FinalityThreshold: attestation.FinalityStandard, MinimumFeeBps: "0"},
		}},
		store: transfer.NewMemoryStore(nil),
	}
	origin := chain.Chain{Name: "ethereum", Domain: 0, Family: transfer.FamilyEVM}
	if withBurner {
		origin.Burner = e.burner
	}
	reg, err := chain.NewRegistry(
		origin,
		chain.Chain{Name: "base", Domain: 6, Family: transfer.FamilyEVM},
		chain.Chain{Name: "solana", Domain: 5, Family: transfer.FamilySolana},
	)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	e.in, err = New(Config{
		FastFeeBufferBps: 1,
		OnCreated: func(_ context.Context, rec transfer.Record) {
			e.created = append(e.created, rec.BurnTxHash)
		},
	}, e.store, reg, e.fees, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return e
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()

	reg, _ := chain.NewRegistry()
	if _, err := New(Config{}, nil, reg, nil, nil); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("nil store: %v", err)
	}
	if _, err := New(Config{FastFeeBufferBps: 10_000}, transfer.NewMemoryStore(nil), reg, nil, nil); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("buffer: %v", err)
	}
}

func TestInitiate_StandardV2(t *testing.T) {
	t.Parallel()

	e := newEnv(t, true)
	rec, err := e.in.Initiate(context.Background(), Request{
		OriginChain:   "ethereum",
		TargetChain:   "base",
		TargetAddress: recipient,
		Amount:        25_000_000,
		Version:       transfer.V2,
		Speed:         transfer.SpeedStandard,
	})
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}

	if len(e.burner.reqs) != 1 {
		t.Fatalf("burns: %d", len(e.burner.reqs))
	}
	req := e.burner.reqs[0]
	if req.DestinationDomain != 6 || req.MaxFee != 0 || req.MinFinalityThreshold != attestation.FinalityStandard {
		t.Fatalf("burn request: %+v", req)
	}
	var want [32]byte
	want[31] = 0xb0
	if req.MintRecipient != want {
		t.Fatalf("recipient: %x", req.MintRecipient)
	}
	if e.fees.calls != 0 {
		t.Fatalf("fees quoted for standard transfer")
	}

	if rec.BurnTxHash != transfer.NormalizeHash(burnHash) || rec.Status != transfer.StatusPending {
		t.Fatalf("record: %+v", rec)
	}
	if rec.SourceDomain != 0 || rec.DestinationDomain != 6 || rec.Sender == "" {
		t.Fatalf("record fields: %+v", rec)
	}
	wantSteps := []transfer.StepState{transfer.StepNoop, transfer.StepPending}
	if len(rec.Steps) != len(wantSteps) {
		t.Fatalf("steps: %+v", rec.Steps)
	}
	for i, st := range wantSteps {
		if rec.Steps[i].State != st {
			t.Fatalf("step %d: got %s want %s", i, rec.Steps[i].State, st)
		}
	}
	if burn, _ := rec.Step(transfer.StageBurn); burn.TxHash != rec.BurnTxHash {
		t.Fatalf("burn tx: %+v", burn)
	}
	if len(e.created) != 1 || e.created[0] != rec.BurnTxHash {
		t.Fatalf("OnCreated: %v", e.created)
	}
}

func TestInitiate_FastQuotesFee(t *testing.T) {
	t.Parallel()

	e := newEnv(t, true)
	e.burner.approve = approveHash
	rec, err := e.in.Initiate(context.Background(), Request{
		OriginChain:   "ethereum",
		TargetChain:   "base",
		TargetAddress: recipient,
		Amount:        10_000_000,
		Version:       transfer.V2,
		Speed:         transfer.SpeedFast,
	})
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	req := e.burner.reqs[0]
	// (1 + 1) bps of 10 USDC.
	if req.MaxFee != 2_000 || req.MinFinalityThreshold != attestation.FinalityFast {
		t.Fatalf("burn request: %+v", req)
	}
	if rec.MaxFee != 2_000 || rec.TransferSpeed != transfer.SpeedFast {
		t.Fatalf("record: maxFee=%d speed=%s", rec.MaxFee, rec.TransferSpeed)
	}
	approve, _ := rec.Step(transfer.StageApprove)
	if approve.State != transfer.StepSuccess || approve.TxHash != approveHash {
		t.Fatalf("approve step: %+v", approve)
	}
}

func TestInitiate_Rejects(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		req  Request
		kind transfer.FailureKind
	}{
		{name: "zero amount", req: Request{OriginChain: "ethereum", TargetChain: "base", TargetAddress: recipient, Version: transfer.V2}, kind: transfer.FailurePrecondition},
		{name: "fast v1", req: Request{OriginChain: "ethereum", TargetChain: "base", TargetAddress: recipient, Amount: 1, Version: transfer.V1, Speed: transfer.SpeedFast}, kind: transfer.FailureUnsupported},
		{name: "unknown chain", req: Request{OriginChain: "ethereum", TargetChain: "mars", TargetAddress: recipient, Amount: 1, Version: transfer.V2}, kind: transfer.FailurePrecondition},
		{name: "same chain", req: Request{OriginChain: "ethereum", TargetChain: "ethereum", TargetAddress: recipient, Amount: 1, Version: transfer.V2}, kind: transfer.FailurePrecondition},
		{name: "evm address for solana", req: Request{OriginChain: "ethereum", TargetChain: "solana", TargetAddress: recipient, Amount: 1, Version: transfer.V2}, kind: transfer.FailurePrecondition},
		{name: "bad version", req: Request{OriginChain: "ethereum", TargetChain: "base", TargetAddress: recipient, Amount: 1}, kind: transfer.FailurePrecondition},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			e := newEnv(t, true)
			_, err := e.in.Initiate(context.Background(), tc.req)
			if got := transfer.FailureKindOf(err); got != tc.kind {
				t.Fatalf("kind: got %s want %s (err=%v)", got, tc.kind, err)
			}
			if len(e.burner.reqs) != 0 {
				t.Fatalf("burn submitted")
			}
			if recs, _ := e.store.List(context.Background()); len(recs) != 0 {
				t.Fatalf("records: %d", len(recs))
			}
		})
	}
}

func TestInitiate_BurnErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		kind transfer.FailureKind
	}{
		{name: "rejected", err: errors.New("user denied transaction signature"), kind: transfer.FailureUserRejected},
		{name: "revert", err: errors.New("execution reverted: ERC20: transfer amount exceeds balance"), kind: transfer.FailureBurnFailed},
		{name: "rpc", err: errors.New("connection reset"), kind: transfer.FailureService},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			e := newEnv(t, true)
			e.burner.err = tc.err
			_, err := e.in.Initiate(context.Background(), Request{
				OriginChain: "ethereum", TargetChain: "base", TargetAddress: recipient, Amount: 1_000_000, Version: transfer.V1,
			})
			if got := transfer.FailureKindOf(err); got != tc.kind {
				t.Fatalf("kind: got %s want %s (err=%v)", got, tc.kind, err)
			}
			if recs, _ := e.store.List(context.Background()); len(recs) != 0 {
				t.Fatalf("record inserted after failed burn")
			}
		})
	}
}

func TestInitiate_ReadOnlyOrigin(t *testing.T) {
	t.Parallel()

	e := newEnv(t, false)
	_, err := e.in.Initiate(context.Background(), Request{
		OriginChain: "ethereum", TargetChain: "base", TargetAddress: recipient, Amount: 1, Version: transfer.V2,
	})
	if transfer.FailureKindOf(err) != transfer.FailureUnsupported || !errors.Is(err, chain.ErrUnsupported) {
		t.Fatalf("err: %v", err)
	}
}

func TestInitiate_NoFastTier(t *testing.T) {
	t.Parallel()

	e := newEnv(t, true)
	e.fees.tiers = []attestation.FeeTier{{FinalityThreshold: attestation.FinalityStandard, MinimumFeeBps: "0"}}
	_, err := e.in.Initiate(context.Background(), Request{
		OriginChain: "ethereum", TargetChain: "base", TargetAddress: recipient, Amount: 1_000_000, Version: transfer.V2, Speed: transfer.SpeedFast,
	})
	if transfer.FailureKindOf(err) != transfer.FailureUnsupported || !errors.Is(err, attestation.ErrNoFeeTier) {
		t.Fatalf("err: %v", err)
	}
	if len(e.burner.reqs) != 0 {
		t.Fatalf("burn submitted")
	}
}

func TestTrack_SeedsWithoutSubmitting(t *testing.T) {
	t.Parallel()

	e := newEnv(t, false)
	ctx := context.Background()
	req := TrackRequest{
		BurnTxHash:    burnHash,
		OriginChain:   "Ethereum",
		TargetChain:   "base",
		TargetAddress: recipient,
		Sender:        "0x00000000000000000000000000000000000000a0",
		Amount:        3_000_000,
		Version:       transfer.V1,
	}
	rec, err := e.in.Track(ctx, req)
	if err != nil {
		t.Fatalf("Track: %v", err)
	}
	if rec.OriginChain != "ethereum" || rec.BurnTxHash != transfer.NormalizeHash(burnHash) {
		t.Fatalf("record: %+v", rec)
	}
	if rec.StepState(transfer.StageApprove) != transfer.StepNoop || rec.StepState(transfer.StageBurn) != transfer.StepPending {
		t.Fatalf("steps: %+v", rec.Steps)
	}

	// Tracking again is idempotent and does not fire OnCreated twice.
	if _, err := e.in.Track(ctx, req); err != nil {
		t.Fatalf("re-track: %v", err)
	}
	if len(e.created) != 1 {
		t.Fatalf("OnCreated calls: %d", len(e.created))
	}

	// A conflicting amount for the same burn is rejected.
	req.Amount = 4_000_000
	if _, err := e.in.Track(ctx, req); !errors.Is(err, transfer.ErrRecordMismatch) {
		t.Fatalf("mismatch: %v", err)
	}
}

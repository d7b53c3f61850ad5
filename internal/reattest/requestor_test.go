package reattest

import (
	"context"
	"errors"
	"testing"

	"github.com/juno-intents/cctp-orchestrator/internal/transfer"
)

const burnHash = "0xdddd000000000000000000000000000000000000000000000000000000000001"

type fakeIris struct {
	err    error
	nonces []string
}

func (f *fakeIris) Reattest(_ context.Context, nonce string) error {
	f.nonces = append(f.nonces, nonce)
	return f.err
}

func seedExpired(t *testing.T, v transfer.Version) *transfer.MemoryStore {
	t.Helper()
	store := transfer.NewMemoryStore(nil)
	if _, _, err := store.Upsert(context.Background(), burnHash, transfer.Patch{
		OriginChain:        "ethereum",
		OriginFamily:       transfer.FamilyEVM,
		TargetChain:        "base",
		ProtocolVersion:    v,
		Nonce:              "0xabc",
		Message:            "0x01",
		Attestation:        "0x02",
		AttestationExpired: transfer.BoolPtr(true),
		Observations: []transfer.Observation{
			{Name: "Approve", State: transfer.StepNoop},
			{Name: "Burn", State: transfer.StepSuccess, TxHash: burnHash},
			{Name: "FetchAttestation", State: transfer.StepError, ErrorMessage: "message expired"},
		},
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	return store
}

func TestReattest_ResetsAndResumes(t *testing.T) {
	t.Parallel()

	store := seedExpired(t, transfer.V2)
	iris := &fakeIris{}
	r, err := New(store, iris, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	var resumed []string
	r.Resume = func(_ context.Context, rec transfer.Record) { resumed = append(resumed, rec.BurnTxHash) }

	rec, err := r.Reattest(context.Background(), burnHash)
	if err != nil {
		t.Fatalf("Reattest: %v", err)
	}
	if len(iris.nonces) != 1 || iris.nonces[0] != "0xabc" {
		t.Fatalf("nonces: %v", iris.nonces)
	}
	if rec.AttestationExpired || rec.Message != "" || rec.Attestation != "" {
		t.Fatalf("attestation not reset: %+v", rec)
	}
	fetch, _ := rec.Step(transfer.StageFetchAttestation)
	if fetch.State != transfer.StepPending || fetch.ErrorMessage != "" {
		t.Fatalf("fetch step: %+v", fetch)
	}
	if rec.StepState(transfer.StageBurn) != transfer.StepSuccess {
		t.Fatalf("burn step changed: %s", rec.StepState(transfer.StageBurn))
	}
	if len(resumed) != 1 || resumed[0] != burnHash {
		t.Fatalf("resumed: %v", resumed)
	}
}

func TestReattest_V1Unsupported(t *testing.T) {
	t.Parallel()

	store := seedExpired(t, transfer.V1)
	iris := &fakeIris{}
	r, _ := New(store, iris, nil)

	_, err := r.Reattest(context.Background(), burnHash)
	if transfer.FailureKindOf(err) != transfer.FailureUnsupported {
		t.Fatalf("err: %v", err)
	}
	if len(iris.nonces) != 0 {
		t.Fatalf("service called for v1")
	}
}

func TestReattest_ServiceErrorKeepsExpiredState(t *testing.T) {
	t.Parallel()

	store := seedExpired(t, transfer.V2)
	iris := &fakeIris{err: errors.New("attestation: status 503: unavailable")}
	r, _ := New(store, iris, nil)
	r.Resume = func(context.Context, transfer.Record) { t.Errorf("resumed after failure") }

	_, err := r.Reattest(context.Background(), burnHash)
	if transfer.FailureKindOf(err) != transfer.FailureService {
		t.Fatalf("err: %v", err)
	}
	rec, _ := store.Get(context.Background(), burnHash)
	if !rec.AttestationExpired || rec.StepState(transfer.StageFetchAttestation) != transfer.StepError {
		t.Fatalf("record changed: expired=%v fetch=%s", rec.AttestationExpired, rec.StepState(transfer.StageFetchAttestation))
	}
}

func TestReattest_Preconditions(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	iris := &fakeIris{}

	claimed := seedExpired(t, transfer.V2)
	if _, _, err := claimed.Upsert(ctx, burnHash, transfer.Patch{Status: transfer.StatusClaimed}); err != nil {
		t.Fatalf("claim: %v", err)
	}
	r, _ := New(claimed, iris, nil)
	if _, err := r.Reattest(ctx, burnHash); transfer.FailureKindOf(err) != transfer.FailurePrecondition {
		t.Fatalf("claimed: %v", err)
	}

	noNonce := transfer.NewMemoryStore(nil)
	if _, _, err := noNonce.Upsert(ctx, burnHash, transfer.Patch{OriginFamily: transfer.FamilyEVM, ProtocolVersion: transfer.V2}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	r, _ = New(noNonce, iris, nil)
	if _, err := r.Reattest(ctx, burnHash); transfer.FailureKindOf(err) != transfer.FailurePrecondition {
		t.Fatalf("no nonce: %v", err)
	}

	r, _ = New(transfer.NewMemoryStore(nil), iris, nil)
	if _, err := r.Reattest(ctx, burnHash); !errors.Is(err, transfer.ErrNotFound) {
		t.Fatalf("missing: %v", err)
	}
	if len(iris.nonces) != 0 {
		t.Fatalf("service called: %v", iris.nonces)
	}
}

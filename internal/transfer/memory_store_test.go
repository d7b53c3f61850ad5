package transfer

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
)

func fixedNow() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }

func seedPatch() Patch {
	return Patch{
		OriginChain:     "solana",
		OriginFamily:    FamilySolana,
		TargetChain:     "base",
		TargetAddress:   "0x00000000000000000000000000000000000000aA",
		Amount:          100_000_000,
		ProtocolVersion: V2,
		TransferSpeed:   SpeedPtr(SpeedStandard),
		Observations:    []Observation{{Name: "burn", State: StepPending, TxHash: "sig1"}},
	}
}

func TestMemoryStore_UpsertIsIdempotentByHash(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore(fixedNow)
	ctx := context.Background()

	r, created, err := s.Upsert(ctx, "sig1", seedPatch())
	if err != nil {
		t.Fatalf("Upsert #1: %v", err)
	}
	if !created {
		t.Fatalf("expected created=true")
	}
	if r.Status != StatusPending {
		t.Fatalf("status: got %v want %v", r.Status, StatusPending)
	}
	assertSteps(t, r.Steps, []Step{{Stage: StageBurn, State: StepPending, TxHash: "sig1"}})

	p := seedPatch()
	p.Observations = []Observation{{Name: "burn", State: StepSuccess}}
	r, created, err = s.Upsert(ctx, "sig1", p)
	if err != nil {
		t.Fatalf("Upsert #2: %v", err)
	}
	if created {
		t.Fatalf("expected created=false")
	}
	assertSteps(t, r.Steps, []Step{
		{Stage: StageBurn, State: StepSuccess, TxHash: "sig1"},
		{Stage: StageFetchAttestation, State: StepPending},
	})

	all, err := s.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("List: got %d records want 1", len(all))
	}
}

func TestMemoryStore_RejectsIdentityMismatch(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore(fixedNow)
	ctx := context.Background()
	if _, _, err := s.Upsert(ctx, "sig1", seedPatch()); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	_, _, err := s.Upsert(ctx, "sig1", Patch{Amount: 5})
	if !errors.Is(err, ErrRecordMismatch) {
		t.Fatalf("expected ErrRecordMismatch, got %v", err)
	}

	// Hex addresses compare case-insensitively.
	if _, _, err := s.Upsert(ctx, "sig1", Patch{TargetAddress: "0x00000000000000000000000000000000000000AA"}); err != nil {
		t.Fatalf("Upsert same address: %v", err)
	}
}

func TestMemoryStore_StatusTransitionsAreTerminal(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore(fixedNow)
	ctx := context.Background()
	if _, _, err := s.Upsert(ctx, "sig1", seedPatch()); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	r, _, err := s.Upsert(ctx, "sig1", Patch{Status: StatusClaimed, ClaimHash: "0xmint"})
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if r.ClaimHash != "0xmint" || r.CompletedAt == nil {
		t.Fatalf("claimed record: %+v", r)
	}
	if r.StepState(StageMint) != StepSuccess {
		t.Fatalf("mint: got %v want success", r.StepState(StageMint))
	}

	if _, _, err := s.Upsert(ctx, "sig1", Patch{Status: StatusFailed}); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	if _, _, err := s.Upsert(ctx, "sig1", Patch{Status: StatusClaimed}); err != nil {
		t.Fatalf("re-claim should be a no-op: %v", err)
	}
}

func TestMemoryStore_ClaimHashIffClaimed(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore(fixedNow)
	ctx := context.Background()
	if _, _, err := s.Upsert(ctx, "sig1", seedPatch()); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	if _, _, err := s.Upsert(ctx, "sig1", Patch{ClaimHash: "0xmint"}); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}

	r, _, err := s.Upsert(ctx, "sig1", Patch{
		Status:       StatusClaimed,
		Observations: []Observation{{Name: "mint", State: StepSuccess, ErrorMessage: AlreadyMintedMessage}},
	})
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if r.ClaimHash != ExternalClaimHash {
		t.Fatalf("claim hash: got %q want %q", r.ClaimHash, ExternalClaimHash)
	}
	mint, _ := r.Step(StageMint)
	if mint.State != StepSuccess || mint.ErrorMessage != AlreadyMintedMessage {
		t.Fatalf("mint step: %+v", mint)
	}

	// A later real hash replaces the marker.
	r, _, err = s.Upsert(ctx, "sig1", Patch{Status: StatusClaimed, ClaimHash: "0xreal"})
	if err != nil {
		t.Fatalf("claim hash upgrade: %v", err)
	}
	if r.ClaimHash != "0xreal" {
		t.Fatalf("claim hash: got %q", r.ClaimHash)
	}
}

func TestMemoryStore_MintSuccessObservationClaims(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	cases := []struct {
		name     string
		obs      Observation
		wantHash string
	}{
		{"with tx hash", Observation{Name: "receiveMessage", State: StepSuccess, TxHash: "0xmint"}, "0xmint"},
		{"without tx hash", Observation{Name: "claim", State: StepSuccess}, ExternalClaimHash},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			s := NewMemoryStore(fixedNow)
			p := seedPatch()
			p.Observations = []Observation{
				{Name: "burn", State: StepSuccess},
				{Name: "attestation", State: StepSuccess},
			}
			if _, _, err := s.Upsert(ctx, "sig1", p); err != nil {
				t.Fatalf("seed: %v", err)
			}

			r, _, err := s.Upsert(ctx, "sig1", Patch{Observations: []Observation{tc.obs}})
			if err != nil {
				t.Fatalf("Upsert: %v", err)
			}
			if r.Status != StatusClaimed || r.ClaimHash != tc.wantHash || r.CompletedAt == nil {
				t.Fatalf("status=%s claimHash=%q completedAt=%v", r.Status, r.ClaimHash, r.CompletedAt)
			}
			if r.StepState(StageMint) != StepSuccess {
				t.Fatalf("mint: %s", r.StepState(StageMint))
			}
		})
	}
}

func TestMemoryStore_MintErrorObservationStaysPending(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore(fixedNow)
	ctx := context.Background()
	p := seedPatch()
	p.Observations = []Observation{
		{Name: "burn", State: StepSuccess},
		{Name: "attestation", State: StepSuccess},
		{Name: "mint", State: StepError, ErrorMessage: "user rejected"},
	}
	r, _, err := s.Upsert(ctx, "sig1", p)
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if r.Status != StatusPending || r.ClaimHash != "" || r.CompletedAt != nil {
		t.Fatalf("status=%s claimHash=%q", r.Status, r.ClaimHash)
	}
}

func TestRecord_PendingOmitsCompletedAt(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore(fixedNow)
	r, _, err := s.Upsert(context.Background(), "sig1", seedPatch())
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	b, err := json.Marshal(r)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if strings.Contains(string(b), "completedAt") {
		t.Fatalf("pending record serialized completedAt: %s", b)
	}
}

func TestMemoryStore_ResetAttestation(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore(fixedNow)
	ctx := context.Background()
	p := seedPatch()
	p.Observations = []Observation{
		{Name: "burn", State: StepSuccess},
		{Name: "attestation", State: StepError, ErrorMessage: "expired"},
	}
	p.Message = "0x01"
	p.Attestation = "0x02"
	p.AttestationExpired = BoolPtr(true)
	if _, _, err := s.Upsert(ctx, "sig1", p); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	r, _, err := s.Upsert(ctx, "sig1", Patch{ResetAttestation: true})
	if err != nil {
		t.Fatalf("reset: %v", err)
	}
	if r.AttestationExpired || r.Message != "" || r.Attestation != "" {
		t.Fatalf("reset left attestation state: %+v", r)
	}
	att, _ := r.Step(StageFetchAttestation)
	if att.State != StepPending || att.ErrorMessage != "" {
		t.Fatalf("attestation step: %+v", att)
	}
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore(fixedNow)
	ctx := context.Background()
	if _, _, err := s.Upsert(ctx, "0xABCD", seedPatch()); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	r, err := s.Get(ctx, "0xabcd")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	r.Steps[0].State = StepError

	again, err := s.Get(ctx, "0xAbCd")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if again.Steps[0].State != StepPending {
		t.Fatalf("store mutated through returned record")
	}
}

func TestMemoryStore_Remove(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore(fixedNow)
	ctx := context.Background()
	for _, h := range []string{"a", "b", "c"} {
		if _, _, err := s.Upsert(ctx, h, seedPatch()); err != nil {
			t.Fatalf("Upsert %s: %v", h, err)
		}
	}
	if err := s.Remove(ctx, "b"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if err := s.Remove(ctx, "b"); err != nil {
		t.Fatalf("Remove twice: %v", err)
	}
	if _, err := s.Get(ctx, "b"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	all, _ := s.List(ctx)
	if len(all) != 2 || all[0].BurnTxHash != "a" || all[1].BurnTxHash != "c" {
		t.Fatalf("List order: %+v", all)
	}
}

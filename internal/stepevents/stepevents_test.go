package stepevents

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/juno-intents/cctp-orchestrator/internal/queue"
	"github.com/juno-intents/cctp-orchestrator/internal/transfer"
)

const burnHash = "0xFFFF000000000000000000000000000000000000000000000000000000000001"

var at = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeProducer struct {
	mu     sync.Mutex
	topics []string
	keys   []string
	bodies [][]byte
}

func (p *fakeProducer) Publish(_ context.Context, topic string, key, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.topics = append(p.topics, topic)
	p.keys = append(p.keys, string(key))
	p.bodies = append(p.bodies, payload)
	return nil
}

func (p *fakeProducer) Close() error { return nil }

type fakeConsumer struct {
	msgCh chan queue.Message
	errCh chan error
}

func (c *fakeConsumer) Messages() <-chan queue.Message { return c.msgCh }
func (c *fakeConsumer) Errors() <-chan error           { return c.errCh }
func (c *fakeConsumer) Close() error                   { return nil }

func seeded(t *testing.T) *transfer.MemoryStore {
	t.Helper()
	store := transfer.NewMemoryStore(nil)
	if _, _, err := store.Upsert(context.Background(), burnHash, transfer.Patch{
		OriginChain:  "ethereum",
		OriginFamily: transfer.FamilyEVM,
		TargetChain:  "base",
		Observations: []transfer.Observation{{Name: "Burn", State: transfer.StepPending, TxHash: burnHash}},
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	return store
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	t.Parallel()

	ev, err := New(burnHash, "receiveMessage", transfer.StepSuccess, "0xmint", "", at)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if ev.BurnTxHash != strings.ToLower(burnHash) || ev.State != "success" || ev.EventID == "" {
		t.Fatalf("event: %+v", ev)
	}
	b, err := ev.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if !strings.Contains(string(b), `"version":"cctp.step_event.v1"`) {
		t.Fatalf("payload: %s", b)
	}
	got, err := Decode(b)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !got.At.Equal(ev.At) {
		t.Fatalf("at: got %s want %s", got.At, ev.At)
	}
	got.At, ev.At = time.Time{}, time.Time{}
	if got != ev {
		t.Fatalf("round trip: got %+v want %+v", got, ev)
	}
	obs, _ := got.Observation()
	if st, _ := transfer.Classify(obs.Name); st != transfer.StageMint || obs.State != transfer.StepSuccess {
		t.Fatalf("observation: %+v", obs)
	}
}

func TestDecodeRejects(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"not json":      `nope`,
		"wrong version": `{"version":"cctp.step_event.v0","eventId":"6f1c1b0e-9a53-4d4c-8f7b-3a7f7f0c2c11","burnTxHash":"0x1","stage":"burn","state":"success"}`,
		"no hash":       `{"version":"cctp.step_event.v1","eventId":"6f1c1b0e-9a53-4d4c-8f7b-3a7f7f0c2c11","stage":"burn","state":"success"}`,
		"bad stage":     `{"version":"cctp.step_event.v1","eventId":"6f1c1b0e-9a53-4d4c-8f7b-3a7f7f0c2c11","burnTxHash":"0x1","stage":"bridge","state":"success"}`,
		"bad state":     `{"version":"cctp.step_event.v1","eventId":"6f1c1b0e-9a53-4d4c-8f7b-3a7f7f0c2c11","burnTxHash":"0x1","stage":"burn","state":"done"}`,
		"bad id":        `{"version":"cctp.step_event.v1","eventId":"x","burnTxHash":"0x1","stage":"burn","state":"success"}`,
	}
	for name, payload := range cases {
		if _, err := Decode([]byte(payload)); !errors.Is(err, ErrInvalidEvent) {
			t.Fatalf("%s: expected ErrInvalidEvent, got %v", name, err)
		}
	}
}

func TestPublisherKeysByBurnHash(t *testing.T) {
	t.Parallel()

	prod := &fakeProducer{}
	pub, err := NewPublisher(prod, "cctp.step-events")
	if err != nil {
		t.Fatalf("NewPublisher: %v", err)
	}
	ev, _ := New(burnHash, "burn", transfer.StepSuccess, burnHash, "", at)
	if err := pub.Publish(context.Background(), ev); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if len(prod.topics) != 1 || prod.topics[0] != "cctp.step-events" || prod.keys[0] != ev.BurnTxHash {
		t.Fatalf("published: topics=%v keys=%v", prod.topics, prod.keys)
	}
	if _, err := NewPublisher(nil, "t"); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("nil producer: %v", err)
	}
}

func TestApplierApply(t *testing.T) {
	t.Parallel()

	store := seeded(t)
	var applied int
	a, err := NewApplier(ApplierConfig{OnApplied: func(context.Context, transfer.Record) { applied++ }}, store, nil)
	if err != nil {
		t.Fatalf("NewApplier: %v", err)
	}
	ctx := context.Background()

	ev, _ := New(burnHash, "Burn", transfer.StepSuccess, "", "", at)
	rec, err := a.Apply(ctx, ev)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	burn, _ := rec.Step(transfer.StageBurn)
	if burn.State != transfer.StepSuccess || burn.TxHash != strings.ToLower(burnHash) {
		t.Fatalf("burn step: %+v", burn)
	}

	// A pending report never moves a resolved step back.
	ev, _ = New(burnHash, "burn", transfer.StepPending, "", "", at)
	rec, err = a.Apply(ctx, ev)
	if err != nil {
		t.Fatalf("Apply pending: %v", err)
	}
	if rec.StepState(transfer.StageBurn) != transfer.StepSuccess {
		t.Fatalf("burn regressed: %s", rec.StepState(transfer.StageBurn))
	}
	if applied != 2 {
		t.Fatalf("OnApplied calls: %d", applied)
	}

	other, _ := New("0x01", "burn", transfer.StepSuccess, "", "", at)
	if _, err := a.Apply(ctx, other); !errors.Is(err, ErrUnknownTransfer) {
		t.Fatalf("unknown transfer: %v", err)
	}
	if _, err := store.Get(ctx, "0x01"); !errors.Is(err, transfer.ErrNotFound) {
		t.Fatalf("record created by event: %v", err)
	}
}

func TestApplierRunConsumesUntilClosed(t *testing.T) {
	t.Parallel()

	store := seeded(t)
	a, _ := NewApplier(ApplierConfig{}, store, nil)
	c := &fakeConsumer{msgCh: make(chan queue.Message, 4), errCh: make(chan error, 1)}

	good, _ := New(burnHash, "approve", transfer.StepNoop, "", "", at)
	gb, _ := good.Encode()
	c.msgCh <- queue.Message{Value: []byte("garbage")}
	c.msgCh <- queue.Message{Value: gb}
	c.errCh <- errors.New("broker hiccup")
	close(c.msgCh)

	done := make(chan error, 1)
	go func() { done <- a.Run(context.Background(), c) }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not return")
	}

	rec, _ := store.Get(context.Background(), burnHash)
	if rec.StepState(transfer.StageApprove) != transfer.StepNoop {
		t.Fatalf("approve step: %s", rec.StepState(transfer.StageApprove))
	}
}

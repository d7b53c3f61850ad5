// Package stepevents carries stage observations reported by wallets and
// other processes to the engine.
package stepevents

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/juno-intents/cctp-orchestrator/internal/transfer"
)

const Version = "cctp.step_event.v1"

var ErrInvalidEvent = errors.New("stepevents: invalid event")

// Event is one stage observation. Stage is free text ("approve",
// "receiveMessage", ...) classified by the step model.
type Event struct {
	Version      string    `json:"version"`
	EventID      string    `json:"eventId"`
	BurnTxHash   string    `json:"burnTxHash"`
	Stage        string    `json:"stage"`
	State        string    `json:"state"`
	TxHash       string    `json:"txHash,omitempty"`
	ErrorMessage string    `json:"errorMessage,omitempty"`
	At           time.Time `json:"at"`
}

// New builds a validated event with a fresh id.
func New(burnTxHash, stage string, state transfer.StepState, txHash, errMsg string, at time.Time) (Event, error) {
	ev := Event{
		Version:      Version,
		EventID:      uuid.NewString(),
		BurnTxHash:   transfer.NormalizeHash(burnTxHash),
		Stage:        strings.TrimSpace(stage),
		State:        state.String(),
		TxHash:       strings.TrimSpace(txHash),
		ErrorMessage: strings.TrimSpace(errMsg),
		At:           at.UTC(),
	}
	if _, err := ev.Observation(); err != nil {
		return Event{}, err
	}
	return ev, nil
}

func (e Event) Encode() ([]byte, error) {
	return json.Marshal(e)
}

func Decode(b []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(b, &ev); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	if ev.Version != Version {
		return Event{}, fmt.Errorf("%w: version %q", ErrInvalidEvent, ev.Version)
	}
	ev.BurnTxHash = transfer.NormalizeHash(ev.BurnTxHash)
	if _, err := ev.Observation(); err != nil {
		return Event{}, err
	}
	return ev, nil
}

// Observation converts the event into the step model input.
func (e Event) Observation() (transfer.Observation, error) {
	if e.BurnTxHash == "" {
		return transfer.Observation{}, fmt.Errorf("%w: burnTxHash is required", ErrInvalidEvent)
	}
	if _, ok := transfer.Classify(e.Stage); !ok {
		return transfer.Observation{}, fmt.Errorf("%w: unknown stage %q", ErrInvalidEvent, e.Stage)
	}
	st, err := transfer.ParseStepState(e.State)
	if err != nil {
		return transfer.Observation{}, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	if _, err := uuid.Parse(e.EventID); err != nil {
		return transfer.Observation{}, fmt.Errorf("%w: eventId: %v", ErrInvalidEvent, err)
	}
	return transfer.Observation{
		Name:         e.Stage,
		State:        st,
		TxHash:       e.TxHash,
		ErrorMessage: e.ErrorMessage,
	}, nil
}

package transfer

import (
	"fmt"
	"strings"
	"time"
)

type Status uint8

const (
	StatusUnknown Status = iota
	StatusPending
	StatusClaimed
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusClaimed:
		return "claimed"
	case StatusFailed:
		return "failed"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// Terminal reports whether no further status transition is possible.
func (s Status) Terminal() bool {
	return s == StatusClaimed || s == StatusFailed
}

func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Status) UnmarshalText(b []byte) error {
	switch strings.ToLower(strings.TrimSpace(string(b))) {
	case "pending":
		*s = StatusPending
	case "claimed":
		*s = StatusClaimed
	case "failed":
		*s = StatusFailed
	default:
		return fmt.Errorf("transfer: unknown status %q", string(b))
	}
	return nil
}

// Stage is one canonical protocol stage. Values are ordered.
type Stage uint8

const (
	StageUnknown Stage = iota
	StageApprove
	StageBurn
	StageFetchAttestation
	StageMint
)

func (s Stage) String() string {
	switch s {
	case StageApprove:
		return "Approve"
	case StageBurn:
		return "Burn"
	case StageFetchAttestation:
		return "FetchAttestation"
	case StageMint:
		return "Mint"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

func (s Stage) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Stage) UnmarshalText(b []byte) error {
	switch string(b) {
	case "Approve":
		*s = StageApprove
	case "Burn":
		*s = StageBurn
	case "FetchAttestation":
		*s = StageFetchAttestation
	case "Mint":
		*s = StageMint
	default:
		st, ok := Classify(string(b))
		if !ok {
			return fmt.Errorf("transfer: unknown stage %q", string(b))
		}
		*s = st
	}
	return nil
}

type StepState uint8

const (
	StepUnknown StepState = iota
	StepPending
	StepError
	StepSuccess
	StepNoop
)

func (s StepState) String() string {
	switch s {
	case StepPending:
		return "pending"
	case StepError:
		return "error"
	case StepSuccess:
		return "success"
	case StepNoop:
		return "noop"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// Resolved reports whether the stage is done (success or noop). Resolved
// steps never move back.
func (s StepState) Resolved() bool {
	return s == StepSuccess || s == StepNoop
}

func (s StepState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *StepState) UnmarshalText(b []byte) error {
	v, err := ParseStepState(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

func ParseStepState(v string) (StepState, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "pending":
		return StepPending, nil
	case "error", "failed":
		return StepError, nil
	case "success", "succeeded", "complete":
		return StepSuccess, nil
	case "noop":
		return StepNoop, nil
	default:
		return StepUnknown, fmt.Errorf("transfer: unknown step state %q", v)
	}
}

// Family selects the chain-adapter capability set for a chain.
type Family uint8

const (
	FamilyUnknown Family = iota
	// FamilyEVM chains require an ERC-20 allowance before burning.
	FamilyEVM
	// FamilySolana has no approval step.
	FamilySolana
)

func (f Family) String() string {
	switch f {
	case FamilyEVM:
		return "evm"
	case FamilySolana:
		return "solana"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(f))
	}
}

// RequiresApproval reports whether the Approve stage exists for the family.
func (f Family) RequiresApproval() bool { return f == FamilyEVM }

func (f Family) MarshalText() ([]byte, error) { return []byte(f.String()), nil }

func (f *Family) UnmarshalText(b []byte) error {
	v, err := ParseFamily(string(b))
	if err != nil {
		return err
	}
	*f = v
	return nil
}

func ParseFamily(v string) (Family, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "evm":
		return FamilyEVM, nil
	case "solana", "svm":
		return FamilySolana, nil
	default:
		return FamilyUnknown, fmt.Errorf("transfer: unknown chain family %q", v)
	}
}

// Version is the CCTP protocol version.
type Version uint8

const (
	VersionUnknown Version = 0
	V1             Version = 1
	V2             Version = 2
)

func (v Version) String() string {
	switch v {
	case V1:
		return "v1"
	case V2:
		return "v2"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(v))
	}
}

func (v Version) MarshalText() ([]byte, error) { return []byte(v.String()), nil }

func (v *Version) UnmarshalText(b []byte) error {
	switch strings.ToLower(strings.TrimSpace(string(b))) {
	case "v1", "1":
		*v = V1
	case "v2", "2":
		*v = V2
	default:
		return fmt.Errorf("transfer: unknown protocol version %q", string(b))
	}
	return nil
}

type Speed uint8

const (
	SpeedStandard Speed = iota
	SpeedFast
)

func (s Speed) String() string {
	if s == SpeedFast {
		return "fast"
	}
	return "standard"
}

func (s Speed) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Speed) UnmarshalText(b []byte) error {
	switch strings.ToLower(strings.TrimSpace(string(b))) {
	case "standard", "":
		*s = SpeedStandard
	case "fast":
		*s = SpeedFast
	default:
		return fmt.Errorf("transfer: unknown transfer speed %q", string(b))
	}
	return nil
}

type Step struct {
	Stage        Stage     `json:"stage"`
	State        StepState `json:"state"`
	TxHash       string    `json:"txHash,omitempty"`
	ErrorMessage string    `json:"errorMessage,omitempty"`
}

// Record is the durable state of one transfer, keyed by BurnTxHash.
type Record struct {
	BurnTxHash string `json:"burnTxHash"`

	OriginChain   string `json:"originChain"`
	OriginFamily  Family `json:"originFamily"`
	TargetChain   string `json:"targetChain"`
	TargetAddress string `json:"targetAddress"`
	Sender        string `json:"sender,omitempty"`

	// Amount is in 6-decimal USDC base units.
	Amount          uint64  `json:"amount"`
	ProtocolVersion Version `json:"protocolVersion"`
	TransferSpeed   Speed   `json:"transferSpeed"`
	MaxFee          uint64  `json:"maxFee,omitempty"`

	SourceDomain      uint32 `json:"sourceDomain"`
	DestinationDomain uint32 `json:"destinationDomain"`

	Status Status `json:"status"`
	Steps  []Step `json:"steps"`

	Nonce              string `json:"nonce,omitempty"`
	Message            string `json:"message,omitempty"`
	Attestation        string `json:"attestation,omitempty"`
	AttestationExpired bool   `json:"attestationExpired,omitempty"`

	FailureReason string `json:"failureReason,omitempty"`

	ClaimHash   string    `json:"claimHash,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Step returns the step for stage, if present.
func (r Record) Step(stage Stage) (Step, bool) {
	for _, s := range r.Steps {
		if s.Stage == stage {
			return s, true
		}
	}
	return Step{}, false
}

// StepState returns the state of stage, or StepUnknown if the stage is not listed.
func (r Record) StepState(stage Stage) StepState {
	s, ok := r.Step(stage)
	if !ok {
		return StepUnknown
	}
	return s.State
}

func (r Record) Clone() Record {
	if r.Steps != nil {
		r.Steps = append([]Step(nil), r.Steps...)
	}
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		r.CompletedAt = &t
	}
	return r
}

// Observation is one reported stage event. Name is free text and is
// classified into a canonical Stage.
type Observation struct {
	Name         string
	State        StepState
	TxHash       string
	ErrorMessage string
}

// Patch is a partial update merged into a Record by Apply.
type Patch struct {
	OriginChain     string
	OriginFamily    Family
	TargetChain     string
	TargetAddress   string
	Sender          string
	Amount          uint64
	ProtocolVersion Version

	TransferSpeed      *Speed
	MaxFee             *uint64
	SourceDomain       *uint32
	DestinationDomain  *uint32
	Nonce              string
	Message            string
	Attestation        string
	AttestationExpired *bool
	FailureReason      string
	Status             Status
	ClaimHash          string
	Observations       []Observation

	// ResetAttestation returns FetchAttestation (and Mint, if unresolved) to
	// pending and drops the stored message and attestation. It is applied
	// before Observations.
	ResetAttestation bool
}

func SpeedPtr(v Speed) *Speed    { return &v }
func Uint32Ptr(v uint32) *uint32 { return &v }
func Uint64Ptr(v uint64) *uint64 { return &v }
func BoolPtr(v bool) *bool       { return &v }

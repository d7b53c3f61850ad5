package transfer

import (
	"fmt"
	"strings"
	"time"
)

// Apply merges p into r and returns the updated record. It is the only place
// record invariants are enforced; every Store driver calls it under its own
// write serialization.
func Apply(r Record, p Patch, now time.Time) (Record, error) {
	r = r.Clone()
	now = now.UTC()

	if err := setOnce(&r.OriginChain, p.OriginChain, "origin chain", strings.EqualFold); err != nil {
		return Record{}, err
	}
	if err := setOnce(&r.TargetChain, p.TargetChain, "target chain", strings.EqualFold); err != nil {
		return Record{}, err
	}
	if err := setOnce(&r.TargetAddress, p.TargetAddress, "target address", sameAddress); err != nil {
		return Record{}, err
	}
	if err := setOnce(&r.Sender, p.Sender, "sender", sameAddress); err != nil {
		return Record{}, err
	}
	if p.OriginFamily != FamilyUnknown {
		if r.OriginFamily != FamilyUnknown && r.OriginFamily != p.OriginFamily {
			return Record{}, fmt.Errorf("%w: origin family %s != %s", ErrRecordMismatch, r.OriginFamily, p.OriginFamily)
		}
		r.OriginFamily = p.OriginFamily
	}
	if p.Amount != 0 {
		if r.Amount != 0 && r.Amount != p.Amount {
			return Record{}, fmt.Errorf("%w: amount %d != %d", ErrRecordMismatch, r.Amount, p.Amount)
		}
		r.Amount = p.Amount
	}
	if p.ProtocolVersion != VersionUnknown {
		if r.ProtocolVersion != VersionUnknown && r.ProtocolVersion != p.ProtocolVersion {
			return Record{}, fmt.Errorf("%w: protocol version %s != %s", ErrRecordMismatch, r.ProtocolVersion, p.ProtocolVersion)
		}
		r.ProtocolVersion = p.ProtocolVersion
	}

	if p.TransferSpeed != nil {
		r.TransferSpeed = *p.TransferSpeed
	}
	if p.MaxFee != nil {
		r.MaxFee = *p.MaxFee
	}
	if p.SourceDomain != nil {
		r.SourceDomain = *p.SourceDomain
	}
	if p.DestinationDomain != nil {
		r.DestinationDomain = *p.DestinationDomain
	}
	if v := strings.TrimSpace(p.Nonce); v != "" {
		r.Nonce = v
	}

	if p.ResetAttestation {
		r.Message = ""
		r.Attestation = ""
		r.AttestationExpired = false
		r.Steps = resetAttestationSteps(r.Steps)
	}
	if v := strings.TrimSpace(p.Message); v != "" {
		r.Message = v
	}
	if v := strings.TrimSpace(p.Attestation); v != "" {
		r.Attestation = v
	}
	if p.AttestationExpired != nil {
		r.AttestationExpired = *p.AttestationExpired
	}
	if v := strings.TrimSpace(p.FailureReason); v != "" {
		r.FailureReason = v
	}

	if r.Status == StatusUnknown {
		r.Status = StatusPending
	}
	if p.Status != StatusUnknown && p.Status != r.Status {
		if r.Status != StatusPending {
			return Record{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, r.Status, p.Status)
		}
		r.Status = p.Status
	}

	if h := strings.TrimSpace(p.ClaimHash); h != "" {
		if r.Status != StatusClaimed {
			return Record{}, fmt.Errorf("%w: claim hash on %s transfer", ErrInvalidTransition, r.Status)
		}
		if r.ClaimHash != "" && r.ClaimHash != ExternalClaimHash && !strings.EqualFold(r.ClaimHash, h) {
			return Record{}, fmt.Errorf("%w: claim hash %s != %s", ErrRecordMismatch, r.ClaimHash, h)
		}
		if h != ExternalClaimHash || r.ClaimHash == "" {
			r.ClaimHash = h
		}
	}

	obs := p.Observations
	if r.Status == StatusClaimed {
		if r.ClaimHash == "" {
			r.ClaimHash = mintClaimHash(r.Steps, obs)
		}
		markCompleted(&r, now)
		if !r.StepState(StageMint).Resolved() && !observesMintResolved(obs) {
			obs = append(append([]Observation(nil), obs...), Observation{
				Name:   StageMint.String(),
				State:  StepSuccess,
				TxHash: claimTxHash(r.ClaimHash),
			})
		}
	}

	if r.OriginFamily != FamilyUnknown {
		r.Steps = BuildSteps(r.OriginFamily, r.Steps, obs)
	}

	// A resolved mint means the transfer was claimed, whoever reported it.
	if r.Status == StatusPending {
		if mint, ok := r.Step(StageMint); ok && mint.State.Resolved() {
			r.Status = StatusClaimed
			if h := strings.TrimSpace(mint.TxHash); h != "" {
				r.ClaimHash = h
			} else {
				r.ClaimHash = ExternalClaimHash
			}
			markCompleted(&r, now)
		}
	}

	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = now
	return r, nil
}

func setOnce(dst *string, v, field string, same func(a, b string) bool) error {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}
	if *dst != "" && !same(*dst, v) {
		return fmt.Errorf("%w: %s %q != %q", ErrRecordMismatch, field, *dst, v)
	}
	if *dst == "" {
		*dst = v
	}
	return nil
}

// sameAddress compares hex addresses case-insensitively and anything else exactly.
func sameAddress(a, b string) bool {
	if strings.HasPrefix(a, "0x") || strings.HasPrefix(a, "0X") {
		return strings.EqualFold(a, b)
	}
	return a == b
}

func resetAttestationSteps(steps []Step) []Step {
	out := make([]Step, 0, len(steps))
	for _, s := range steps {
		switch s.Stage {
		case StageFetchAttestation:
			s.State = StepPending
			s.ErrorMessage = ""
		case StageMint:
			if !s.State.Resolved() {
				continue
			}
		}
		out = append(out, s)
	}
	return out
}

func observesMintResolved(obs []Observation) bool {
	for _, o := range obs {
		if st, ok := Classify(o.Name); ok && st == StageMint && o.State.Resolved() {
			return true
		}
	}
	return false
}

// mintClaimHash picks the claim hash for a claim reported without one: the
// tx hash of a mint already on record or in obs, else ExternalClaimHash.
func mintClaimHash(steps []Step, obs []Observation) string {
	for i := len(obs) - 1; i >= 0; i-- {
		if st, ok := Classify(obs[i].Name); ok && st == StageMint && obs[i].State != StepError {
			if h := strings.TrimSpace(obs[i].TxHash); h != "" {
				return h
			}
		}
	}
	for _, s := range steps {
		if s.Stage == StageMint && s.State != StepError && strings.TrimSpace(s.TxHash) != "" {
			return strings.TrimSpace(s.TxHash)
		}
	}
	return ExternalClaimHash
}

func markCompleted(r *Record, now time.Time) {
	if r.CompletedAt == nil {
		t := now
		r.CompletedAt = &t
	}
}

func claimTxHash(h string) string {
	if h == ExternalClaimHash {
		return ""
	}
	return h
}

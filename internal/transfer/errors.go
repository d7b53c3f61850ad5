package transfer

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotFound          = errors.New("transfer: not found")
	ErrInvalidInput      = errors.New("transfer: invalid input")
	ErrRecordMismatch    = errors.New("transfer: record mismatch")
	ErrInvalidTransition = errors.New("transfer: invalid transition")
)

// ExternalClaimHash is stored as ClaimHash when the mint was observed as
// complete but the minting transaction is not known.
const ExternalClaimHash = "external"

// AlreadyMintedMessage annotates a Mint step completed by another party.
const AlreadyMintedMessage = "already minted: nonce already used"

type FailureKind uint8

const (
	FailureUnknown FailureKind = iota
	FailureUserRejected
	FailureMessageExpired
	FailureBurnFailed
	FailureReverted
	FailurePrecondition
	FailureUnsupported
	FailureService
)

func (k FailureKind) String() string {
	switch k {
	case FailureUserRejected:
		return "user_rejected"
	case FailureMessageExpired:
		return "message_expired"
	case FailureBurnFailed:
		return "burn_failed"
	case FailureReverted:
		return "reverted"
	case FailurePrecondition:
		return "precondition"
	case FailureUnsupported:
		return "unsupported"
	case FailureService:
		return "service"
	default:
		return "unknown"
	}
}

// Failure is a terminal, caller-visible error. Message is short and safe to
// show to a user; Cause keeps the raw error for diagnostics.
type Failure struct {
	Kind    FailureKind
	Message string
	Cause   error
}

func (f *Failure) Error() string {
	if f.Cause == nil {
		return f.Message
	}
	return fmt.Sprintf("%s: %v", f.Message, f.Cause)
}

func (f *Failure) Unwrap() error { return f.Cause }

func NewFailure(kind FailureKind, msg string, cause error) *Failure {
	return &Failure{Kind: kind, Message: msg, Cause: cause}
}

// FailureKindOf returns the kind of the first Failure in err's chain.
func FailureKindOf(err error) FailureKind {
	var f *Failure
	if errors.As(err, &f) {
		return f.Kind
	}
	return FailureUnknown
}

var nonceUsedMarkers = []string{
	"nonce already used",
	"nonce already been used",
	"nonce already consumed",
}

// IsNonceUsed reports whether text signals that the message nonce was
// already consumed on the destination chain.
func IsNonceUsed(text string) bool {
	t := strings.ToLower(text)
	for _, m := range nonceUsedMarkers {
		if strings.Contains(t, m) {
			return true
		}
	}
	return false
}

// IsNonceUsedErr is IsNonceUsed over err's message.
func IsNonceUsedErr(err error) bool {
	return err != nil && IsNonceUsed(err.Error())
}

var rejectedMarkers = []string{
	"user rejected",
	"user denied",
	"rejected the request",
	"request rejected",
}

// IsUserRejected reports whether err is a signing rejection.
func IsUserRejected(err error) bool {
	if err == nil {
		return false
	}
	t := strings.ToLower(err.Error())
	for _, m := range rejectedMarkers {
		if strings.Contains(t, m) {
			return true
		}
	}
	return false
}

// NormalizeHash canonicalizes a burn transaction identifier. Hex hashes are
// lowercased; other encodings (base58 signatures) are case-sensitive and kept.
func NormalizeHash(h string) string {
	h = strings.TrimSpace(h)
	if strings.HasPrefix(h, "0x") || strings.HasPrefix(h, "0X") {
		return "0x" + strings.ToLower(h[2:])
	}
	return h
}

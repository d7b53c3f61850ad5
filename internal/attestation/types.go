package attestation

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/juno-intents/cctp-orchestrator/internal/transfer"
)

type Status string

const (
	StatusPending  Status = "pending"
	StatusComplete Status = "complete"
)

// Minimum finality thresholds requested by v2 burns.
const (
	FinalityFast     uint32 = 1000
	FinalityStandard uint32 = 2000
)

// Delay reasons reported for fast transfers that fell back to standard finality.
const (
	DelayInsufficientFee       = "insufficient_fee"
	DelayAmountAboveMax        = "amount_above_max"
	DelayInsufficientAllowance = "insufficient_allowance_available"
)

// Message is one burn message as seen by the attestation service.
type Message struct {
	Status      Status
	Message     string
	Attestation string
	Nonce       string
	Version     transfer.Version

	// Domains are nil when the service did not report them.
	SourceDomain      *uint32
	DestinationDomain *uint32

	Amount        uint64
	MintRecipient string
	DelayReason   string
}

// Ready reports whether the message carries a usable attestation.
func (m Message) Ready() bool {
	return m.Status == StatusComplete && m.Message != "" && m.Attestation != "" && !strings.EqualFold(m.Attestation, "PENDING")
}

// FeeTier is the minimum fast-transfer fee for a finality threshold, in
// basis points of the burned amount.
type FeeTier struct {
	FinalityThreshold uint32
	MinimumFeeBps     string
}

type messagesResponse struct {
	Messages []messageWire `json:"messages"`
}

type messageWire struct {
	Message           string      `json:"message"`
	Attestation       string      `json:"attestation"`
	Status            string      `json:"status"`
	EventNonce        flexString  `json:"eventNonce"`
	CCTPVersion       flexString  `json:"cctpVersion"`
	SourceDomain      flexString  `json:"sourceDomain"`
	DestinationDomain flexString  `json:"destinationDomain"`
	DelayReason       string      `json:"delayReason"`
	DecodedMessage    *decodedMsg `json:"decodedMessage"`
}

type decodedMsg struct {
	SourceDomain       flexString `json:"sourceDomain"`
	DestinationDomain  flexString `json:"destinationDomain"`
	Nonce              flexString `json:"nonce"`
	DecodedMessageBody *struct {
		Amount        flexString `json:"amount"`
		MintRecipient string     `json:"mintRecipient"`
	} `json:"decodedMessageBody"`
}

type feeWire struct {
	FinalityThreshold flexString `json:"finalityThreshold"`
	MinimumFee        flexString `json:"minimumFee"`
}

// flexString accepts a JSON string or number and keeps its text.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*f = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexString(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("attestation: expected string or number, got %s", string(b))
	}
	*f = flexString(n.String())
	return nil
}

func (f flexString) uint32Ptr() (*uint32, error) {
	if f == "" {
		return nil, nil
	}
	v, err := strconv.ParseUint(string(f), 10, 32)
	if err != nil {
		return nil, err
	}
	out := uint32(v)
	return &out, nil
}

func (w messageWire) toMessage() (Message, error) {
	m := Message{
		Status:      Status(strings.ToLower(strings.TrimSpace(w.Status))),
		Message:     strings.TrimSpace(w.Message),
		Attestation: strings.TrimSpace(w.Attestation),
		Nonce:       string(w.EventNonce),
		DelayReason: strings.TrimSpace(w.DelayReason),
	}
	if m.Status != StatusComplete {
		m.Status = StatusPending
	}
	if strings.EqualFold(m.Attestation, "PENDING") {
		m.Attestation = ""
	}

	switch string(w.CCTPVersion) {
	case "1":
		m.Version = transfer.V1
	case "2":
		m.Version = transfer.V2
	}

	src, dst := w.SourceDomain, w.DestinationDomain
	if d := w.DecodedMessage; d != nil {
		if src == "" {
			src = d.SourceDomain
		}
		if dst == "" {
			dst = d.DestinationDomain
		}
		if m.Nonce == "" {
			m.Nonce = string(d.Nonce)
		}
		if body := d.DecodedMessageBody; body != nil {
			m.MintRecipient = strings.TrimSpace(body.MintRecipient)
			if body.Amount != "" {
				amt, err := strconv.ParseUint(string(body.Amount), 10, 64)
				if err != nil {
					return Message{}, fmt.Errorf("attestation: amount %q: %w", body.Amount, err)
				}
				m.Amount = amt
			}
		}
	}

	var err error
	if m.SourceDomain, err = src.uint32Ptr(); err != nil {
		return Message{}, fmt.Errorf("attestation: source domain %q: %w", src, err)
	}
	if m.DestinationDomain, err = dst.uint32Ptr(); err != nil {
		return Message{}, fmt.Errorf("attestation: destination domain %q: %w", dst, err)
	}
	return m, nil
}

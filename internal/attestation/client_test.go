package attestation

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/juno-intents/cctp-orchestrator/internal/transfer"
)

func TestNewClient_Validation(t *testing.T) {
	t.Parallel()

	for _, base := range []string{"", "ftp://iris", "http://", "::bad"} {
		if _, err := NewClient(base); !errors.Is(err, ErrInvalidClientConfig) {
			t.Fatalf("NewClient(%q): expected ErrInvalidClientConfig, got %v", base, err)
		}
	}
	if _, err := NewClient("https://iris-api.circle.com", WithHTTPClient(nil)); !errors.Is(err, ErrInvalidClientConfig) {
		t.Fatalf("expected ErrInvalidClientConfig for nil http client, got %v", err)
	}
}

func TestMessages_V2Complete(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || r.URL.Path != "/iris/v2/messages/5" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if got := r.URL.Query().Get("transactionHash"); got != "5sig" {
			t.Errorf("transactionHash: got %q", got)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer k" {
			t.Errorf("Authorization: got %q", got)
		}
		_, _ = w.Write([]byte(`{"messages":[{
			"message":"0x01","attestation":"0x02","status":"complete",
			"eventNonce":"0xabc","cctpVersion":2,"delayReason":null,
			"decodedMessage":{"sourceDomain":"5","destinationDomain":"6",
				"decodedMessageBody":{"amount":"100000000","mintRecipient":"0x00000000000000000000000000000000000000000000000000000000000004d2"}}
		}]}`))
	}))
	t.Cleanup(srv.Close)

	c, err := NewClient(srv.URL+"/iris", WithAPIKey("k"))
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	msgs, err := c.Messages(context.Background(), transfer.V2, 5, "5sig")
	if err != nil {
		t.Fatalf("Messages: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("messages: %+v", msgs)
	}
	m := msgs[0]
	if !m.Ready() || m.Nonce != "0xabc" || m.Version != transfer.V2 || m.Amount != 100_000_000 {
		t.Fatalf("message: %+v", m)
	}
	if m.SourceDomain == nil || *m.SourceDomain != 5 || m.DestinationDomain == nil || *m.DestinationDomain != 6 {
		t.Fatalf("domains: %+v", m)
	}
}

func TestMessages_PendingAndDelay(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"messages":[{"message":"0x","attestation":"PENDING","status":"pending_confirmations","delayReason":"insufficient_fee"}]}`))
	}))
	t.Cleanup(srv.Close)

	c, err := NewClient(srv.URL)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	msgs, err := c.Messages(context.Background(), transfer.V2, 0, "0xabc")
	if err != nil {
		t.Fatalf("Messages: %v", err)
	}
	m := msgs[0]
	if m.Ready() || m.Status != StatusPending || m.Attestation != "" || m.DelayReason != DelayInsufficientFee {
		t.Fatalf("message: %+v", m)
	}
	if m.Version != transfer.V2 || m.SourceDomain != nil {
		t.Fatalf("defaults: %+v", m)
	}
}

func TestMessages_V1PathAndNotFound(t *testing.T) {
	t.Parallel()

	var (
		mu    sync.Mutex
		paths []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		paths = append(paths, r.URL.Path)
		mu.Unlock()
		if r.URL.Path == "/v1/messages/0/0xempty" {
			_, _ = w.Write([]byte(`{"messages":[]}`))
			return
		}
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"Message not found"}`))
	}))
	t.Cleanup(srv.Close)

	c, err := NewClient(srv.URL)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	if _, err := c.Messages(context.Background(), transfer.V1, 0, "0xmissing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("404: expected ErrNotFound, got %v", err)
	}
	if _, err := c.Messages(context.Background(), transfer.V1, 0, "0xempty"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("empty: expected ErrNotFound, got %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(paths) != 2 || paths[0] != "/v1/messages/0/0xmissing" {
		t.Fatalf("paths: %v", paths)
	}
	if _, err := c.Messages(context.Background(), transfer.VersionUnknown, 0, "0x1"); !errors.Is(err, transfer.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestReattest(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method: %s", r.Method)
		}
		switch r.URL.Path {
		case "/v2/reattest/0xok":
			_, _ = w.Write([]byte(`{"message":"Re-attestation successfully requested"}`))
		default:
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"nonce is not eligible for re-attestation"}`))
		}
	}))
	t.Cleanup(srv.Close)

	c, err := NewClient(srv.URL)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	if err := c.Reattest(context.Background(), "0xok"); err != nil {
		t.Fatalf("Reattest: %v", err)
	}
	err = c.Reattest(context.Background(), "0xbad")
	var se *StatusError
	if !errors.As(err, &se) || se.Code != http.StatusBadRequest || se.Message != "nonce is not eligible for re-attestation" {
		t.Fatalf("expected StatusError, got %v", err)
	}
	if se.Retryable() {
		t.Fatalf("400 must not be retryable")
	}
}

func TestFastFeesAndMaxFee(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v2/burn/USDC/fees/0/6" {
			t.Errorf("path: %s", r.URL.Path)
		}
		_, _ = w.Write([]byte(`[{"finalityThreshold":1000,"minimumFee":1.3},{"finalityThreshold":2000,"minimumFee":0}]`))
	}))
	t.Cleanup(srv.Close)

	c, err := NewClient(srv.URL)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	tiers, err := c.FastFees(context.Background(), 0, 6)
	if err != nil {
		t.Fatalf("FastFees: %v", err)
	}
	if len(tiers) != 2 || tiers[0].FinalityThreshold != 1000 || tiers[0].MinimumFeeBps != "1.3" {
		t.Fatalf("tiers: %+v", tiers)
	}

	cases := []struct {
		threshold uint32
		amount    uint64
		buffer    uint32
		want      uint64
	}{
		// 100 USDC at 1.3 bps = 13000 units.
		{1000, 100_000_000, 0, 13_000},
		// 1 unit rounds up.
		{1000, 1, 0, 1},
		{1000, 100_000_000, 1, 23_000},
		{2000, 100_000_000, 0, 0},
	}
	for _, tc := range cases {
		got, err := MaxFee(tiers, tc.threshold, tc.amount, tc.buffer)
		if err != nil {
			t.Fatalf("MaxFee(%d,%d,%d): %v", tc.threshold, tc.amount, tc.buffer, err)
		}
		if got != tc.want {
			t.Fatalf("MaxFee(%d,%d,%d): got %d want %d", tc.threshold, tc.amount, tc.buffer, got, tc.want)
		}
	}
	if _, err := MaxFee(tiers, 500, 1, 0); !errors.Is(err, ErrNoFeeTier) {
		t.Fatalf("expected ErrNoFeeTier, got %v", err)
	}
}

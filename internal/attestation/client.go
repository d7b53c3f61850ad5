// Package attestation is a client for the Circle attestation service (Iris).
package attestation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/juno-intents/cctp-orchestrator/internal/transfer"
)

var (
	ErrInvalidClientConfig = errors.New("attestation: invalid client config")
	ErrNotFound            = errors.New("attestation: not found")
	ErrNoFeeTier           = errors.New("attestation: no fee tier for finality threshold")
)

// StatusError is a non-2xx response other than 404.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("attestation: status %d: %s", e.Code, e.Message)
}

// Retryable reports whether the request may succeed if repeated later.
func (e *StatusError) Retryable() bool {
	return e.Code == http.StatusTooManyRequests || e.Code >= 500
}

type ClientOption func(*Client) error

func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) error {
		if hc == nil {
			return fmt.Errorf("%w: nil http client", ErrInvalidClientConfig)
		}
		c.hc = hc
		return nil
	}
}

func WithMaxResponseBytes(n int64) ClientOption {
	return func(c *Client) error {
		if n <= 0 {
			return fmt.Errorf("%w: max response bytes must be > 0", ErrInvalidClientConfig)
		}
		c.maxRespBytes = n
		return nil
	}
}

// WithAPIKey sends key as a bearer token on every request.
func WithAPIKey(key string) ClientOption {
	return func(c *Client) error {
		c.apiKey = strings.TrimSpace(key)
		return nil
	}
}

type Client struct {
	baseURL      *url.URL
	apiKey       string
	hc           *http.Client
	maxRespBytes int64
}

func NewClient(baseURL string, opts ...ClientOption) (*Client, error) {
	if strings.TrimSpace(baseURL) == "" {
		return nil, fmt.Errorf("%w: missing base url", ErrInvalidClientConfig)
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("%w: parse base url: %v", ErrInvalidClientConfig, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidClientConfig, u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("%w: missing host", ErrInvalidClientConfig)
	}

	c := &Client{
		baseURL:      u,
		hc:           &http.Client{Timeout: 15 * time.Second},
		maxRespBytes: 1 << 20,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Messages returns the messages emitted by the burn txHash on sourceDomain.
// A burn the service has not observed yet yields ErrNotFound.
func (c *Client) Messages(ctx context.Context, version transfer.Version, sourceDomain uint32, txHash string) ([]Message, error) {
	txHash = strings.TrimSpace(txHash)
	if txHash == "" {
		return nil, fmt.Errorf("%w: empty transaction hash", transfer.ErrInvalidInput)
	}

	domain := strconv.FormatUint(uint64(sourceDomain), 10)
	var (
		p     string
		query url.Values
	)
	switch version {
	case transfer.V1:
		p = "/v1/messages/" + domain + "/" + txHash
	case transfer.V2:
		p = "/v2/messages/" + domain
		query = url.Values{"transactionHash": []string{txHash}}
	default:
		return nil, fmt.Errorf("%w: protocol version %s", transfer.ErrInvalidInput, version)
	}

	var resp messagesResponse
	if err := c.do(ctx, http.MethodGet, p, query, &resp); err != nil {
		return nil, err
	}
	if len(resp.Messages) == 0 {
		return nil, ErrNotFound
	}

	out := make([]Message, 0, len(resp.Messages))
	for _, w := range resp.Messages {
		m, err := w.toMessage()
		if err != nil {
			return nil, err
		}
		if m.Version == transfer.VersionUnknown {
			m.Version = version
		}
		out = append(out, m)
	}
	return out, nil
}

// Reattest asks the service to re-issue the attestation for a v2 nonce.
func (c *Client) Reattest(ctx context.Context, nonce string) error {
	nonce = strings.TrimSpace(nonce)
	if nonce == "" {
		return fmt.Errorf("%w: empty nonce", transfer.ErrInvalidInput)
	}
	return c.do(ctx, http.MethodPost, "/v2/reattest/"+nonce, nil, nil)
}

// FastFees returns the USDC burn fee tiers for the route.
func (c *Client) FastFees(ctx context.Context, sourceDomain, destinationDomain uint32) ([]FeeTier, error) {
	p := fmt.Sprintf("/v2/burn/USDC/fees/%d/%d", sourceDomain, destinationDomain)

	var wire []feeWire
	if err := c.do(ctx, http.MethodGet, p, nil, &wire); err != nil {
		return nil, err
	}
	out := make([]FeeTier, 0, len(wire))
	for _, w := range wire {
		th, err := strconv.ParseUint(string(w.FinalityThreshold), 10, 32)
		if err != nil {
			return nil, fmt.Errorf("attestation: finality threshold %q: %w", w.FinalityThreshold, err)
		}
		out = append(out, FeeTier{FinalityThreshold: uint32(th), MinimumFeeBps: string(w.MinimumFee)})
	}
	return out, nil
}

// MaxFee returns ceil(amount * (tier fee + bufferBps) / 10000) for the tier
// matching finalityThreshold.
func MaxFee(tiers []FeeTier, finalityThreshold uint32, amount uint64, bufferBps uint32) (uint64, error) {
	for _, t := range tiers {
		if t.FinalityThreshold != finalityThreshold {
			continue
		}
		bps := new(big.Rat)
		if t.MinimumFeeBps != "" {
			if _, ok := bps.SetString(t.MinimumFeeBps); !ok || bps.Sign() < 0 {
				return 0, fmt.Errorf("attestation: invalid minimum fee %q", t.MinimumFeeBps)
			}
		}
		bps.Add(bps, new(big.Rat).SetInt64(int64(bufferBps)))

		fee := new(big.Rat).Mul(new(big.Rat).SetInt(new(big.Int).SetUint64(amount)), bps)
		fee.Quo(fee, big.NewRat(10_000, 1))

		q, r := new(big.Int).QuoRem(fee.Num(), fee.Denom(), new(big.Int))
		if r.Sign() > 0 {
			q.Add(q, big.NewInt(1))
		}
		if !q.IsUint64() {
			return 0, fmt.Errorf("attestation: fee overflows uint64")
		}
		return q.Uint64(), nil
	}
	return 0, fmt.Errorf("%w: %d", ErrNoFeeTier, finalityThreshold)
}

func (c *Client) do(ctx context.Context, method, p string, query url.Values, out any) error {
	u := *c.baseURL
	u.Path = joinPath(u.Path, p)
	if query != nil {
		u.RawQuery = query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), nil)
	if err != nil {
		return fmt.Errorf("attestation: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("attestation: http do: %w", err)
	}
	defer resp.Body.Close()

	body, err := readAllLimited(resp.Body, c.maxRespBytes)
	if err != nil {
		return err
	}

	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{Code: resp.StatusCode, Message: errorMessage(body, resp.Status)}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("attestation: unmarshal response: %w", err)
	}
	return nil
}

func errorMessage(body []byte, fallback string) string {
	msg := strings.TrimSpace(string(body))
	if msg == "" {
		return fallback
	}
	var er struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if json.Unmarshal(body, &er) == nil {
		if er.Error != "" {
			return er.Error
		}
		if er.Message != "" {
			return er.Message
		}
	}
	return msg
}

func joinPath(basePath string, suffix string) string {
	if basePath == "" {
		basePath = "/"
	}
	return path.Join(basePath, suffix)
}

func readAllLimited(r io.Reader, maxBytes int64) ([]byte, error) {
	b, err := io.ReadAll(io.LimitReader(r, maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("attestation: read response: %w", err)
	}
	if int64(len(b)) > maxBytes {
		return nil, fmt.Errorf("attestation: response too large")
	}
	return b, nil
}

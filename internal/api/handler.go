// Package api serves the transfer engine over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/juno-intents/cctp-orchestrator/internal/claim"
	"github.com/juno-intents/cctp-orchestrator/internal/initiator"
	"github.com/juno-intents/cctp-orchestrator/internal/metrics"
	"github.com/juno-intents/cctp-orchestrator/internal/orchestrator"
	"github.com/juno-intents/cctp-orchestrator/internal/stepevents"
	"github.com/juno-intents/cctp-orchestrator/internal/transfer"
)

var ErrInvalidConfig = errors.New("api: invalid config")

// Engine is the transfer engine surface exposed over HTTP.
type Engine interface {
	Initiate(ctx context.Context, req initiator.Request) (transfer.Record, error)
	Track(ctx context.Context, req initiator.TrackRequest) (transfer.Record, error)
	Claim(ctx context.Context, burnTxHash string) (claim.Result, error)
	Reattest(ctx context.Context, burnTxHash string) (transfer.Record, error)
	ApplyStepEvent(ctx context.Context, ev stepevents.Event) (transfer.Record, error)
	Get(ctx context.Context, burnTxHash string) (transfer.Record, error)
	List(ctx context.Context) ([]transfer.Record, error)
	Remove(ctx context.Context, burnTxHash string) error
	Chains() []string
}

type Config struct {
	// AuthToken enables bearer-token auth on /v1 routes when set.
	AuthToken string

	// MaxBodyBytes limits request sizes. Defaults to 64 KiB.
	MaxBodyBytes int64

	// ClaimTimeout bounds a synchronous claim request. Defaults to 2m.
	ClaimTimeout time.Duration

	// RateLimitPerIPPerSecond <= 0 uses 20/s. Burst defaults to twice that.
	RateLimitPerIPPerSecond float64
	RateLimitBurst          int
	RateLimitMaxTrackedIPs  int

	Metrics *metrics.Registry
	Now     func() time.Time
}

type handler struct {
	cfg     Config
	engine  Engine
	limiter *ipRateLimiter
	log     *slog.Logger
}

func NewHandler(cfg Config, engine Engine, log *slog.Logger) (http.Handler, error) {
	if engine == nil {
		return nil, fmt.Errorf("%w: nil engine", ErrInvalidConfig)
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 64 << 10
	}
	if cfg.ClaimTimeout <= 0 {
		cfg.ClaimTimeout = 2 * time.Minute
	}
	if cfg.RateLimitPerIPPerSecond <= 0 {
		cfg.RateLimitPerIPPerSecond = 20
	}
	if cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = int(2 * cfg.RateLimitPerIPPerSecond)
	}
	if cfg.RateLimitMaxTrackedIPs <= 0 {
		cfg.RateLimitMaxTrackedIPs = 10_000
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	h := &handler{
		cfg:     cfg,
		engine:  engine,
		limiter: newIPRateLimiter(cfg.RateLimitPerIPPerSecond, float64(cfg.RateLimitBurst), cfg.RateLimitMaxTrackedIPs),
		log:     log,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", h.handleHealthz)
	if cfg.Metrics != nil {
		mux.Handle("GET /metrics", cfg.Metrics.Handler())
	}
	h.route(mux, "GET /v1/chains", h.handleChains)
	h.route(mux, "GET /v1/transfers", h.handleList)
	h.route(mux, "POST /v1/transfers", h.handleInitiate)
	h.route(mux, "POST /v1/transfers/track", h.handleTrack)
	h.route(mux, "GET /v1/transfers/{hash}", h.handleGet)
	h.route(mux, "DELETE /v1/transfers/{hash}", h.handleRemove)
	h.route(mux, "POST /v1/transfers/{hash}/claim", h.handleClaim)
	h.route(mux, "POST /v1/transfers/{hash}/reattest", h.handleReattest)
	h.route(mux, "POST /v1/transfers/{hash}/steps", h.handleStep)
	return mux, nil
}

// route registers an authenticated, rate limited and timed /v1 endpoint.
func (h *handler) route(mux *http.ServeMux, pattern string, fn http.HandlerFunc) {
	mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		start := h.cfg.Now()
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		defer func() {
			if h.cfg.Metrics != nil {
				h.cfg.Metrics.ObserveRequest(pattern, rec.code, h.cfg.Now().Sub(start))
			}
		}()

		if h.cfg.AuthToken != "" && !checkBearer(r.Header.Get("Authorization"), h.cfg.AuthToken) {
			writeError(rec, http.StatusUnauthorized, "unauthorized", "")
			return
		}
		rec.Header().Set("X-RateLimit-Limit", strconv.Itoa(h.cfg.RateLimitBurst))
		if !h.limiter.Allow(clientIP(r), start.UTC()) {
			rec.Header().Set("Retry-After", "1")
			writeError(rec, http.StatusTooManyRequests, "rate_limited", "")
			return
		}
		if r.Body != nil {
			r.Body = http.MaxBytesReader(rec, r.Body, h.cfg.MaxBodyBytes)
		}
		fn(rec, r)
	})
}

func (h *handler) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

func (h *handler) handleChains(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"version": "v1",
		"chains":  h.engine.Chains(),
	})
}

func (h *handler) handleList(w http.ResponseWriter, r *http.Request) {
	var want transfer.Status
	if raw := strings.TrimSpace(r.URL.Query().Get("status")); raw != "" {
		if err := want.UnmarshalText([]byte(raw)); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_status", "")
			return
		}
	}
	recs, err := h.engine.List(r.Context())
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	out := make([]transfer.Record, 0, len(recs))
	for _, rec := range recs {
		if want != transfer.StatusUnknown && rec.Status != want {
			continue
		}
		out = append(out, rec)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"version":   "v1",
		"transfers": out,
	})
}

type initiateRequestBody struct {
	OriginChain   string           `json:"originChain"`
	TargetChain   string           `json:"targetChain"`
	TargetAddress string           `json:"targetAddress"`
	Amount        string           `json:"amount"`
	Version       transfer.Version `json:"protocolVersion"`
	Speed         transfer.Speed   `json:"transferSpeed"`
}

func (h *handler) handleInitiate(w http.ResponseWriter, r *http.Request) {
	body, ok := decodeJSONBody[initiateRequestBody](w, r)
	if !ok {
		return
	}
	amount, err := parseUint64BodyValue(body.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_amount", "")
		return
	}
	rec, err := h.engine.Initiate(r.Context(), initiator.Request{
		OriginChain:   body.OriginChain,
		TargetChain:   body.TargetChain,
		TargetAddress: body.TargetAddress,
		Amount:        amount,
		Version:       body.Version,
		Speed:         body.Speed,
	})
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeTransfer(w, http.StatusCreated, rec)
}

type trackRequestBody struct {
	BurnTxHash    string           `json:"burnTxHash"`
	OriginChain   string           `json:"originChain"`
	TargetChain   string           `json:"targetChain"`
	TargetAddress string           `json:"targetAddress"`
	Sender        string           `json:"sender"`
	Amount        string           `json:"amount"`
	Version       transfer.Version `json:"protocolVersion"`
	Speed         transfer.Speed   `json:"transferSpeed"`
	MaxFee        string           `json:"maxFee"`
	ApproveTxHash string           `json:"approveTxHash"`
}

func (h *handler) handleTrack(w http.ResponseWriter, r *http.Request) {
	body, ok := decodeJSONBody[trackRequestBody](w, r)
	if !ok {
		return
	}
	amount, err := parseUint64BodyValue(body.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_amount", "")
		return
	}
	var maxFee uint64
	if strings.TrimSpace(body.MaxFee) != "" {
		if maxFee, err = parseUint64BodyValue(body.MaxFee); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_max_fee", "")
			return
		}
	}
	rec, err := h.engine.Track(r.Context(), initiator.TrackRequest{
		BurnTxHash:    body.BurnTxHash,
		OriginChain:   body.OriginChain,
		TargetChain:   body.TargetChain,
		TargetAddress: body.TargetAddress,
		Sender:        body.Sender,
		Amount:        amount,
		Version:       body.Version,
		Speed:         body.Speed,
		MaxFee:        maxFee,
		ApproveTxHash: body.ApproveTxHash,
	})
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeTransfer(w, http.StatusOK, rec)
}

func (h *handler) handleGet(w http.ResponseWriter, r *http.Request) {
	rec, err := h.engine.Get(r.Context(), r.PathValue("hash"))
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeTransfer(w, http.StatusOK, rec)
}

func (h *handler) handleRemove(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.Remove(r.Context(), r.PathValue("hash")); err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) handleClaim(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.cfg.ClaimTimeout)
	defer cancel()

	hash := r.PathValue("hash")
	res, err := h.engine.Claim(ctx, hash)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	code := http.StatusOK
	if res.Pending {
		code = http.StatusAccepted
	}
	writeJSON(w, code, map[string]any{
		"version":       "v1",
		"burnTxHash":    transfer.NormalizeHash(hash),
		"success":       res.Success,
		"pending":       res.Pending,
		"alreadyMinted": res.AlreadyMinted,
		"mintTxHash":    res.MintTxHash,
	})
}

func (h *handler) handleReattest(w http.ResponseWriter, r *http.Request) {
	rec, err := h.engine.Reattest(r.Context(), r.PathValue("hash"))
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeTransfer(w, http.StatusAccepted, rec)
}

type stepRequestBody struct {
	Stage        string             `json:"stage"`
	State        transfer.StepState `json:"state"`
	TxHash       string             `json:"txHash"`
	ErrorMessage string             `json:"errorMessage"`
}

func (h *handler) handleStep(w http.ResponseWriter, r *http.Request) {
	body, ok := decodeJSONBody[stepRequestBody](w, r)
	if !ok {
		return
	}
	ev, err := stepevents.New(r.PathValue("hash"), body.Stage, body.State, body.TxHash, body.ErrorMessage, h.cfg.Now())
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_step", err.Error())
		return
	}
	rec, err := h.engine.ApplyStepEvent(r.Context(), ev)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeTransfer(w, http.StatusOK, rec)
}

func (h *handler) writeEngineError(w http.ResponseWriter, r *http.Request, err error) {
	code, name := classify(err)
	msg := ""
	var f *transfer.Failure
	if errors.As(err, &f) {
		msg = f.Message
	}
	if code >= http.StatusInternalServerError {
		h.log.Error("request failed", "method", r.Method, "path", r.URL.Path, "err", err)
	}
	writeError(w, code, name, msg)
}

// classify maps an engine error to an HTTP status and a stable error code.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, transfer.ErrNotFound), errors.Is(err, stepevents.ErrUnknownTransfer):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, orchestrator.ErrNotStarted):
		return http.StatusServiceUnavailable, "not_ready"
	case errors.Is(err, stepevents.ErrInvalidEvent):
		return http.StatusBadRequest, "invalid_step"
	case errors.Is(err, transfer.ErrRecordMismatch):
		return http.StatusConflict, "record_mismatch"
	case errors.Is(err, transfer.ErrInvalidTransition):
		return http.StatusConflict, "invalid_transition"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timeout"
	case errors.Is(err, context.Canceled):
		return http.StatusRequestTimeout, "canceled"
	}

	switch transfer.FailureKindOf(err) {
	case transfer.FailurePrecondition:
		if errors.Is(err, transfer.ErrInvalidInput) {
			return http.StatusBadRequest, "invalid_request"
		}
		return http.StatusConflict, "precondition_failed"
	case transfer.FailureUnsupported:
		return http.StatusUnprocessableEntity, "unsupported"
	case transfer.FailureUserRejected:
		return http.StatusConflict, "user_rejected"
	case transfer.FailureMessageExpired:
		return http.StatusConflict, "message_expired"
	case transfer.FailureBurnFailed:
		return http.StatusUnprocessableEntity, "burn_failed"
	case transfer.FailureReverted:
		return http.StatusUnprocessableEntity, "reverted"
	case transfer.FailureService:
		return http.StatusBadGateway, "upstream_unavailable"
	}
	if errors.Is(err, transfer.ErrInvalidInput) {
		return http.StatusBadRequest, "invalid_request"
	}
	return http.StatusInternalServerError, "internal"
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

func writeTransfer(w http.ResponseWriter, code int, rec transfer.Record) {
	writeJSON(w, code, map[string]any{
		"version":  "v1",
		"transfer": rec,
	})
}

func writeError(w http.ResponseWriter, code int, name, msg string) {
	body := map[string]any{
		"version": "v1",
		"error":   name,
	}
	if msg != "" {
		body["message"] = msg
	}
	writeJSON(w, code, body)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeJSONBody[T any](w http.ResponseWriter, r *http.Request) (T, bool) {
	var out T
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&out); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "")
		return out, false
	}
	// Reject trailing garbage.
	if dec.More() {
		writeError(w, http.StatusBadRequest, "invalid_json", "")
		return out, false
	}
	return out, true
}

func parseUint64BodyValue(raw string) (uint64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, errors.New("missing value")
	}
	return strconv.ParseUint(raw, 10, 64)
}

func checkBearer(header string, wantToken string) bool {
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return false
	}
	got := strings.TrimSpace(strings.TrimPrefix(header, prefix))
	return got == wantToken
}

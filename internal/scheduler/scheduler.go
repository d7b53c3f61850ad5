// Package scheduler runs named, cancellable periodic tasks. At most one task
// runs per name; starting a name again replaces the previous task.
//
// Every tick carries a sequence number that is unique across the scheduler.
// A task must check Tick.Current before writing results, so a tick that
// finishes after its task was cancelled or replaced is discarded.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

var ErrInvalidTask = errors.New("scheduler: invalid task")

type StopReason uint8

const (
	StopDone StopReason = iota + 1
	StopCancelled
	StopExpired
	StopReplaced
)

func (r StopReason) String() string {
	switch r {
	case StopDone:
		return "done"
	case StopCancelled:
		return "cancelled"
	case StopExpired:
		return "expired"
	case StopReplaced:
		return "replaced"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(r))
	}
}

type Tick struct {
	Seq     uint64
	Started time.Time
	At      time.Time

	h *Handle
}

// Current reports whether the tick still belongs to the live task. Results
// of a tick that is no longer current must be dropped.
func (t Tick) Current() bool {
	return t.h != nil && t.h.Current(t.Seq)
}

type Task struct {
	Interval time.Duration
	// MaxDuration stops the task after it has run this long. Zero means no limit.
	MaxDuration time.Duration

	// Run is called once immediately and then every Interval. Returning
	// stop=true ends the task. Errors are logged and do not stop it.
	Run func(ctx context.Context, t Tick) (stop bool, err error)

	// OnStop is called once when the task ends.
	OnStop func(reason StopReason)
}

type Config struct {
	Now func() time.Time
}

type Scheduler struct {
	cfg Config
	log *slog.Logger

	seq atomic.Uint64

	mu    sync.Mutex
	tasks map[string]*Handle
}

func New(cfg Config, log *slog.Logger) *Scheduler {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return &Scheduler{cfg: cfg, log: log, tasks: make(map[string]*Handle)}
}

// Start runs task under name until it stops, ctx is done, or it is
// cancelled. A running task with the same name is cancelled first.
func (s *Scheduler) Start(ctx context.Context, name string, task Task) (*Handle, error) {
	if name == "" || task.Run == nil || task.Interval <= 0 || task.MaxDuration < 0 {
		return nil, fmt.Errorf("%w: name, run func and positive interval are required", ErrInvalidTask)
	}

	tctx, cancel := context.WithCancel(ctx)
	h := &Handle{
		name:   name,
		s:      s,
		task:   task,
		cancel: cancel,
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	h.active.Store(true)

	s.mu.Lock()
	prev := s.tasks[name]
	s.tasks[name] = h
	s.mu.Unlock()

	if prev != nil {
		prev.stop(StopReplaced)
	}

	go h.loop(tctx)
	return h, nil
}

// Get returns the live task for name.
func (s *Scheduler) Get(name string) (*Handle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.tasks[name]
	return h, ok
}

func (s *Scheduler) Running(name string) bool {
	_, ok := s.Get(name)
	return ok
}

// Cancel stops the task for name, if any.
func (s *Scheduler) Cancel(name string) {
	if h, ok := s.Get(name); ok {
		h.Cancel()
	}
}

// Stop cancels every task and waits for them to exit.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	all := make([]*Handle, 0, len(s.tasks))
	for _, h := range s.tasks {
		all = append(all, h)
	}
	s.mu.Unlock()

	for _, h := range all {
		h.Cancel()
	}
	for _, h := range all {
		<-h.Done()
	}
}

func (s *Scheduler) forget(h *Handle) {
	s.mu.Lock()
	if s.tasks[h.name] == h {
		delete(s.tasks, h.name)
	}
	s.mu.Unlock()
}

// Handle controls one started task.
type Handle struct {
	name string
	s    *Scheduler
	task Task

	active  atomic.Bool
	lastSeq atomic.Uint64
	reason  atomic.Uint32

	cancel context.CancelFunc
	wake   chan struct{}
	done   chan struct{}
}

func (h *Handle) Name() string { return h.name }

// Cancel stops the task. In-flight ticks become stale.
func (h *Handle) Cancel() { h.stop(StopCancelled) }

// Trigger runs the next tick without waiting for the interval.
func (h *Handle) Trigger() {
	select {
	case h.wake <- struct{}{}:
	default:
	}
}

// Done is closed after the task has exited and OnStop has run.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Current reports whether seq is the latest tick of a live task.
func (h *Handle) Current(seq uint64) bool {
	return h.active.Load() && h.lastSeq.Load() == seq
}

// Reason is the stop reason once Done is closed.
func (h *Handle) Reason() StopReason { return StopReason(h.reason.Load()) }

func (h *Handle) stop(reason StopReason) {
	if h.active.CompareAndSwap(true, false) {
		h.reason.Store(uint32(reason))
	}
	h.cancel()
}

func (h *Handle) loop(ctx context.Context) {
	defer close(h.done)
	defer h.s.forget(h)
	defer func() {
		h.stop(StopCancelled)
		if h.task.OnStop != nil {
			h.task.OnStop(h.Reason())
		}
	}()

	started := h.s.cfg.Now()
	for {
		if ctx.Err() != nil || !h.active.Load() {
			return
		}
		now := h.s.cfg.Now()
		if h.task.MaxDuration > 0 && now.Sub(started) >= h.task.MaxDuration {
			h.stop(StopExpired)
			h.s.log.Info("task reached max duration", "task", h.name, "maxDuration", h.task.MaxDuration.String())
			return
		}

		seq := h.s.seq.Add(1)
		h.lastSeq.Store(seq)
		stop, err := h.task.Run(ctx, Tick{Seq: seq, Started: started, At: now, h: h})
		if err != nil && ctx.Err() == nil {
			h.s.log.Warn("task tick failed", "task", h.name, "seq", seq, "err", err)
		}
		if stop {
			h.stop(StopDone)
			return
		}

		t := time.NewTimer(h.task.Interval)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-h.wake:
			t.Stop()
		case <-t.C:
		}
	}
}

// ABOUTME: Engine adapter that fronts the real engine and fails over to the mock engine
// ABOUTME: Applies call timeouts, tracks mock mode, and routes each handle to its backend

package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/2389/session-gateway/internal/config"
)

// Adapter is the Engine the gateway talks to. It owns a real backend (which
// may be absent) and a mock backend, and switches to the mock permanently
// once the real one is found unavailable.
type Adapter struct {
	primary     Engine
	mock        *MockEngine
	mockMode    atomic.Bool
	reason      atomic.Value // string: why mock mode was entered
	callTimeout time.Duration
	models      []ModelInfo
	logger      *slog.Logger
}

// AdapterOptions configures NewAdapter.
type AdapterOptions struct {
	CallTimeout  time.Duration
	MockDelay    time.Duration
	DefaultModel string
	Models       []string
	Logger       *slog.Logger
}

// NewAdapter builds an adapter around primary. A nil primary starts the
// adapter in mock mode.
func NewAdapter(primary Engine, opts AdapterOptions) *Adapter {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 30 * time.Second
	}

	a := &Adapter{
		primary:     primary,
		mock:        NewMockEngine(opts.MockDelay, logger),
		callTimeout: opts.CallTimeout,
		models:      buildModelList(opts.DefaultModel, opts.Models),
		logger:      logger.With("component", "engine"),
	}
	a.reason.Store("")
	if primary == nil {
		a.enterMockMode("no engine configured")
	}
	return a
}

// New builds the adapter from configuration. The Ark chat model is created
// within cfg.StartupTimeout; missing credentials, a construction error or a
// timeout leave the adapter in mock mode instead of failing startup.
func New(ctx context.Context, cfg config.EngineConfig, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	opts := AdapterOptions{
		CallTimeout:  cfg.CallTimeout,
		MockDelay:    cfg.MockTokenDelay,
		DefaultModel: cfg.DefaultModel,
		Models:       cfg.Models,
		Logger:       logger,
	}

	if cfg.Provider == config.ProviderMock {
		a := NewAdapter(nil, opts)
		a.reason.Store("mock provider configured")
		return a
	}

	startCtx, cancel := context.WithTimeout(ctx, cfg.StartupTimeout)
	defer cancel()

	type result struct {
		engine *EinoEngine
		err    error
	}
	done := make(chan result, 1)
	go func() {
		chat, err := NewArkChatModel(startCtx, cfg)
		if err != nil {
			done <- result{err: err}
			return
		}
		done <- result{engine: NewEinoEngine(chat, cfg, logger)}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			logger.Warn("engine unavailable, serving mock replies", "error", r.err)
			a := NewAdapter(nil, opts)
			a.reason.Store(r.err.Error())
			return a
		}
		logger.Info("engine ready", "provider", cfg.Provider, "model", cfg.DefaultModel)
		return NewAdapter(r.engine, opts)
	case <-startCtx.Done():
		logger.Warn("engine startup timed out, serving mock replies", "timeout", cfg.StartupTimeout)
		a := NewAdapter(nil, opts)
		a.reason.Store("engine startup timed out")
		return a
	}
}

func buildModelList(defaultModel string, models []string) []ModelInfo {
	seen := make(map[string]bool)
	var out []ModelInfo
	add := func(id string) {
		if id == "" || seen[id] {
			return
		}
		seen[id] = true
		out = append(out, ModelInfo{ID: id, Name: id, Default: id == defaultModel})
	}
	add(defaultModel)
	for _, m := range models {
		add(m)
	}
	return out
}

func (a *Adapter) enterMockMode(reason string) {
	if a.mockMode.CompareAndSwap(false, true) {
		a.reason.Store(reason)
		a.logger.Warn("switched to mock mode", "reason", reason)
	}
}

// MockMode reports whether new sessions are served by the mock engine.
func (a *Adapter) MockMode() bool {
	return a.mockMode.Load()
}

// MockReason explains why mock mode was entered. Empty when not in mock mode.
func (a *Adapter) MockReason() string {
	if !a.MockMode() {
		return ""
	}
	s, _ := a.reason.Load().(string)
	return s
}

// Models lists the models callers may request.
func (a *Adapter) Models() []ModelInfo {
	out := append([]ModelInfo(nil), a.models...)
	if a.MockMode() {
		out = append(out, ModelInfo{ID: MockModelID, Name: "Offline mock", Default: len(out) == 0})
	}
	return out
}

func (a *Adapter) backend(h *Handle) Engine {
	if h.Mock || a.primary == nil {
		return a.mock
	}
	return a.primary
}

// Create starts an engine session under the call timeout. An unavailable
// real engine flips the adapter to mock mode and the mock creates the session.
func (a *Adapter) Create(ctx context.Context, cfg SessionConfig) (*Handle, error) {
	if a.MockMode() {
		return a.mock.Create(ctx, cfg)
	}

	callCtx, cancel := context.WithTimeout(ctx, a.callTimeout)
	defer cancel()

	h, err := a.primary.Create(callCtx, cfg)
	if err == nil {
		return h, nil
	}
	if errors.Is(err, ErrEngineUnavailable) || errors.Is(err, context.DeadlineExceeded) {
		a.enterMockMode(err.Error())
		return a.mock.Create(ctx, cfg)
	}
	return nil, fmt.Errorf("creating engine session: %w", err)
}

// Resume reattaches under the call timeout. Errors, including timeouts, are
// returned so the registry can fall back to Create.
func (a *Adapter) Resume(ctx context.Context, sessionID string) (*Handle, error) {
	callCtx, cancel := context.WithTimeout(ctx, a.callTimeout)
	defer cancel()

	if h, err := a.mock.Resume(callCtx, sessionID); err == nil {
		return h, nil
	}
	if a.primary == nil || a.MockMode() {
		return nil, ErrSessionNotFound
	}

	type result struct {
		h   *Handle
		err error
	}
	done := make(chan result, 1)
	go func() {
		h, err := a.primary.Resume(callCtx, sessionID)
		done <- result{h, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return nil, fmt.Errorf("resuming engine session: %w", r.err)
		}
		return r.h, nil
	case <-callCtx.Done():
		return nil, fmt.Errorf("resuming engine session: %w", callCtx.Err())
	}
}

// Send performs a blocking round trip. When the real engine fails the reply
// comes from the mock so callers still get an answer.
func (a *Adapter) Send(ctx context.Context, h *Handle, prompt string) (string, error) {
	backend := a.backend(h)
	reply, err := backend.Send(ctx, h, prompt)
	if err == nil || backend == Engine(a.mock) {
		return reply, err
	}
	if ctx.Err() != nil || errors.Is(err, ErrBusy) || errors.Is(err, ErrSessionNotFound) {
		return "", err
	}

	a.logger.Warn("engine send failed, answering from mock", "session_id", h.SessionID, "error", err)
	return MockReply(prompt).Text, nil
}

// Stream starts generation on the handle's backend.
func (a *Adapter) Stream(ctx context.Context, h *Handle, prompt string) (<-chan Event, error) {
	return a.backend(h).Stream(ctx, h, prompt)
}

// Abort stops generation on the handle's backend.
func (a *Adapter) Abort(h *Handle) {
	if h == nil {
		return
	}
	a.backend(h).Abort(h)
}

// Destroy releases the session on its backend.
func (a *Adapter) Destroy(h *Handle) error {
	if h == nil {
		return nil
	}
	return a.backend(h).Destroy(h)
}

var _ Engine = (*Adapter)(nil)
var _ Engine = (*EinoEngine)(nil)
var _ Engine = (*MockEngine)(nil)

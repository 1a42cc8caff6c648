// ABOUTME: Gateway façade: the single entry point both transports call into
// ABOUTME: Wires store, session registry, engine adapter, abort coordinator, and prompt assembler

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/2389/session-gateway/internal/abort"
	"github.com/2389/session-gateway/internal/api"
	"github.com/2389/session-gateway/internal/config"
	"github.com/2389/session-gateway/internal/engine"
	"github.com/2389/session-gateway/internal/keylock"
	"github.com/2389/session-gateway/internal/prompt"
	"github.com/2389/session-gateway/internal/session"
	"github.com/2389/session-gateway/internal/store"
)

var (
	// ErrInvalidRequest marks validation failures. They never reach the engine.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrStreamInProgress is returned when a session already has a running
	// stream or send and the caller did not ask to replace it.
	ErrStreamInProgress = errors.New("stream already in progress")
)

const (
	defaultListLimit = 50
	maxListLimit     = 200
	persistTimeout   = 5 * time.Second
	busyWait         = 2 * time.Second
	busyPoll         = 10 * time.Millisecond
)

// Backend is what the gateway needs from the engine layer. engine.Adapter
// implements it.
type Backend interface {
	engine.Engine
	MockMode() bool
	MockReason() string
	Models() []engine.ModelInfo
}

// Options tunes a Gateway. Zero values take defaults.
type Options struct {
	Version        string
	StreamBuffer   int
	ReplaceStreams bool
	MaxPromptBytes int
	HealthTimeout  time.Duration
	Assembler      *prompt.Assembler
	Logger         *slog.Logger
}

// OptionsFromConfig maps configuration onto Options.
func OptionsFromConfig(cfg *config.Config, version string, logger *slog.Logger) Options {
	return Options{
		Version:        version,
		StreamBuffer:   cfg.Gateway.StreamBuffer,
		ReplaceStreams: cfg.Gateway.ReplaceStreams,
		MaxPromptBytes: cfg.Gateway.MaxPromptBytes,
		HealthTimeout:  cfg.Server.HealthTimeout,
		Logger:         logger,
	}
}

// Gateway orchestrates session lifecycle and chat for every transport.
type Gateway struct {
	store     store.Store
	engine    Backend
	sessions  *session.Registry
	aborts    *abort.Coordinator
	appends   *keylock.Locker
	assembler *prompt.Assembler
	opts      Options
	logger    *slog.Logger
}

// New creates a gateway.
func New(st store.Store, eng Backend, opts Options) *Gateway {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.StreamBuffer <= 0 {
		opts.StreamBuffer = 64
	}
	if opts.HealthTimeout <= 0 {
		opts.HealthTimeout = 2 * time.Second
	}
	if opts.Assembler == nil {
		opts.Assembler = prompt.NewAssembler(0)
	}

	return &Gateway{
		store:     st,
		engine:    eng,
		sessions:  session.NewRegistry(eng, logger),
		aborts:    abort.New(logger),
		appends:   keylock.New(),
		assembler: opts.Assembler,
		opts:      opts,
		logger:    logger.With("component", "gateway"),
	}
}

// Health probes the store within the health timeout. A store that does not
// answer in time is reported unhealthy. Mock mode is healthy.
func (g *Gateway) Health(ctx context.Context, mode string) api.Health {
	ctx, cancel := context.WithTimeout(ctx, g.opts.HealthTimeout)
	defer cancel()

	h := api.Health{
		Status:     api.StatusOK,
		Mode:       mode,
		Version:    g.opts.Version,
		MockMode:   g.engine.MockMode(),
		MockReason: g.engine.MockReason(),
		Sessions:   g.sessions.Len(),
	}

	errCh := make(chan error, 1)
	go func() { errCh <- g.store.Ping(ctx) }()

	select {
	case err := <-errCh:
		if err != nil {
			h.Status = api.StatusError
			h.Error = fmt.Sprintf("store: %v", err)
		}
	case <-ctx.Done():
		h.Status = api.StatusError
		h.Error = "health check timed out"
	}
	return h
}

// ListModels returns the models the engine can serve.
func (g *Gateway) ListModels() api.ModelList {
	infos := g.engine.Models()
	list := api.ModelList{Models: make([]api.Model, 0, len(infos)), MockMode: g.engine.MockMode()}
	for _, m := range infos {
		list.Models = append(list.Models, api.Model{ID: m.ID, Name: m.Name, Default: m.Default})
	}
	return list
}

// MockMode reports whether the engine currently serves from the mock.
func (g *Gateway) MockMode() bool {
	return g.engine.MockMode()
}

func (g *Gateway) defaultModel() string {
	models := g.engine.Models()
	for _, m := range models {
		if m.Default {
			return m.ID
		}
	}
	if len(models) > 0 {
		return models[0].ID
	}
	return engine.MockModelID
}

// Close aborts every running stream and destroys every engine session.
func (g *Gateway) Close() {
	if n := g.aborts.AbortAll(); n > 0 {
		g.logger.Info("aborted running streams", "count", n)
	}
	g.sessions.Close()
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidRequest, fmt.Sprintf(format, args...))
}

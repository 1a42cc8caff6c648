// ABOUTME: Tests for the failover engine adapter
// ABOUTME: Covers mock-mode startup, create failover, resume timeouts, and send fallback

package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/session-gateway/internal/config"
)

// stubEngine lets tests script the real backend.
type stubEngine struct {
	createErr   error
	resumeDelay time.Duration
	resumeErr   error
	sendErr     error
	created     []SessionConfig
}

func (s *stubEngine) Create(ctx context.Context, cfg SessionConfig) (*Handle, error) {
	s.created = append(s.created, cfg)
	if s.createErr != nil {
		return nil, s.createErr
	}
	return &Handle{SessionID: cfg.SessionID, Model: cfg.Model}, nil
}

func (s *stubEngine) Resume(ctx context.Context, sessionID string) (*Handle, error) {
	if s.resumeDelay > 0 {
		select {
		case <-time.After(s.resumeDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if s.resumeErr != nil {
		return nil, s.resumeErr
	}
	return &Handle{SessionID: sessionID}, nil
}

func (s *stubEngine) Send(ctx context.Context, h *Handle, prompt string) (string, error) {
	if s.sendErr != nil {
		return "", s.sendErr
	}
	return "real reply", nil
}

func (s *stubEngine) Stream(ctx context.Context, h *Handle, prompt string) (<-chan Event, error) {
	ch := make(chan Event, 1)
	ch <- Event{Type: EventIdle}
	close(ch)
	return ch, nil
}

func (s *stubEngine) Abort(h *Handle) {}

func (s *stubEngine) Destroy(h *Handle) error { return nil }

func TestNew_MockProvider(t *testing.T) {
	a := New(context.Background(), config.EngineConfig{
		Provider:       config.ProviderMock,
		DefaultModel:   "doubao-lite",
		StartupTimeout: time.Second,
	}, nil)

	assert.True(t, a.MockMode())
	assert.Equal(t, "mock provider configured", a.MockReason())

	models := a.Models()
	require.Len(t, models, 2)
	assert.Equal(t, "doubao-lite", models[0].ID)
	assert.True(t, models[0].Default)
	assert.Equal(t, MockModelID, models[1].ID)
}

func TestNew_MissingCredentialsFallsBackToMock(t *testing.T) {
	a := New(context.Background(), config.EngineConfig{
		Provider:       config.ProviderArk,
		StartupTimeout: time.Second,
	}, nil)

	assert.True(t, a.MockMode())
	assert.Contains(t, a.MockReason(), "credentials missing")

	h, err := a.Create(context.Background(), SessionConfig{SessionID: "s1"})
	require.NoError(t, err)
	assert.True(t, h.Mock)
}

func TestAdapter_CreateFailsOverOnUnavailable(t *testing.T) {
	primary := &stubEngine{createErr: ErrEngineUnavailable}
	a := NewAdapter(primary, AdapterOptions{CallTimeout: time.Second})
	require.False(t, a.MockMode())

	h, err := a.Create(context.Background(), SessionConfig{SessionID: "s1"})
	require.NoError(t, err)
	assert.True(t, h.Mock)
	assert.True(t, a.MockMode())
	assert.Len(t, primary.created, 1)

	// Later sessions go straight to the mock.
	_, err = a.Create(context.Background(), SessionConfig{SessionID: "s2"})
	require.NoError(t, err)
	assert.Len(t, primary.created, 1)
}

func TestAdapter_CreateOtherErrorsPropagate(t *testing.T) {
	a := NewAdapter(&stubEngine{createErr: errors.New("bad model")}, AdapterOptions{})
	_, err := a.Create(context.Background(), SessionConfig{SessionID: "s1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad model")
	assert.False(t, a.MockMode())
}

func TestAdapter_ResumeTimeout(t *testing.T) {
	a := NewAdapter(&stubEngine{resumeDelay: time.Second}, AdapterOptions{CallTimeout: 20 * time.Millisecond})

	start := time.Now()
	_, err := a.Resume(context.Background(), "s1")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestAdapter_ResumeFindsMockSessions(t *testing.T) {
	a := NewAdapter(nil, AdapterOptions{})
	_, err := a.Resume(context.Background(), "s1")
	assert.ErrorIs(t, err, ErrSessionNotFound)

	_, err = a.Create(context.Background(), SessionConfig{SessionID: "s1"})
	require.NoError(t, err)
	h, err := a.Resume(context.Background(), "s1")
	require.NoError(t, err)
	assert.True(t, h.Mock)
}

func TestAdapter_SendFallsBackToMockReply(t *testing.T) {
	a := NewAdapter(&stubEngine{sendErr: errors.New("503 from upstream")}, AdapterOptions{})
	h, err := a.Create(context.Background(), SessionConfig{SessionID: "s1"})
	require.NoError(t, err)
	require.False(t, h.Mock)

	reply, err := a.Send(context.Background(), h, "explain\nx")
	require.NoError(t, err)
	assert.Equal(t, MockReply("explain\nx").Text, reply)
}

func TestAdapter_NilHandleIsSafe(t *testing.T) {
	a := NewAdapter(nil, AdapterOptions{})
	a.Abort(nil)
	assert.NoError(t, a.Destroy(nil))
}

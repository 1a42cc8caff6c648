// ABOUTME: Dialers for the native transport: unix socket, WebSocket pipe, and a spawned host process
// ABOUTME: Each returns a Client that owns the underlying connection

package nativeclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os/exec"

	"github.com/gorilla/websocket"

	"github.com/2389/session-gateway/internal/wspipe"
)

// DialUnix connects to a gateway's native socket.
func DialUnix(ctx context.Context, path string, logger *slog.Logger) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", path)
	if err != nil {
		return nil, fmt.Errorf("dialing native socket: %w", err)
	}
	return New(conn, logger), nil
}

// DialWebSocket connects to a gateway's /ws/native endpoint, e.g.
// "ws://127.0.0.1:8787/ws/native".
func DialWebSocket(ctx context.Context, url string, logger *slog.Logger) (*Client, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dialing native websocket: %w", err)
	}
	return New(wspipe.New(conn), logger), nil
}

// Spawn starts a native host process (for example "session-gateway native")
// and talks to it over its stdin and stdout. Closing the client closes the
// host's stdin and waits for it to exit.
func Spawn(ctx context.Context, name string, args []string, logger *slog.Logger) (*Client, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("opening host stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("opening host stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting native host: %w", err)
	}
	return New(&processPipe{cmd: cmd, stdin: stdin, stdout: stdout}, logger), nil
}

type processPipe struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
}

func (p *processPipe) Read(b []byte) (int, error)  { return p.stdout.Read(b) }
func (p *processPipe) Write(b []byte) (int, error) { return p.stdin.Write(b) }

// Close ends the host by closing its stdin, then reaps it.
func (p *processPipe) Close() error {
	err := p.stdin.Close()
	waitErr := p.cmd.Wait()
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		waitErr = fmt.Errorf("native host exited: %w", waitErr)
	}
	return errors.Join(err, waitErr)
}

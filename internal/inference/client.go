// Copyright (c) 2026 VibeNote
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package inference owns the persistent connection to the local completion
// server: process lifecycle, reconnect-with-backoff, and the hand-rolled
// SSE framing used to multiplex many concurrent streamed requests over one
// socket.
package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/Tim-Spurlin/VibeNote/internal/metrics"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// State is the connection lifecycle state exposed via Status.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateRestarting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateRestarting:
		return "restarting"
	default:
		return "unknown"
	}
}

var (
	ErrNotConnected      = errors.New("inference: not connected")
	ErrRestartInProgress = errors.New("inference: restart already in progress")
	ErrServerNotReady    = errors.New("inference: server did not become ready")
	ErrRestarting        = errors.New("inference: request interrupted by restart")
)

const (
	readinessAttempts = 30
	readinessInterval = time.Second
	maxBackoff        = 30 * time.Second
	readDeadline      = time.Second

	// reconnectRateLimit and reconnectBurst cap total reconnect attempts per
	// minute independent of the exponential backoff delay, so a server that
	// accepts a connection and immediately drops it (resetting the backoff
	// via resetBackoff) cannot still spin the dialer into a storm.
	reconnectRateLimit = 10
	reconnectBurst     = 3
)

// Params are the optional per-request sampling parameters.
type Params struct {
	Temperature float64
	MaxTokens   int
	Stop        []string
}

// Config describes how to reach and, if needed, spawn the completion server.
type Config struct {
	Host         string
	Port         int
	ServerBinary string
	ModelPath    string
	ExtraArgs    []string
}

func (c Config) addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Status is a snapshot of the client's connection state.
type Status struct {
	State             State
	ReconnectAttempts uint32
	Layers            int
}

type pendingRequest struct {
	onToken func(string)
	onDone  func(error)
}

// Client is the persistent connection and request multiplexer.
type Client struct {
	cfg    Config
	logger zerolog.Logger

	mu         sync.Mutex
	conn       net.Conn
	cmd        *exec.Cmd
	state      State
	attempts   uint32
	layers     int
	restarting bool
	pending    map[string]pendingRequest
	lastEvent  string

	writeMu          sync.Mutex
	reconnectLimiter *rate.Limiter
}

// New creates a Client. It does not connect or spawn anything until Start
// and Run are called.
func New(cfg Config, logger zerolog.Logger) *Client {
	return &Client{
		cfg:              cfg,
		logger:           logger,
		pending:          make(map[string]pendingRequest),
		reconnectLimiter: rate.NewLimiter(rate.Limit(reconnectRateLimit)/60, reconnectBurst),
	}
}

// Start spawns the completion server with the given initial offload layer
// count and blocks until it accepts TCP connections or ctx is done.
func (c *Client) Start(ctx context.Context, layers int) error {
	if err := c.spawnServer(layers); err != nil {
		return err
	}
	return c.waitForReady(ctx)
}

// Run is the connection supervisor: it dials, reads frames until the
// connection drops, and reconnects with exponential backoff. It returns
// when ctx is cancelled.
func (c *Client) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		c.setState(StateConnecting)
		conn, err := (&net.Dialer{}).DialContext(ctx, "tcp", c.configSnapshot().addr())
		if err != nil {
			if !c.backoff(ctx) {
				return nil
			}
			continue
		}

		c.setConn(conn)
		c.setState(StateConnected)
		c.resetBackoff()

		readErr := c.readLoop(ctx, conn)
		c.clearConn()
		c.failAllPending(readErr)

		if ctx.Err() != nil {
			return nil
		}
		c.logger.Warn().Err(readErr).Msg("inference connection lost; reconnecting")
		if !c.backoff(ctx) {
			return nil
		}
	}
}

// StreamCompletion sends a streamed completion request and registers
// onToken/onDone to receive its tokens and terminal outcome. It returns the
// generated request id.
func (c *Client) StreamCompletion(prompt string, params Params, onToken func(string), onDone func(error)) (string, error) {
	id := uuid.NewString()
	payload := map[string]any{
		"id":     id,
		"prompt": prompt,
		"stream": true,
	}
	if params.Temperature != 0 {
		payload["temperature"] = params.Temperature
	}
	if params.MaxTokens != 0 {
		payload["max_tokens"] = params.MaxTokens
	}
	if len(params.Stop) > 0 {
		payload["stop"] = params.Stop
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("inference: encode request: %w", err)
	}
	request := c.buildRequest("/v1/completions", body)

	c.mu.Lock()
	if c.conn == nil {
		c.mu.Unlock()
		return "", ErrNotConnected
	}
	c.pending[id] = pendingRequest{onToken: onToken, onDone: onDone}
	c.mu.Unlock()

	if _, err := c.write(request); err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return "", err
	}
	return id, nil
}

// Stop asks the server to stop generating for requestID. It does not
// preempt the callback registry; the normal [DONE] or disconnect path
// delivers the terminal.
func (c *Client) Stop(requestID string) error {
	body, err := json.Marshal(map[string]string{"id": requestID})
	if err != nil {
		return err
	}
	_, err = c.write(c.buildRequest("/v1/stop", body))
	return err
}

// RestartWithLayers gracefully stops the completion server, respawns it with
// a new offload layer count, and waits for it to become ready again. A
// restart already in progress makes concurrent calls a no-op error rather
// than racing two respawns.
func (c *Client) RestartWithLayers(ctx context.Context, layers int) error {
	c.mu.Lock()
	if c.restarting {
		c.mu.Unlock()
		return ErrRestartInProgress
	}
	c.restarting = true
	c.state = StateRestarting
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.restarting = false
		c.mu.Unlock()
	}()

	c.failAllPending(ErrRestarting)
	c.closeConn()

	if err := c.spawnServer(layers); err != nil {
		return err
	}
	return c.waitForReady(ctx)
}

// Status returns a snapshot of the client's connection state.
func (c *Client) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Status{State: c.state, ReconnectAttempts: c.attempts, Layers: c.layers}
}

// SetEndpoint updates the host/port Run dials. If the address actually
// changed, it drops any live connection so the reconnect supervisor picks up
// the new address on its next attempt instead of waiting for the current
// connection to fail on its own.
func (c *Client) SetEndpoint(host string, port int) {
	c.mu.Lock()
	changed := c.cfg.Host != host || c.cfg.Port != port
	c.cfg.Host = host
	c.cfg.Port = port
	c.mu.Unlock()
	if changed {
		c.closeConn()
	}
}

func (c *Client) configSnapshot() Config {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Client) setConn(conn net.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
}

func (c *Client) clearConn() {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.state = StateDisconnected
	c.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

func (c *Client) closeConn() {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

func (c *Client) resetBackoff() {
	c.mu.Lock()
	c.attempts = 0
	c.mu.Unlock()
}

// backoff waits min(maxBackoff, 2^attempts * 1s) before the next reconnect
// attempt. It returns false if ctx was cancelled while waiting.
func (c *Client) backoff(ctx context.Context) bool {
	c.mu.Lock()
	attempt := c.attempts
	c.attempts++
	c.mu.Unlock()

	delay := backoffDelay(attempt)
	metrics.IncInferenceReconnectAttempts()

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
	}

	if err := c.reconnectLimiter.Wait(ctx); err != nil {
		return false
	}
	return true
}

// backoffDelay computes min(maxBackoff, 2^attempt * 1s), the same cap used
// by the original reconnect loop.
func backoffDelay(attempt uint32) time.Duration {
	if attempt > 20 { // avoid overflowing the shift long before the cap matters
		return maxBackoff
	}
	delay := time.Duration(1) << attempt * time.Second
	if delay > maxBackoff || delay <= 0 {
		return maxBackoff
	}
	return delay
}

func (c *Client) write(b []byte) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return 0, ErrNotConnected
	}
	return conn.Write(b)
}

func (c *Client) buildRequest(path string, body []byte) []byte {
	cfg := c.configSnapshot()
	var b bytes.Buffer
	fmt.Fprintf(&b, "POST %s HTTP/1.1\r\n", path)
	fmt.Fprintf(&b, "Host: %s\r\n", cfg.Host)
	b.WriteString("Content-Type: application/json\r\n")
	b.WriteString("Connection: keep-alive\r\n")
	fmt.Fprintf(&b, "Content-Length: %d\r\n\r\n", len(body))
	b.Write(body)
	return b.Bytes()
}

// readLoop reads raw bytes off conn, accumulates them, and dispatches
// complete "\n\n"-delimited frames as they appear. It returns when the
// connection errors or closes; ctx cancellation returns nil.
func (c *Client) readLoop(ctx context.Context, conn net.Conn) error {
	buf := make([]byte, 4096)
	var pending []byte
	for {
		if ctx.Err() != nil {
			return nil
		}
		conn.SetReadDeadline(time.Now().Add(readDeadline))
		n, err := conn.Read(buf)
		if n > 0 {
			pending = append(pending, buf[:n]...)
			pending = c.dispatchFrames(pending)
		}
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return err
		}
	}
}

func (c *Client) dispatchFrames(buf []byte) []byte {
	for {
		idx := bytes.Index(buf, []byte("\n\n"))
		if idx == -1 {
			return buf
		}
		frame := buf[:idx]
		buf = buf[idx+2:]
		c.handleFrame(frame)
	}
}

type completionEvent struct {
	ID      string `json:"id"`
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		Text string `json:"text"`
	} `json:"choices"`
}

// handleFrame parses one SSE frame. Only the frame's last line is examined:
// the HTTP response header block ends in "\r\n\r\n", which holds no "\n\n",
// so it arrives glued to the front of the first event and is dropped here.
// Frames whose last line is not a "data: " line are silently skipped.
func (c *Client) handleFrame(frame []byte) {
	if i := bytes.LastIndexByte(frame, '\n'); i >= 0 {
		frame = frame[i+1:]
	}
	frame = bytes.TrimRight(frame, "\r")
	const prefix = "data: "
	if !bytes.HasPrefix(frame, []byte(prefix)) {
		return
	}
	data := bytes.TrimSpace(frame[len(prefix):])
	if string(data) == "[DONE]" {
		c.mu.Lock()
		id := c.lastEvent
		c.lastEvent = ""
		req, ok := c.pending[id]
		if ok {
			delete(c.pending, id)
		}
		c.mu.Unlock()
		if ok && req.onDone != nil {
			req.onDone(nil)
		}
		return
	}

	var event completionEvent
	if err := json.Unmarshal(data, &event); err != nil {
		return
	}
	token := ""
	if len(event.Choices) > 0 {
		token = event.Choices[0].Delta.Content
		if token == "" {
			token = event.Choices[0].Text
		}
	}

	c.mu.Lock()
	req, ok := c.pending[event.ID]
	c.lastEvent = event.ID
	c.mu.Unlock()
	if ok && token != "" && req.onToken != nil {
		req.onToken(token)
	}
}

func (c *Client) failAllPending(err error) {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[string]pendingRequest)
	c.lastEvent = ""
	c.mu.Unlock()
	for _, req := range pending {
		if req.onDone != nil {
			req.onDone(err)
		}
	}
}

func (c *Client) spawnServer(layers int) error {
	c.mu.Lock()
	existing := c.cmd
	c.mu.Unlock()
	if existing != nil && existing.Process != nil {
		terminateGracefully(existing, 5*time.Second)
	}

	cfg := c.configSnapshot()
	args := []string{
		"--model", cfg.ModelPath,
		"--host", cfg.Host,
		"--port", strconv.Itoa(cfg.Port),
		"--ngl", strconv.Itoa(layers),
	}
	args = append(args, cfg.ExtraArgs...)

	cmd := exec.Command(cfg.ServerBinary, args...)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("inference: start server: %w", err)
	}

	c.mu.Lock()
	c.cmd = cmd
	c.layers = layers
	c.mu.Unlock()
	return nil
}

// terminateGracefully sends SIGTERM and waits up to timeout before killing,
// mirroring the original's terminate-then-waitForFinished(5000)-then-kill.
func terminateGracefully(cmd *exec.Cmd, timeout time.Duration) {
	if cmd.Process == nil {
		return
	}
	_ = cmd.Process.Signal(syscall.SIGTERM)

	done := make(chan struct{})
	go func() {
		_ = cmd.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		_ = cmd.Process.Kill()
		<-done
	}
}

func (c *Client) waitForReady(ctx context.Context) error {
	addr := c.configSnapshot().addr()
	for i := 0; i < readinessAttempts; i++ {
		dialCtx, cancel := context.WithTimeout(ctx, readinessInterval)
		conn, err := (&net.Dialer{}).DialContext(dialCtx, "tcp", addr)
		cancel()
		if err == nil {
			conn.Close()
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(readinessInterval):
		}
	}
	return ErrServerNotReady
}

// Copyright (c) 2026 VibeNote
// Licensed under the PolyForm Noncommercial License 1.0.0

package inference

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestBackoffDelayDoublesThenCaps(t *testing.T) {
	assert.Equal(t, 1*time.Second, backoffDelay(0))
	assert.Equal(t, 2*time.Second, backoffDelay(1))
	assert.Equal(t, 4*time.Second, backoffDelay(2))
	assert.Equal(t, maxBackoff, backoffDelay(5)) // 32s would exceed the cap
	assert.Equal(t, maxBackoff, backoffDelay(40))
}

func TestBuildRequestFraming(t *testing.T) {
	c := New(Config{Host: "127.0.0.1", Port: 8080}, zerolog.Nop())
	body := []byte(`{"a":1}`)
	req := string(c.buildRequest("/v1/completions", body))

	assert.True(t, strings.HasPrefix(req, "POST /v1/completions HTTP/1.1\r\n"))
	assert.Contains(t, req, "Host: 127.0.0.1\r\n")
	assert.Contains(t, req, fmt.Sprintf("Content-Length: %d\r\n\r\n", len(body)))
	assert.True(t, strings.HasSuffix(req, string(body)))
}

// fakeServer accepts one connection, reads the framed HTTP request, and
// writes back an SSE response assembled by the test.
type fakeServer struct {
	ln net.Listener
}

func startFakeServer(t *testing.T) (*fakeServer, int) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	return &fakeServer{ln: ln}, port
}

func (f *fakeServer) close() { f.ln.Close() }

// acceptAndRespond accepts a single connection, reads one HTTP-framed
// request, extracts its "id" field, and streams back the given tokens
// followed by [DONE].
func (f *fakeServer) acceptAndRespond(t *testing.T, tokens []string) {
	t.Helper()
	conn, err := f.ln.Accept()
	require.NoError(t, err)
	go func() {
		defer conn.Close()
		reader := bufio.NewReader(conn)
		id := readRequestID(t, reader)

		conn.Write([]byte("HTTP/1.1 200 OK\r\nContent-Type: text/event-stream\r\n\r\n"))
		for _, tok := range tokens {
			payload, _ := json.Marshal(map[string]any{
				"id": id,
				"choices": []map[string]any{
					{"delta": map[string]string{"content": tok}},
				},
			})
			conn.Write([]byte("data: " + string(payload) + "\n\n"))
		}
		conn.Write([]byte("data: [DONE]\n\n"))
	}()
}

func readRequestID(t *testing.T, r *bufio.Reader) string {
	t.Helper()
	var contentLength int
	for {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			break
		}
		if strings.HasPrefix(line, "Content-Length:") {
			fmt.Sscanf(line, "Content-Length: %d", &contentLength)
		}
	}
	body := make([]byte, contentLength)
	_, err := r.Read(body)
	require.NoError(t, err)

	var decoded struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(body, &decoded))
	return decoded.ID
}

func TestStreamCompletionDeliversTokensThenDone(t *testing.T) {
	server, port := startFakeServer(t)
	defer server.close()

	c := New(Config{Host: "127.0.0.1", Port: port}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = c.Run(ctx)
	}()

	require.Eventually(t, func() bool {
		return c.Status().State == StateConnected
	}, time.Second, 5*time.Millisecond)

	server.acceptAndRespond(t, []string{"hel", "lo"})

	var mu sync.Mutex
	var tokens []string
	doneCh := make(chan error, 1)

	_, err := c.StreamCompletion("hi", Params{}, func(tok string) {
		mu.Lock()
		tokens = append(tokens, tok)
		mu.Unlock()
	}, func(err error) {
		doneCh <- err
	})
	require.NoError(t, err)

	select {
	case err := <-doneCh:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for terminal")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"hel", "lo"}, tokens)

	cancel()
	wg.Wait()
}

func TestStreamCompletionBeforeConnectReturnsError(t *testing.T) {
	c := New(Config{Host: "127.0.0.1", Port: 1}, zerolog.Nop())
	_, err := c.StreamCompletion("hi", Params{}, nil, nil)
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestDisconnectFailsPendingRequests(t *testing.T) {
	server, port := startFakeServer(t)
	defer server.close()

	c := New(Config{Host: "127.0.0.1", Port: port}, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = c.Run(ctx)
	}()

	require.Eventually(t, func() bool {
		return c.Status().State == StateConnected
	}, time.Second, 5*time.Millisecond)

	// Accept the connection but never respond; then close it to simulate a
	// server crash mid-stream.
	conn, err := server.ln.Accept()
	require.NoError(t, err)

	doneCh := make(chan error, 1)
	_, err = c.StreamCompletion("hi", Params{}, nil, func(err error) { doneCh <- err })
	require.NoError(t, err)

	conn.Close()

	select {
	case err := <-doneCh:
		assert.Error(t, err, "a dropped connection must deliver a non-nil terminal to pending requests")
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for disconnect terminal")
	}

	cancel()
	wg.Wait()
}

func TestRestartWithLayersRejectsConcurrentCalls(t *testing.T) {
	c := New(Config{Host: "127.0.0.1", Port: 1, ServerBinary: "/bin/does-not-exist"}, zerolog.Nop())
	c.mu.Lock()
	c.restarting = true
	c.mu.Unlock()

	err := c.RestartWithLayers(context.Background(), 10)
	assert.ErrorIs(t, err, ErrRestartInProgress)
}

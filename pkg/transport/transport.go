// Package transport maintains the persistent line-delimited JSON-RPC
// socket to the telescope: one goroutine owns the connection, frames
// are split on CRLF, and a dropped socket is reconnected, with a fixed
// one-second pause between dial attempts.
//
// The single-owner-goroutine shape and reconnect-with-retry loop are
// grounded on codeready-toolchain/tarsy's pkg/events.NotifyListener,
// which serializes all LISTEN/UNLISTEN commands and all reads through
// one goroutine to avoid "conn busy" races on its pgx connection. Here
// the analogous hazard is a concurrent Write racing a blocking Read on
// the same net.Conn; sends are serialized through a command channel the
// same way LISTEN/UNLISTEN commands are.
package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cgobat/seestar-bridge/pkg/metrics"
)

// MaxFrameSize bounds a single inbound frame. Comet data can exceed
// 50KiB; 64KiB gives headroom.
const MaxFrameSize = 64 * 1024

// State is the Transport's connection state.
type State int

const (
	Disconnected State = iota
	Connected
)

func (s State) String() string {
	if s == Connected {
		return "connected"
	}
	return "disconnected"
}

// sendCmd is a queued outbound frame, serialized through the single
// writer goroutine started by New.
type sendCmd struct {
	ctx     context.Context
	payload []byte
	result  chan error
}

// Transport owns one outbound TCP stream to host:port carrying
// CRLF-terminated JSON frames.
type Transport struct {
	addr           string
	dialTimeout    time.Duration
	reconnectSleep time.Duration

	mu    sync.Mutex
	conn  net.Conn
	state atomic.Int32 // State

	watching atomic.Bool
	sendCh   chan sendCmd
	stopCh   chan struct{}
	stopOnce sync.Once

	onReconnect func()
	logger      *slog.Logger
}

// Option configures a Transport at construction time.
type Option func(*Transport)

// WithReconnectHook installs a callback invoked after each successful
// reconnect. No caller in this module installs one.
func WithReconnectHook(fn func()) Option {
	return func(t *Transport) { t.onReconnect = fn }
}

// New creates a Transport for addr ("host:port"). It starts
// disconnected; call Connect to dial.
func New(addr string, dialTimeout time.Duration, opts ...Option) *Transport {
	t := &Transport{
		addr:           addr,
		dialTimeout:    dialTimeout,
		reconnectSleep: time.Second,
		sendCh:         make(chan sendCmd, 64),
		stopCh:         make(chan struct{}),
		logger:         slog.Default().With("component", "transport", "addr", addr),
	}
	t.watching.Store(true)
	for _, o := range opts {
		o(t)
	}
	go t.sendLoop()
	return t
}

// State returns the current connection state.
func (t *Transport) State() State {
	return State(t.state.Load())
}

// Watching reports whether a closed socket will be reconnected on the
// next send/receive.
func (t *Transport) Watching() bool { return t.watching.Load() }

// StopWatching makes any subsequent closure final: no further
// reconnect attempts will be made.
func (t *Transport) StopWatching() { t.watching.Store(false) }

// Connect dials the device once. On failure it returns the dial error;
// callers that want repeated attempts use reconnect (invoked
// internally by Receive).
func (t *Transport) Connect(ctx context.Context) error {
	d := net.Dialer{Timeout: t.dialTimeout}
	conn, err := d.DialContext(ctx, "tcp", t.addr)
	if err != nil {
		return fmt.Errorf("transport: dial %s: %w", t.addr, err)
	}
	t.mu.Lock()
	t.conn = conn
	t.mu.Unlock()
	t.state.Store(int32(Connected))
	t.logger.Info("connected")
	return nil
}

// Close shuts down the Transport for good: stops watching, retires the
// send-queue goroutine, and closes the underlying socket if any.
func (t *Transport) Close() error {
	t.StopWatching()
	t.stopOnce.Do(func() { close(t.stopCh) })
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn != nil {
		err := t.conn.Close()
		t.conn = nil
		t.state.Store(int32(Disconnected))
		return err
	}
	return nil
}

// Send enqueues raw onto the send-queue goroutine and waits for it to
// report the outcome. Queueing (rather than writing inline) keeps
// concurrent callers — Heartbeat, Scheduler, Mosaic/Spectra, Goto
// Controller — from interleaving frame bytes on the shared socket: only
// the owner goroutine ever touches the conn for writes.
func (t *Transport) Send(ctx context.Context, raw []byte) error {
	resultCh := make(chan error, 1)
	select {
	case t.sendCh <- sendCmd{ctx: ctx, payload: raw, result: resultCh}:
	case <-t.stopCh:
		return errors.New("transport: closed, not watching")
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-resultCh:
		return err
	case <-t.stopCh:
		return errors.New("transport: closed, not watching")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// sendLoop is the single owner of conn writes. It runs for the
// Transport's lifetime, serializing every queued frame so the socket
// never sees interleaved writes from concurrent callers.
func (t *Transport) sendLoop() {
	for {
		select {
		case cmd := <-t.sendCh:
			cmd.result <- t.doSend(cmd.ctx, cmd.payload)
		case <-t.stopCh:
			return
		}
	}
}

// doSend writes raw, appending CRLF. On write failure it closes the
// socket, attempts exactly one reconnect, and retries the send once; a
// second failure is returned to the caller.
func (t *Transport) doSend(ctx context.Context, raw []byte) error {
	if err := t.sendOnce(raw); err == nil {
		return nil
	} else {
		t.logger.Warn("send failed, reconnecting once", "error", err)
	}

	t.closeConnLocked()
	if !t.watching.Load() {
		return errors.New("transport: closed, not watching")
	}
	if err := t.Connect(ctx); err != nil {
		metrics.Reconnects.WithLabelValues("error").Inc()
		return fmt.Errorf("transport: reconnect after send failure: %w", err)
	}
	metrics.Reconnects.WithLabelValues("ok").Inc()
	if t.onReconnect != nil {
		t.onReconnect()
	}
	if err := t.sendOnce(raw); err != nil {
		return fmt.Errorf("transport: send failed after reconnect: %w", err)
	}
	return nil
}

func (t *Transport) sendOnce(raw []byte) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return errors.New("transport: not connected")
	}
	framed := append(append([]byte{}, raw...), '\r', '\n')
	_, err := conn.Write(framed)
	return err
}

func (t *Transport) closeConnLocked() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn != nil {
		_ = t.conn.Close()
		t.conn = nil
	}
	t.state.Store(int32(Disconnected))
}

// reconnect is idempotent when already connected, and otherwise sleeps
// at least reconnectSleep between dial attempts until one succeeds or
// ctx is cancelled.
func (t *Transport) reconnect(ctx context.Context) error {
	if t.State() == Connected {
		return nil
	}
	for {
		if err := t.Connect(ctx); err == nil {
			metrics.Reconnects.WithLabelValues("ok").Inc()
			if t.onReconnect != nil {
				t.onReconnect()
			}
			return nil
		} else {
			metrics.Reconnects.WithLabelValues("error").Inc()
			t.logger.Error("reconnect attempt failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(t.reconnectSleep):
		}
	}
}

// Receive runs the receive loop until ctx is cancelled, invoking
// onFrame for each complete CRLF-delimited line. It reconnects on read
// error when Watching.
//
// The reader is built once per connection and reused across loop
// iterations: bufio.Reader buffers ahead of the delimiter it's asked
// for, so when a single TCP read carries more than one CRLF frame, the
// trailing frame(s) sit in the reader's internal buffer until the next
// ReadBytes call. Rebuilding the reader every iteration would discard
// that buffered tail along with the connection-change detection it
// exists for, which is why it's only ever replaced after a reconnect.
func (t *Transport) Receive(ctx context.Context, onFrame func(line []byte)) {
	var reader *bufio.Reader
	var readerConn net.Conn
	for {
		if ctx.Err() != nil {
			return
		}
		t.mu.Lock()
		conn := t.conn
		t.mu.Unlock()
		if conn == nil {
			if !t.watching.Load() {
				return
			}
			if err := t.reconnect(ctx); err != nil {
				return
			}
			reader = nil
			continue
		}

		if reader == nil || conn != readerConn {
			reader = bufio.NewReaderSize(conn, MaxFrameSize)
			readerConn = conn
		}

		line, err := reader.ReadBytes('\n')
		if len(line) > 0 {
			onFrame(trimCRLF(line))
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			t.logger.Warn("receive error", "error", err)
			t.closeConnLocked()
			reader = nil
			if !t.watching.Load() {
				return
			}
			continue
		}
	}
}

func trimCRLF(b []byte) []byte {
	for len(b) > 0 && (b[len(b)-1] == '\n' || b[len(b)-1] == '\r') {
		b = b[:len(b)-1]
	}
	return b
}

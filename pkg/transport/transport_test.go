package transport

import (
	"bufio"
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func listen(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })
	return ln
}

func TestNew_StartsDisconnectedAndWatching(t *testing.T) {
	tr := New("127.0.0.1:0", time.Second)
	assert.Equal(t, Disconnected, tr.State())
	assert.True(t, tr.Watching())
}

func TestConnect_Succeeds(t *testing.T) {
	ln := listen(t)
	tr := New(ln.Addr().String(), time.Second)

	require.NoError(t, tr.Connect(context.Background()))
	assert.Equal(t, Connected, tr.State())
}

func TestSend_FramesWithCRLF(t *testing.T) {
	ln := listen(t)
	accepted := make(chan net.Conn, 1)
	go func() {
		conn, _ := ln.Accept()
		accepted <- conn
	}()

	tr := New(ln.Addr().String(), time.Second)
	require.NoError(t, tr.Connect(context.Background()))

	require.NoError(t, tr.Send(context.Background(), []byte(`{"id":1}`)))

	conn := <-accepted
	defer conn.Close()
	line, err := bufio.NewReader(conn).ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "{\"id\":1}\r\n", line)
}

func TestSend_ReconnectsAfterWriteFailure(t *testing.T) {
	ln := listen(t)
	var firstConn net.Conn
	accepted := make(chan net.Conn, 2)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			accepted <- conn
		}
	}()

	tr := New(ln.Addr().String(), time.Second)
	require.NoError(t, tr.Connect(context.Background()))

	firstConn = <-accepted
	defer firstConn.Close()
	// Sever the socket from underneath the transport. A peer close alone
	// does not fail the next TCP write, so the client side is closed.
	tr.mu.Lock()
	_ = tr.conn.Close()
	tr.mu.Unlock()

	require.NoError(t, tr.Send(context.Background(), []byte(`{"id":2}`)))

	conn := <-accepted
	defer conn.Close()
	line, err := bufio.NewReader(conn).ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "{\"id\":2}\r\n", line)
}

func TestSend_FailsWhenNotWatchingAndDisconnected(t *testing.T) {
	tr := New("127.0.0.1:1", time.Millisecond)
	tr.StopWatching()

	err := tr.Send(context.Background(), []byte(`{}`))
	assert.Error(t, err)
}

func TestReceive_InvokesOnFramePerLine(t *testing.T) {
	ln := listen(t)
	accepted := make(chan net.Conn, 1)
	go func() {
		conn, _ := ln.Accept()
		accepted <- conn
	}()

	tr := New(ln.Addr().String(), time.Second)
	require.NoError(t, tr.Connect(context.Background()))

	serverConn := <-accepted
	defer serverConn.Close()
	_, err := serverConn.Write([]byte("{\"a\":1}\r\n{\"a\":2}\r\n"))
	require.NoError(t, err)

	var frames [][]byte
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	done := make(chan struct{})
	go func() {
		tr.Receive(ctx, func(line []byte) {
			frames = append(frames, append([]byte{}, line...))
			if len(frames) == 2 {
				cancel()
			}
		})
		close(done)
	}()
	<-done

	require.Len(t, frames, 2)
	assert.Equal(t, `{"a":1}`, string(frames[0]))
	assert.Equal(t, `{"a":2}`, string(frames[1]))
}

func TestClose_StopsWatchingAndClosesConn(t *testing.T) {
	ln := listen(t)
	tr := New(ln.Addr().String(), time.Second)
	require.NoError(t, tr.Connect(context.Background()))

	require.NoError(t, tr.Close())
	assert.False(t, tr.Watching())
	assert.Equal(t, Disconnected, tr.State())
}

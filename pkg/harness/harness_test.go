// Copyright 2026 gurthang project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package harness

import (
	"bytes"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gurthang/gurthang/pkg/comux"
	"github.com/gurthang/gurthang/pkg/conntab"
)

func writeInput(t *testing.T, m *comux.Manifest) *os.File {
	path := filepath.Join(t.TempDir(), "input.comux")
	f, err := os.Create(path)
	require.NoError(t, err)
	_, err = m.WriteTo(f)
	require.NoError(t, err)
	require.NoError(t, f.Close())
	f, err = os.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { f.Close() })
	return f
}

func chunk(connID, sched uint32, flags comux.Flags, data string) *comux.Chunk {
	c := &comux.Chunk{ConnID: connID, Sched: sched, Flags: flags}
	c.SetData([]byte(data))
	return c
}

func manifest(numConns uint32, chunks ...*comux.Chunk) *comux.Manifest {
	m := &comux.Manifest{Header: comux.Header{NumConns: numConns}}
	for _, c := range chunks {
		m.Add(c)
	}
	return m
}

// testServer accepts connections, reads each to EOF, and reports the body
// through requests. A nonempty reply is written back before closing.
type testServer struct {
	ln       net.Listener
	reply    string
	requests chan []byte
}

func startServer(t *testing.T, reply string) *testServer {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	srv := &testServer{ln: ln, reply: reply, requests: make(chan []byte, 64)}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				body, _ := io.ReadAll(conn)
				srv.requests <- body
				if srv.reply != "" {
					conn.Write([]byte(srv.reply))
				}
			}()
		}
	}()
	return srv
}

func (srv *testServer) dialer() func() (net.Conn, error) {
	return func() (net.Conn, error) {
		return net.Dial("tcp", srv.ln.Addr().String())
	}
}

func (srv *testServer) wait(t *testing.T) []byte {
	select {
	case body := <-srv.requests:
		return body
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for the server to see a request")
		return nil
	}
}

func runController(t *testing.T, m *comux.Manifest, cfg *Config,
	dial func() (net.Conn, error)) (*bytes.Buffer, *conntab.Table, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	table := conntab.New(dial)
	stdout := new(bytes.Buffer)
	ctl := &Controller{
		Config: cfg,
		Table:  table,
		Input:  writeInput(t, m),
		Stdout: stdout,
	}
	err := ctl.Run()
	table.CloseAll()
	return stdout, table, err
}

func TestSingleChunkAwaitResponse(t *testing.T) {
	// One connection, one chunk, AWAIT_RESPONSE: connect, send, half-close,
	// drain the response to stdout, exit clean.
	srv := startServer(t, "PONG")
	m := manifest(1, chunk(0, 0, comux.FlagAwaitResponse, "PING"))
	stdout, _, err := runController(t, m, nil, srv.dialer())
	require.NoError(t, err)
	assert.Equal(t, []byte("PING"), srv.wait(t))
	assert.Equal(t, "PONG\n", stdout.String())
}

// recordingDialer wraps every dialed connection so each payload write lands
// in a shared sequence; under serial dispatch the sequence is exactly the
// dispatch order.
type recordingDialer struct {
	dial func() (net.Conn, error)
	mu   sync.Mutex
	seq  []string
}

func (rd *recordingDialer) dialer() func() (net.Conn, error) {
	return func() (net.Conn, error) {
		conn, err := rd.dial()
		if err != nil {
			return nil, err
		}
		return &recordingConn{TCPConn: conn.(*net.TCPConn), rd: rd}, nil
	}
}

type recordingConn struct {
	*net.TCPConn
	rd *recordingDialer
}

func (c *recordingConn) Write(data []byte) (int, error) {
	c.rd.mu.Lock()
	c.rd.seq = append(c.rd.seq, string(data))
	c.rd.mu.Unlock()
	return c.TCPConn.Write(data)
}

func TestSerialDispatchOrder(t *testing.T) {
	// Chunks (conn, sched): (0,1) (1,0) (0,2). The sched=0 chunk goes
	// first even though it appears second in the file, then conn 0's
	// chunks in order.
	srv := startServer(t, "")
	rd := &recordingDialer{dial: srv.dialer()}
	m := manifest(2,
		chunk(0, 1, 0, "A"),
		chunk(1, 0, 0, "B"),
		chunk(0, 2, 0, "C"),
	)
	_, _, err := runController(t, m, nil, rd.dialer())
	require.NoError(t, err)
	assert.Equal(t, []string{"B", "A", "C"}, rd.seq)

	// Both connections were half-closed after their final chunks, so the
	// server saw both bodies whole.
	bodies := map[string]bool{string(srv.wait(t)): true, string(srv.wait(t)): true}
	assert.True(t, bodies["AC"])
	assert.True(t, bodies["B"])
}

func TestSerialDispatchTieBreak(t *testing.T) {
	// Equal schedule values dispatch in file order.
	srv := startServer(t, "")
	rd := &recordingDialer{dial: srv.dialer()}
	m := manifest(3,
		chunk(2, 5, 0, "X"),
		chunk(0, 5, 0, "Y"),
		chunk(1, 5, 0, "Z"),
	)
	_, _, err := runController(t, m, nil, rd.dialer())
	require.NoError(t, err)
	assert.Equal(t, []string{"X", "Y", "Z"}, rd.seq)
}

func TestParallelDispatchCompletes(t *testing.T) {
	srv := startServer(t, "")
	cfg := DefaultConfig()
	cfg.Parallel = true
	m := manifest(4,
		chunk(0, 0, 0, "aaa"),
		chunk(1, 1, 0, "bbb"),
		chunk(2, 2, 0, "ccc"),
		chunk(3, 3, 0, "ddd"),
	)
	_, _, err := runController(t, m, cfg, srv.dialer())
	require.NoError(t, err)
	total := 0
	for i := 0; i < 4; i++ {
		total += len(srv.wait(t))
	}
	assert.Equal(t, len("aaabbbcccddd"), total)
}

func TestZeroChunkConnectionIsFatal(t *testing.T) {
	// num_conns=3 but only ids {0, 2} carry chunks.
	srv := startServer(t, "")
	m := manifest(3,
		chunk(0, 0, 0, "A"),
		chunk(2, 1, 0, "B"),
	)
	_, _, err := runController(t, m, nil, srv.dialer())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "zero chunks")
}

func TestOutOfBoundsConnIDIsFatal(t *testing.T) {
	srv := startServer(t, "")
	m := manifest(2, chunk(5, 0, 0, "A"))
	_, _, err := runController(t, m, nil, srv.dialer())
	require.Error(t, err)
	assert.ErrorIs(t, err, comux.ErrBadConnID)
}

func TestPeerCloseMidRun(t *testing.T) {
	// The server resets the connection; the next chunk's worker observes
	// the reset mid-write, marks the table entry, and exits cleanly, and
	// the chunk after that short-circuits without any I/O.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		accepted <- conn
	}()

	table := conntab.New(func() (net.Conn, error) {
		return net.Dial("tcp", ln.Addr().String())
	})
	conn, _, err := table.Acquire(0)
	require.NoError(t, err)

	srvConn := <-accepted
	srvConn.(*net.TCPConn).SetLinger(0)
	srvConn.Close()
	// Wait until the reset has reached our socket.
	_, err = conn.Read(make([]byte, 1))
	require.Error(t, err)

	input := writeInput(t, manifest(1,
		chunk(0, 0, 0, "doomed"),
		chunk(0, 1, 0, "tail"),
	))
	_, err = comux.ReadHeader(input)
	require.NoError(t, err)
	c1, err := comux.ReadChunkHeaderFile(input)
	require.NoError(t, err)
	_, err = input.Seek(int64(c1.Len), io.SeekCurrent)
	require.NoError(t, err)
	c2, err := comux.ReadChunkHeaderFile(input)
	require.NoError(t, err)

	w := &worker{cfg: DefaultConfig(), table: table, input: input, stdout: io.Discard}
	require.NoError(t, w.run(c1, false))
	assert.Equal(t, conntab.ClosedByPeer, table.Query(0))
	require.NoError(t, w.run(c2, true))
	assert.Equal(t, conntab.ClosedByPeer, table.Query(0))
}

func TestConfigFromEnv(t *testing.T) {
	t.Setenv(EnvSendBufSize, "4096")
	t.Setenv(EnvRecvBufSize, "1")
	t.Setenv(EnvNoWait, "1")
	cfg, err := ConfigFromEnv()
	require.NoError(t, err)
	assert.Equal(t, 4096, cfg.SendBufSize)
	assert.Equal(t, 1, cfg.RecvBufSize)
	assert.True(t, cfg.Parallel)
	assert.False(t, cfg.ExitImmediate)

	t.Setenv(EnvRecvBufSize, "9999999")
	cfg, err = ConfigFromEnv()
	require.NoError(t, err)
	assert.Equal(t, MaxBufSize, cfg.RecvBufSize)

	for _, bad := range []string{"0", "-5", "nope"} {
		t.Setenv(EnvSendBufSize, bad)
		_, err := ConfigFromEnv()
		assert.Error(t, err)
	}
}

func TestInterposeCapture(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	f, err := ln.(*net.TCPListener).File()
	require.NoError(t, err)
	defer f.Close()
	fd := int(f.Fd())

	OnListen(fd)
	addr := capturedAddr()
	require.NotNil(t, addr)
	assert.Equal(t, ln.Addr().(*net.TCPAddr).Port, addr.(*net.TCPAddr).Port)

	// An unrelated epoll registration is ignored; the listener's sticks.
	OnEpollCtl(9, 1 /* EPOLL_CTL_ADD */, fd+100)
	interpMu.Lock()
	assert.Equal(t, -1, epollFD)
	interpMu.Unlock()
	OnEpollCtl(9, 1, fd)
	interpMu.Lock()
	assert.Equal(t, 9, epollFD)
	assert.False(t, ctlStarted)
	interpMu.Unlock()
}

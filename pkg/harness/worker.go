// Copyright 2026 gurthang project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package harness

import (
	"errors"
	"fmt"
	"io"
	"net"

	"golang.org/x/sys/unix"

	"github.com/gurthang/gurthang/pkg/comux"
	"github.com/gurthang/gurthang/pkg/conntab"
	"github.com/gurthang/gurthang/pkg/log"
	"github.com/gurthang/gurthang/pkg/stat"
)

var (
	statChunksSent = stat.New("chunks sent", "chunks fully written to the target",
		stat.Prometheus("gurthang_chunks_sent"))
	statBytesSent = stat.New("bytes sent", "payload bytes written to the target",
		stat.Prometheus("gurthang_bytes_sent"))
	statBytesRecv  = stat.New("bytes received", "response bytes drained to stdout")
	statPeerCloses = stat.New("peer closes", "connections observed closed by the target")
)

// worker performs the I/O for exactly one chunk: it resolves the chunk's
// connection through the table, loads the payload from the recorded input
// offset, writes it out, optionally half-closes after the connection's
// final chunk, and optionally drains the response to stdout.
type worker struct {
	cfg    *Config
	table  *conntab.Table
	input  io.ReaderAt
	stdout io.Writer
}

type halfCloser interface {
	CloseWrite() error
}

// run drives one chunk to completion. A connection the target has already
// closed is a clean exit; EPIPE/ECONNRESET mid-transfer marks the table
// entry and exits cleanly; every other failure is an error the controller
// treats as fatal.
func (w *worker) run(c *comux.Chunk, isFinal bool) error {
	conn, role, err := w.table.Acquire(c.ConnID)
	if err != nil {
		if err == conntab.ErrPeerClosed {
			log.Logf(1, "[CHK] skip: connection %v was closed by the target server", c.ConnID)
			return nil
		}
		return fmt.Errorf("failed to get an active connection for connection %v: %w", c.ConnID, err)
	}
	if role == conntab.Fresh {
		log.Logf(1, "[CHK] created new socket for connection %v", c.ConnID)
	}

	declared := c.Len
	if _, err := c.ReadData(w.input); err != nil {
		return fmt.Errorf("failed to read chunk data at offset %v: %w", c.DataOffset(), err)
	}
	if len(c.Data) == 0 && declared > 0 {
		return fmt.Errorf("read zero bytes from a chunk data segment (offset %v)", c.DataOffset())
	}

	sent, err := w.send(conn, c)
	if err != nil {
		return err
	}
	if !sent {
		return nil
	}

	if isFinal && c.Flags&comux.FlagNoShutdown == 0 {
		hc, ok := conn.(halfCloser)
		if !ok {
			return fmt.Errorf("connection %v does not support write-side shutdown", c.ConnID)
		}
		if err := hc.CloseWrite(); err != nil {
			return fmt.Errorf("failed to shutdown socket's write-end: %w", err)
		}
		log.Logf(1, "[CHK] final: closed connection %v's write-end", c.ConnID)
	}

	if c.Flags&comux.FlagAwaitResponse != 0 {
		if err := w.recv(conn, c); err != nil {
			return err
		}
	}
	return nil
}

// send writes the payload in cfg.SendBufSize pieces. Returns false (with a
// nil error) when the target closed the connection mid-write.
func (w *worker) send(conn net.Conn, c *comux.Chunk) (bool, error) {
	data := c.Data
	for len(data) > 0 {
		piece := data
		if len(piece) > w.cfg.SendBufSize {
			piece = piece[:w.cfg.SendBufSize]
		}
		n, err := conn.Write(piece)
		statBytesSent.Add(n)
		if err != nil {
			if peerClosed(err) {
				log.Logf(1, "[CHK] target server closed connection %v (%v)", c.ConnID, err)
				statPeerCloses.Add(1)
				w.table.MarkClosed(c.ConnID)
				return false, nil
			}
			return false, fmt.Errorf("failed to send bytes to target server: %w", err)
		}
		data = data[n:]
	}
	statChunksSent.Add(1)
	log.Logf(1, "[CHK] sent %v bytes through connection %v", len(c.Data), c.ConnID)
	return true, nil
}

// recv drains the target's response to stdout until EOF or a reset,
// followed by a newline when anything arrived. A peer close here is not
// fatal, it just marks the table entry.
func (w *worker) recv(conn net.Conn, c *comux.Chunk) error {
	buf := make([]byte, w.cfg.RecvBufSize)
	total := 0
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			total += n
			statBytesRecv.Add(n)
			if _, werr := w.stdout.Write(buf[:n]); werr != nil {
				return fmt.Errorf("failed to write bytes to stdout: %w", werr)
			}
		}
		if err != nil {
			if err != io.EOF && !peerClosed(err) {
				return fmt.Errorf("failed to read bytes from target server: %w", err)
			}
			break
		}
	}
	if total > 0 {
		if _, err := w.stdout.Write([]byte("\n")); err != nil {
			return fmt.Errorf("failed to write bytes to stdout: %w", err)
		}
	}
	log.Logf(1, "[CHK] received %v bytes from connection %v", total, c.ConnID)
	statPeerCloses.Add(1)
	w.table.MarkClosed(c.ConnID)
	return nil
}

func peerClosed(err error) bool {
	return errors.Is(err, unix.EPIPE) || errors.Is(err, unix.ECONNRESET)
}

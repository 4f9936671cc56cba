// Copyright 2026 gurthang project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package conntab maintains the process-wide table mapping a connection id
// from a comux chunk to a live socket. Entries start out dead, come alive
// on first use, and transition to closed-by-peer when the target drops the
// connection; a closed entry is never revived within a run.
package conntab

import (
	"errors"
	"net"
	"sync"
)

// Status of one table entry.
type Status int

const (
	Dead Status = iota
	Alive
	ClosedByPeer
)

// Role reports whether Acquire handed out an existing socket or dialed a
// fresh one.
type Role int

const (
	Fresh Role = iota
	Reused
)

// ErrPeerClosed is the sentinel returned by Acquire for an entry the target
// already closed; the caller should exit without doing any work.
var ErrPeerClosed = errors.New("connection was closed by the target server")

type entry struct {
	status Status
	conn   net.Conn
}

// Table is safe for concurrent use. The mutex is held across table
// mutations only, never across a dial or a send.
type Table struct {
	mu      sync.Mutex
	dial    func() (net.Conn, error)
	entries map[uint32]*entry
}

// New creates a table whose dead entries are brought alive with dial. The
// dialer targets the captured listener address of the server under test.
func New(dial func() (net.Conn, error)) *Table {
	return &Table{
		dial:    dial,
		entries: make(map[uint32]*entry),
	}
}

// Acquire resolves a connection id to a live socket, dialing one if the
// entry is dead. It returns ErrPeerClosed for an entry the server closed
// earlier in the run.
func (t *Table) Acquire(id uint32) (net.Conn, Role, error) {
	t.mu.Lock()
	e := t.entries[id]
	if e == nil {
		e = new(entry)
		t.entries[id] = e
	}
	switch e.status {
	case Alive:
		conn := e.conn
		t.mu.Unlock()
		return conn, Reused, nil
	case ClosedByPeer:
		t.mu.Unlock()
		return nil, Reused, ErrPeerClosed
	}
	t.mu.Unlock()

	conn, err := t.dial()
	if err != nil {
		return nil, Fresh, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	switch e.status {
	case Alive:
		// Another worker won the race while we were dialing.
		conn.Close()
		return e.conn, Reused, nil
	case ClosedByPeer:
		conn.Close()
		return nil, Reused, ErrPeerClosed
	}
	e.status = Alive
	e.conn = conn
	return conn, Fresh, nil
}

// MarkClosed transitions an alive entry to closed-by-peer and closes its
// socket. Later Acquire calls for the id get ErrPeerClosed.
func (t *Table) MarkClosed(id uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e := t.entries[id]
	if e == nil || e.status != Alive {
		return
	}
	e.status = ClosedByPeer
	e.conn.Close()
	e.conn = nil
}

// Query returns the entry's current status without touching it.
func (t *Table) Query(id uint32) Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e := t.entries[id]; e != nil {
		return e.status
	}
	return Dead
}

// CloseAll closes every live socket. Used on teardown.
func (t *Table) CloseAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, e := range t.entries {
		if e.status == Alive {
			e.conn.Close()
			e.conn = nil
			e.status = Dead
		}
	}
}

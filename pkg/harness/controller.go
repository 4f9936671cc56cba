// Copyright 2026 gurthang project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package harness

import (
	"fmt"
	"io"
	"os"

	"golang.org/x/sync/errgroup"

	"github.com/gurthang/gurthang/pkg/comux"
	"github.com/gurthang/gurthang/pkg/conntab"
	"github.com/gurthang/gurthang/pkg/log"
	"github.com/gurthang/gurthang/pkg/stat"
)

var statChunksDispatched = stat.New("chunks dispatched", "chunks handed to workers")

// Controller drives one comux input to completion. It runs exactly once
// per process, owns the input file (normally the process's stdin) for the
// duration of the run, and dispatches one worker per chunk in ascending
// schedule order.
type Controller struct {
	Config *Config
	Table  *conntab.Table
	Input  *os.File
	Stdout io.Writer
}

// Run parses and validates the input, then dispatches workers. Any
// non-nil return is fatal: the caller aborts the process.
func (ctl *Controller) Run() error {
	header, err := comux.ReadHeader(ctl.Input)
	if err != nil {
		return fmt.Errorf("failed to parse comux header: %w", err)
	}
	log.Logf(0, "[C] found comux formatting with %v connection(s) and %v chunk(s)",
		header.NumConns, header.NumChunks)

	// Stream through the chunk headers, recording each payload's offset and
	// seeking past the payload itself; the workers load payloads on demand.
	chunks := make([]*comux.Chunk, 0, header.NumChunks)
	counts := make([]int, header.NumConns)
	for i := uint32(0); i < header.NumChunks; i++ {
		c, err := comux.ReadChunkHeaderFile(ctl.Input)
		if err != nil {
			return fmt.Errorf("failed to parse comux chunk %v: %w", i+1, err)
		}
		if err := c.Check(header); err != nil {
			return fmt.Errorf("chunk %v: %w (num_conns=%v)", i, err, header.NumConns)
		}
		log.Logf(1, "[C] found chunk %v with fields: conn_id=%v, datalen=%v, sched=%v, flags=%#x",
			i, c.ConnID, c.Len, c.Sched, c.Flags)
		counts[c.ConnID]++
		chunks = append(chunks, c)
		if _, err := ctl.Input.Seek(int64(c.Len), io.SeekCurrent); err != nil {
			return fmt.Errorf("failed to seek past chunk %v's data segment: %w", i+1, err)
		}
	}

	for id, n := range counts {
		if n == 0 {
			return fmt.Errorf("connection ID %v is assigned zero chunks in this file", id)
		}
	}

	w := &worker{
		cfg:    ctl.Config,
		table:  ctl.Table,
		input:  ctl.Input,
		stdout: ctl.Stdout,
	}
	var g errgroup.Group
	// Chunks leave this loop in ascending schedule order, ties broken by
	// file order. Serial dispatch waits for each worker before selecting
	// the next; parallel dispatch spawns them all and joins at the end.
	for len(chunks) > 0 {
		next := 0
		for i, c := range chunks {
			if c.Sched < chunks[next].Sched {
				next = i
			}
		}
		c := chunks[next]
		chunks = append(chunks[:next], chunks[next+1:]...)
		counts[c.ConnID]--
		isFinal := counts[c.ConnID] == 0

		statChunksDispatched.Add(1)
		if ctl.Config.Parallel {
			g.Go(func() error {
				return w.run(c, isFinal)
			})
		} else if err := w.run(c, isFinal); err != nil {
			return err
		}
	}
	if err := g.Wait(); err != nil {
		return err
	}
	log.Logf(0, "[C] all chunk workers finished")
	return nil
}

// Exit terminates the process after a completed run. The immediate variant
// skips the harness's own teardown, mirroring the config knob for targets
// with thread-bound exit handlers.
func (ctl *Controller) Exit() {
	if !ctl.Config.ExitImmediate {
		for _, s := range stat.Collect() {
			log.Logf(1, "[C] stat %v: %v", s.Name, s.Value)
		}
		log.Close()
	}
	os.Exit(0)
}

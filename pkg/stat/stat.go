// Copyright 2026 gurthang project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package stat provides prometheus/streamz style counters for instrumenting
// the harness and the mutator. Values live in a global registry and can be
// snapshotted for logging at process exit.
//
// Simple use:
//
//	statChunks := stat.New("chunks dispatched", "chunks handed to workers")
//	statChunks.Add(1)
package stat

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

type UI struct {
	Name  string
	Desc  string
	Value int
}

func New(name, desc string, opts ...any) *Val {
	return global.New(name, desc, opts...)
}

func Collect() []UI {
	return global.Collect()
}

var global = &set{vals: make(map[string]*Val)}

type set struct {
	mu   sync.Mutex
	vals map[string]*Val
}

// Prometheus exports the metric to Prometheus under the given name.
type Prometheus string

// Additionally a custom 'func() int' can be passed to read the metric value
// from the function instead of the internal counter.

func (s *set) New(name, desc string, opts ...any) *Val {
	v := &Val{name: name, desc: desc}
	for _, o := range opts {
		switch opt := o.(type) {
		case func() int:
			v.ext = opt
		case Prometheus:
			prometheus.Register(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Name: string(opt),
				Help: desc,
			},
				func() float64 { return float64(v.Val()) },
			))
		default:
			panic(fmt.Sprintf("unknown stats option %#v", o))
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.vals[name] = v
	return v
}

func (s *set) Collect() []UI {
	s.mu.Lock()
	defer s.mu.Unlock()
	var res []UI
	for _, v := range s.vals {
		res = append(res, UI{
			Name:  v.name,
			Desc:  v.desc,
			Value: v.Val(),
		})
	}
	sort.Slice(res, func(i, j int) bool { return res[i].Name < res[j].Name })
	return res
}

type Val struct {
	name string
	desc string
	val  atomic.Uint64
	ext  func() int
}

func (v *Val) Add(val int) {
	if v.ext != nil {
		panic(fmt.Sprintf("stat %v is in external mode", v.name))
	}
	v.val.Add(uint64(val))
}

func (v *Val) Val() int {
	if v.ext != nil {
		return v.ext()
	}
	return int(v.val.Load())
}

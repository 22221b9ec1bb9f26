// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.
//
// The ProbeChain is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The ProbeChain is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the ProbeChain. If not, see <http://www.gnu.org/licenses/>.

// Package stw implements the stop-the-world safepoint coordinator (§5
// "Cancellation": "stop-the-world for GC is requested via an eval-breaker
// bit; each thread acknowledges by entering a safepoint and waiting on an
// event"). A GC cycle calls Coordinator.Halt, which raises
// atomics.BitStopTheWorld on every registered participant and fans out,
// via an errgroup.Group, a bounded wait for each to acknowledge; Resume
// then releases every waiting thread in one step.
//
// This has no teacher analog — probe-lang's VM runs single-threaded and
// never stops anything — so the fan-out/fan-in shape is grounded instead
// on the teacher's own use of errgroup.Group elsewhere in go-probe for
// bounded concurrent work (e.g. probe/gasprice's sampling fan-out),
// generalized here from "gather N results" to "gather N acknowledgements".
package stw

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/probechain/go-probe/atomics"
	"github.com/probechain/go-probe/internal/rtlog"
)

// Participant is a coordinator's handle on one registered thread. A thread
// owns exactly one Participant for its lifetime; the evaluator's safety-point
// handler calls Acknowledge on it once it observes BitStopTheWorld set and
// holds no critical section (§4.2's "zero locks at a suspension point").
type Participant struct {
	id      uint64
	breaker *atomics.Breaker
	ack     chan struct{}
	resume  chan struct{}
}

// Coordinator tracks every live Participant and drives a halt/resume cycle
// across all of them.
type Coordinator struct {
	mu      sync.Mutex
	members map[uint64]*Participant
	halted  bool
}

// New returns an empty Coordinator.
func New() *Coordinator {
	return &Coordinator{members: make(map[uint64]*Participant)}
}

// Register enrolls a thread identified by id, whose eval-breaker is b, as a
// coordinator participant and returns its handle. Callers keep the handle
// alive for the thread's lifetime and pass it to Acknowledge from the
// thread's own safety-point check.
func (c *Coordinator) Register(id uint64, b *atomics.Breaker) *Participant {
	p := &Participant{id: id, breaker: b, ack: make(chan struct{}), resume: make(chan struct{})}
	c.mu.Lock()
	c.members[id] = p
	c.mu.Unlock()
	return p
}

// Unregister removes a thread from the coordinator, e.g. on thread exit, so
// later halts do not wait for it. A halt already in progress took its
// member list when it began and still waits for this thread's
// acknowledgement (or for its context to end).
func (c *Coordinator) Unregister(id uint64) {
	c.mu.Lock()
	delete(c.members, id)
	c.mu.Unlock()
}

// Acknowledge is called by a participant's own thread once it has reached a
// safepoint with no critical section held. It signals the coordinator and
// then blocks until Resume is called, simulating the teacher-style
// "wait on an event" suspension §5 describes.
func (p *Participant) Acknowledge(ctx context.Context) error {
	select {
	case p.ack <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-p.resume:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Halt raises BitStopTheWorld on every registered participant and blocks
// until each has acknowledged or ctx is done, whichever comes first. On
// success, every participant is parked in Acknowledge awaiting Resume.
func (c *Coordinator) Halt(ctx context.Context) error {
	c.mu.Lock()
	if c.halted {
		c.mu.Unlock()
		return fmt.Errorf("stw: halt already in progress")
	}
	c.halted = true
	members := make([]*Participant, 0, len(c.members))
	for _, p := range c.members {
		members = append(members, p)
	}
	c.mu.Unlock()

	rtlog.L().Info("stop-the-world requested", "participants", len(members))

	g, gctx := errgroup.WithContext(ctx)
	for _, p := range members {
		p := p
		p.breaker.Raise(atomics.BitStopTheWorld)
		g.Go(func() error {
			select {
			case <-p.ack:
				return nil
			case <-gctx.Done():
				return gctx.Err()
			}
		})
	}
	if err := g.Wait(); err != nil {
		c.mu.Lock()
		c.halted = false
		c.mu.Unlock()
		return fmt.Errorf("stw: halt: %w", err)
	}
	return nil
}

// Resume clears BitStopTheWorld and releases every participant parked in
// Acknowledge, ending the current halt.
func (c *Coordinator) Resume() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.halted {
		return
	}
	for _, p := range c.members {
		p.breaker.Clear(atomics.BitStopTheWorld)
		close(p.resume)
		p.resume = make(chan struct{})
	}
	c.halted = false
	rtlog.L().Info("stop-the-world resumed", "participants", len(c.members))
}

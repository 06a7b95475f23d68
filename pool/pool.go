// Copyright 2023-2025 Buf Technologies, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package pool keeps client connections for reuse, keyed by destination.
//
// An HTTP/1.1 connection is checked out by one caller at a time and
// returns to the pool when released. An HTTP/2 connection is shared: it
// can be checked out by any number of callers as long as the peer allows
// another stream. Callers that find no usable connection wait in FIFO
// order while a new one is established.
package pool

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bufbuild/httpengine/conn"
	"github.com/bufbuild/httpengine/health"
	"github.com/bufbuild/httpengine/httperr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	errPoolClosed      = httperr.New(httperr.KindPoolExhausted, "pool is closed")
	errTooManyWaiters  = httperr.New(httperr.KindPoolExhausted, "too many checkouts waiting")
	errCheckoutTimeout = httperr.New(httperr.KindCheckoutTimeout, "timed out waiting for a connection")
)

// DialFunc establishes a new connection for key.
type DialFunc func(ctx context.Context, key Key) (conn.Conn, error)

// Pool is a set of client connections, keyed by destination.
type Pool struct {
	dial   DialFunc
	opts   *options
	logger *zap.Logger
	ctx    context.Context //nolint:containedctx
	cancel context.CancelFunc
	group  errgroup.Group

	mu sync.Mutex
	// indexed by Handle.index; nil entries are free
	// +checklocks:mu
	slots []*slot
	// +checklocks:mu
	free []int
	// +checklocks:mu
	nextGeneration uint64
	// +checklocks:mu
	byConn map[conn.Conn]int
	// +checklocks:mu
	keys map[Key]*keyState
	// +checklocks:mu
	closed bool
}

type slot struct {
	key        Key
	conn       conn.Conn
	generation uint64
	leases     int
	idleSince  time.Time
	health     health.State
	checker    io.Closer
	discarded  bool
}

type keyState struct {
	// HTTP/1.1 connections that are not checked out, least recently
	// used first
	idle []int
	// multiplexed connections, whether checked out or not
	shared     []int
	live       int
	connecting int
	waiters    []*waiter
}

type waiter struct {
	ready chan checkoutResult
}

type checkoutResult struct {
	handle *Handle
	err    error
}

// Stats is a snapshot of the pool's connections.
type Stats struct {
	// Conns is the number of established connections.
	Conns int
	// InUse is the number of connections checked out by at least one
	// caller.
	InUse int
	// Idle is the number of connections that are not checked out.
	Idle int
	// Connecting is the number of connections being established.
	Connecting int
	// Waiting is the number of checkouts waiting for a connection.
	Waiting int
}

// New returns a pool that uses dial to establish connections.
func New(dial DialFunc, opts ...Option) *Pool {
	var options options
	for _, opt := range opts {
		opt.apply(&options)
	}
	options.applyDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	pool := &Pool{
		dial:   dial,
		opts:   &options,
		logger: options.logger.Named("pool"),
		ctx:    ctx,
		cancel: cancel,
		byConn: map[conn.Conn]int{},
		keys:   map[Key]*keyState{},
	}
	ticker := options.clock.NewTicker(options.sweepInterval)
	pool.group.Go(func() error {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.Chan():
				pool.sweep()
			}
		}
	})
	return pool
}

// Checkout returns a connection for key: an idle or shareable one if
// there is one, and otherwise one that is established for it or released
// by another caller, whichever comes first. The caller must Release or
// Discard the returned handle.
func (p *Pool) Checkout(ctx context.Context, key Key) (*Handle, error) {
	var timeout <-chan time.Time
	if p.opts.checkoutTimeout > 0 {
		timer := p.opts.clock.NewTimer(p.opts.checkoutTimeout)
		defer timer.Stop()
		timeout = timer.Chan()
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, errPoolClosed
	}
	state := p.keyLocked(key)
	handle, evicted := p.takeLocked(key, state)
	if handle != nil {
		p.mu.Unlock()
		p.closeSlots(evicted)
		return handle, nil
	}
	// evictions may have dropped the key's state
	state = p.keyLocked(key)
	if p.opts.maxWaitersPerKey > 0 && len(state.waiters) >= p.opts.maxWaitersPerKey {
		p.forgetIfUnusedLocked(key, state)
		p.mu.Unlock()
		p.closeSlots(evicted)
		return nil, errTooManyWaiters
	}
	w := &waiter{ready: make(chan checkoutResult, 1)}
	state.waiters = append(state.waiters, w)
	p.maybeDialLocked(key, state)
	p.mu.Unlock()
	p.closeSlots(evicted)

	var err error
	select {
	case result := <-w.ready:
		return result.handle, result.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			err = &httperr.Error{Kind: httperr.KindCheckoutTimeout, Msg: "checkout", Err: ctx.Err()}
		} else {
			err = httperr.Wrap(httperr.KindCancelled, ctx.Err())
		}
	case <-timeout:
		err = errCheckoutTimeout
	}
	if p.abandonWaiter(key, w) {
		return nil, err
	}
	// a connection was handed over concurrently
	result := <-w.ready
	if result.handle != nil {
		result.handle.Release()
	}
	return nil, err
}

// Checkin returns a checked-out connection to the pool. It is the same as
// calling Release on the handle.
func (p *Pool) Checkin(handle *Handle) {
	handle.Release()
}

func (p *Pool) release(handle *Handle, discard bool) {
	p.mu.Lock()
	s := p.slotLocked(handle.index, handle.generation)
	if s == nil {
		// evicted while checked out
		p.mu.Unlock()
		return
	}
	s.leases--
	if discard {
		s.discarded = true
	}
	var evicted []*slot
	switch reason := p.unusableReasonLocked(s); {
	case reason != "" && s.leases == 0:
		p.logger.Debug("closing connection on release",
			zap.Stringer("key", s.key), zap.String("reason", reason))
		evicted = append(evicted, p.removeSlotLocked(handle.index))
	case reason != "":
		// other callers still use the shared connection
		p.dropSharedLocked(s.key, handle.index)
	default:
		p.offerLocked(handle.index)
	}
	p.mu.Unlock()
	if len(evicted) > 0 {
		// handles are released from exchange callbacks, which run on the
		// connection's own dispatcher loop; closing waits for that loop
		go p.closeSlots(evicted)
	}
}

// UpdateHealthState implements health.Tracker. An unhealthy connection is
// no longer checked out, and is closed as soon as nobody uses it.
func (p *Pool) UpdateHealthState(c conn.Conn, state health.State) {
	p.mu.Lock()
	index, ok := p.byConn[c]
	if !ok {
		p.mu.Unlock()
		return
	}
	s := p.slots[index]
	previous := s.health
	s.health = state
	var evicted []*slot
	if !state.Usable() && previous.Usable() {
		p.logger.Debug("connection unhealthy", zap.Stringer("key", s.key))
		if s.leases == 0 {
			evicted = append(evicted, p.removeSlotLocked(index))
		}
	}
	p.mu.Unlock()
	if len(evicted) > 0 {
		// the health check process may not be closed from within its own
		// callback
		go p.closeSlots(evicted)
	}
}

// Stats returns totals across all keys.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	var stats Stats
	for _, state := range p.keys {
		p.addStatsLocked(&stats, state)
	}
	return stats
}

// KeyStats returns the stats of one key.
func (p *Pool) KeyStats(key Key) Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	var stats Stats
	if state, ok := p.keys[key]; ok {
		p.addStatsLocked(&stats, state)
	}
	return stats
}

// Close closes every connection, including checked-out ones, and fails
// waiting checkouts. Handles released afterwards are ignored.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	var evicted []*slot
	for index, s := range p.slots {
		if s != nil {
			evicted = append(evicted, p.removeSlotLocked(index))
		}
	}
	var waiters []*waiter
	for key, state := range p.keys {
		waiters = append(waiters, state.waiters...)
		state.waiters = nil
		delete(p.keys, key)
	}
	p.mu.Unlock()
	for _, w := range waiters {
		w.ready <- checkoutResult{err: errPoolClosed}
	}
	p.cancel()
	p.closeSlots(evicted)
	return p.group.Wait()
}

// +checklocks:p.mu
func (p *Pool) keyLocked(key Key) *keyState {
	state, ok := p.keys[key]
	if !ok {
		state = &keyState{}
		p.keys[key] = state
	}
	return state
}

// forgetIfUnusedLocked drops the state of a key that has nothing left.
//
// +checklocks:p.mu
func (p *Pool) forgetIfUnusedLocked(key Key, state *keyState) {
	if state.live == 0 && state.connecting == 0 && len(state.waiters) == 0 {
		delete(p.keys, key)
	}
}

// +checklocks:p.mu
func (p *Pool) slotLocked(index int, generation uint64) *slot {
	if index < 0 || index >= len(p.slots) {
		return nil
	}
	s := p.slots[index]
	if s == nil || s.generation != generation {
		return nil
	}
	return s
}

// takeLocked checks out an existing connection for key, if one is usable.
// It also returns the connections found expired or broken on the way,
// which the caller must close.
//
// +checklocks:p.mu
func (p *Pool) takeLocked(key Key, state *keyState) (*Handle, []*slot) {
	now := p.opts.clock.Now()
	var evicted []*slot
	var found *Handle
	for _, index := range slices.Clone(state.shared) {
		s := p.slots[index]
		switch {
		case s.leases == 0 && (p.expiredLocked(s, now) || p.unusableReasonLocked(s) != ""):
			evicted = append(evicted, p.removeSlotLocked(index))
		case found == nil && p.unusableReasonLocked(s) == "" && s.conn.Available():
			s.leases++
			found = p.handleLocked(index)
		}
	}
	if found != nil {
		return found, evicted
	}
	for len(state.idle) > 0 {
		index := state.idle[len(state.idle)-1]
		s := p.slots[index]
		if p.expiredLocked(s, now) || p.unusableReasonLocked(s) != "" {
			evicted = append(evicted, p.removeSlotLocked(index))
			continue
		}
		state.idle = state.idle[:len(state.idle)-1]
		s.leases = 1
		return p.handleLocked(index), evicted
	}
	return nil, evicted
}

// offerLocked makes a connection with spare capacity available again:
// waiters get it first, in order, and otherwise it becomes idle.
//
// +checklocks:p.mu
func (p *Pool) offerLocked(index int) {
	s := p.slots[index]
	state := p.keys[s.key]
	if s.conn.Multiplexed() {
		if !slices.Contains(state.shared, index) {
			state.shared = append(state.shared, index)
		}
		for len(state.waiters) > 0 && s.conn.Available() {
			w := state.waiters[0]
			state.waiters = state.waiters[1:]
			s.leases++
			w.ready <- checkoutResult{handle: p.handleLocked(index)}
		}
		if s.leases == 0 {
			s.idleSince = p.opts.clock.Now()
		}
		return
	}
	if len(state.waiters) > 0 {
		w := state.waiters[0]
		state.waiters = state.waiters[1:]
		s.leases = 1
		w.ready <- checkoutResult{handle: p.handleLocked(index)}
		return
	}
	s.idleSince = p.opts.clock.Now()
	state.idle = append(state.idle, index)
	if p.opts.maxIdlePerKey > 0 && len(state.idle) > p.opts.maxIdlePerKey {
		oldest := state.idle[0]
		p.logger.Debug("too many idle connections, closing the oldest", zap.Stringer("key", s.key))
		evicted := p.removeSlotLocked(oldest)
		go p.closeSlots([]*slot{evicted})
	}
}

// +checklocks:p.mu
func (p *Pool) handleLocked(index int) *Handle {
	s := p.slots[index]
	return &Handle{pool: p, index: index, generation: s.generation, conn: s.conn, key: s.key}
}

// +checklocks:p.mu
func (p *Pool) expiredLocked(s *slot, now time.Time) bool {
	if s.leases > 0 {
		return false
	}
	timeout := p.opts.idleTimeout
	if s.conn.Multiplexed() {
		timeout = p.opts.multiplexedIdleTimeout
	}
	return now.Sub(s.idleSince) >= timeout
}

// unusableReasonLocked returns why a connection may not be checked out
// again, or the empty string if it may.
//
// +checklocks:p.mu
func (p *Pool) unusableReasonLocked(s *slot) string {
	switch {
	case p.closed:
		return "pool closed"
	case s.discarded:
		return "discarded"
	case !s.health.Usable():
		return "unhealthy"
	case !s.key.Protocol.Compatible(s.conn.Protocol()):
		return "protocol mismatch"
	case !s.conn.Reusable():
		return "not reusable"
	default:
		return ""
	}
}

// removeSlotLocked takes a connection out of the pool. The caller must
// close the returned slot.
//
// +checklocks:p.mu
func (p *Pool) removeSlotLocked(index int) *slot {
	s := p.slots[index]
	p.slots[index] = nil
	p.free = append(p.free, index)
	delete(p.byConn, s.conn)
	state := p.keys[s.key]
	if state == nil {
		return s
	}
	state.idle = slices.DeleteFunc(state.idle, func(i int) bool { return i == index })
	state.shared = slices.DeleteFunc(state.shared, func(i int) bool { return i == index })
	state.live--
	p.maybeDialLocked(s.key, state)
	p.forgetIfUnusedLocked(s.key, state)
	return s
}

// +checklocks:p.mu
func (p *Pool) dropSharedLocked(key Key, index int) {
	if state := p.keys[key]; state != nil {
		state.shared = slices.DeleteFunc(state.shared, func(i int) bool { return i == index })
	}
}

// maybeDialLocked starts establishing a connection if there are more
// waiters than connections on the way, and the key has room for one.
//
// +checklocks:p.mu
func (p *Pool) maybeDialLocked(key Key, state *keyState) {
	if p.closed || len(state.waiters) <= state.connecting {
		return
	}
	if key.Protocol == conn.ProtocolHTTP2 && state.connecting > 0 {
		// one connection will serve them all
		return
	}
	if p.opts.maxConnsPerKey > 0 && state.live+state.connecting >= p.opts.maxConnsPerKey {
		return
	}
	state.connecting++
	p.group.Go(func() error {
		p.connect(key)
		return nil
	})
}

func (p *Pool) connect(key Key) {
	logger := p.logger.With(zap.Stringer("key", key))
	logger.Debug("connecting")
	c, err := p.dial(p.ctx, key)
	if err == nil && !key.Protocol.Compatible(c.Protocol()) {
		err = httperr.Newf(httperr.KindConnect, "connection negotiated %v", c.Protocol())
		_ = c.Close()
		c = nil
	}
	if err != nil && httperr.KindOf(err) == httperr.KindUnknown {
		err = &httperr.Error{Kind: httperr.KindConnect, Msg: fmt.Sprintf("connect to %v", key), Err: err}
	}

	p.mu.Lock()
	if p.closed {
		// waiters were already failed
		p.mu.Unlock()
		if c != nil {
			_ = c.Close()
		}
		return
	}
	state := p.keyLocked(key)
	state.connecting--
	if err != nil {
		logger.Warn("failed to connect", zap.Error(err))
		p.connectFailedLocked(key, state, err)
		p.mu.Unlock()
		return
	}
	index := p.addSlotLocked(key, c)
	generation := p.slots[index].generation
	state.live++
	p.offerLocked(index)
	p.mu.Unlock()
	logger.Debug("connected", zap.Stringer("protocol", c.Protocol()))

	checker := p.opts.checker.New(p.ctx, c, p)
	p.mu.Lock()
	s := p.slotLocked(index, generation)
	if s != nil {
		s.checker = checker
	}
	p.mu.Unlock()
	if s == nil {
		_ = checker.Close()
	}
	p.group.Go(func() error {
		select {
		case <-c.Done():
			p.connectionDone(index, generation)
		case <-p.ctx.Done():
		}
		return nil
	})
}

// connectFailedLocked fails the oldest waiter with err. The others fail
// too if nothing else could serve them.
//
// +checklocks:p.mu
func (p *Pool) connectFailedLocked(key Key, state *keyState, err error) {
	if len(state.waiters) == 0 {
		p.forgetIfUnusedLocked(key, state)
		return
	}
	failed := state.waiters[:1]
	state.waiters = state.waiters[1:]
	if state.connecting == 0 && state.live == 0 {
		failed = append(failed, state.waiters...)
		state.waiters = nil
	}
	for _, w := range failed {
		w.ready <- checkoutResult{err: err}
	}
	p.maybeDialLocked(key, state)
	p.forgetIfUnusedLocked(key, state)
}

// +checklocks:p.mu
func (p *Pool) addSlotLocked(key Key, c conn.Conn) int {
	p.nextGeneration++
	s := &slot{key: key, conn: c, generation: p.nextGeneration, health: health.StateUnknown}
	var index int
	if n := len(p.free); n > 0 {
		index = p.free[n-1]
		p.free = p.free[:n-1]
		p.slots[index] = s
	} else {
		index = len(p.slots)
		p.slots = append(p.slots, s)
	}
	p.byConn[c] = index
	return index
}

// connectionDone removes a connection that closed on its own.
func (p *Pool) connectionDone(index int, generation uint64) {
	p.mu.Lock()
	s := p.slotLocked(index, generation)
	var evicted []*slot
	if s != nil {
		p.logger.Debug("connection closed", zap.Stringer("key", s.key), zap.Int("leases", s.leases))
		if s.leases == 0 {
			evicted = append(evicted, p.removeSlotLocked(index))
		} else {
			p.dropSharedLocked(s.key, index)
		}
	}
	p.mu.Unlock()
	p.closeSlots(evicted)
}

// abandonWaiter removes a waiter that gave up. It returns false if the
// waiter was already served.
func (p *Pool) abandonWaiter(key Key, w *waiter) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	state := p.keys[key]
	if state == nil {
		return false
	}
	index := slices.Index(state.waiters, w)
	if index < 0 {
		return false
	}
	state.waiters = slices.Delete(state.waiters, index, index+1)
	p.forgetIfUnusedLocked(key, state)
	return true
}

func (p *Pool) sweep() {
	now := p.opts.clock.Now()
	p.mu.Lock()
	var evicted []*slot
	for index, s := range p.slots {
		if s == nil || s.leases > 0 {
			continue
		}
		if p.expiredLocked(s, now) || p.unusableReasonLocked(s) != "" {
			evicted = append(evicted, p.removeSlotLocked(index))
		}
	}
	p.mu.Unlock()
	if len(evicted) > 0 {
		p.logger.Debug("closed idle connections", zap.Int("count", len(evicted)))
	}
	p.closeSlots(evicted)
}

// +checklocks:p.mu
func (p *Pool) addStatsLocked(stats *Stats, state *keyState) {
	stats.Connecting += state.connecting
	stats.Waiting += len(state.waiters)
	for _, s := range p.slots {
		if s == nil || p.keys[s.key] != state {
			continue
		}
		stats.Conns++
		if s.leases > 0 {
			stats.InUse++
		} else {
			stats.Idle++
		}
	}
}

func (p *Pool) closeSlots(slots []*slot) {
	for _, s := range slots {
		if s.checker != nil {
			_ = s.checker.Close()
		}
		_ = s.conn.Close()
	}
}

// Handle is a checked-out connection. It must be released or discarded
// exactly once; further calls have no effect.
type Handle struct {
	pool       *Pool
	index      int
	generation uint64
	conn       conn.Conn
	key        Key
	done       atomic.Bool
}

// Conn returns the connection.
func (h *Handle) Conn() conn.Conn {
	return h.conn
}

// Key returns the key the connection was checked out for.
func (h *Handle) Key() Key {
	return h.key
}

// Release returns the connection to the pool. A connection that can no
// longer be reused is closed instead.
func (h *Handle) Release() {
	if h.done.CompareAndSwap(false, true) {
		h.pool.release(h, false)
	}
}

// Discard closes the connection once no other caller uses it.
func (h *Handle) Discard() {
	if h.done.CompareAndSwap(false, true) {
		h.pool.release(h, true)
	}
}

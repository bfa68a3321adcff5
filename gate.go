package usekit

import (
	"context"
	"sync"
	"sync/atomic"
)

// DefaultMaxConcurrent is the in-flight bound used when none is configured.
const DefaultMaxConcurrent = 6

// TicketState tracks a ticket through the gate.
type TicketState int32

const (
	// TicketQueued waits for a free slot.
	TicketQueued TicketState = iota
	// TicketAdmitted holds a slot.
	TicketAdmitted
	// TicketSuperseded was replaced by a newer request with the same signature.
	TicketSuperseded
	// TicketCancelled was dropped by Clear or by its caller's context.
	TicketCancelled
	// TicketReleased has given its slot back.
	TicketReleased
)

func (s TicketState) String() string {
	switch s {
	case TicketQueued:
		return "queued"
	case TicketAdmitted:
		return "admitted"
	case TicketSuperseded:
		return "superseded"
	case TicketCancelled:
		return "cancelled"
	case TicketReleased:
		return "released"
	default:
		return "unknown"
	}
}

// GateConfig configures a Gate. A disabled gate admits every ticket at once
// and never supersedes, but still tracks tickets so Clear can cancel them.
type GateConfig struct {
	Enabled bool
	// MaxConcurrent bounds admitted tickets. Values <= 0 disable the bound.
	MaxConcurrent int
	// CancelDuplicates supersedes an outstanding ticket when a new one
	// arrives with the same signature.
	CancelDuplicates bool
}

// DefaultGateConfig is disabled. Once enabled it allows six concurrent
// requests and cancels duplicates.
func DefaultGateConfig() GateConfig {
	return GateConfig{MaxConcurrent: DefaultMaxConcurrent, CancelDuplicates: true}
}

// Ticket is the gate's handle on one request. Its context is cancelled
// with ErrSuperseded or ErrGateCleared when the gate gives up on it, and
// unconditionally once the ticket is released.
type Ticket struct {
	signature string
	ctx       context.Context
	cancel    context.CancelCauseFunc
	ready     chan struct{}
	state     atomic.Int32

	// guarded by Gate.mu
	gen      uint64
	holding  bool
	queued   bool
	released bool
}

// Context returns the context every stage of the request should observe.
func (t *Ticket) Context() context.Context { return t.ctx }

// Signature returns the signature the ticket was admitted under.
func (t *Ticket) Signature() string { return t.signature }

// State returns the current lifecycle state.
func (t *Ticket) State() TicketState { return TicketState(t.state.Load()) }

// Superseded reports whether a newer duplicate replaced this ticket.
func (t *Ticket) Superseded() bool { return t.State() == TicketSuperseded }

// Err returns the cancellation cause, or nil while the ticket is live.
func (t *Ticket) Err() error {
	if t.ctx.Err() == nil {
		return nil
	}
	return context.Cause(t.ctx)
}

// Gate bounds the number of in-flight requests, queues the excess in
// arrival order and cancels outdated duplicates. It is safe for concurrent use.
type Gate struct {
	mu       sync.Mutex
	cfg      GateConfig
	active   int
	queue    []*Ticket
	bySig    map[string]*Ticket
	tickets  map[*Ticket]struct{}
	gen      uint64
	onUpdate func(active, queued int)
}

// NewGate creates a gate from cfg.
func NewGate(cfg GateConfig) *Gate {
	return &Gate{
		cfg:     cfg,
		bySig:   make(map[string]*Ticket),
		tickets: make(map[*Ticket]struct{}),
	}
}

// OnUpdate registers fn to observe slot and queue counts after every change.
// fn runs under the gate lock and must not call back into the gate.
func (g *Gate) OnUpdate(fn func(active, queued int)) {
	g.mu.Lock()
	g.onUpdate = fn
	g.mu.Unlock()
}

// Admit registers a request and blocks until it holds a slot. When duplicate
// cancellation is on, a still-pending ticket with the same signature is
// superseded first. Admit fails only when ctx is done or the ticket is
// cancelled while queued; the returned error is a Cancelled ClientError.
func (g *Gate) Admit(ctx context.Context, signature string) (*Ticket, error) {
	tctx, cancel := context.WithCancelCause(ctx)
	t := &Ticket{
		signature: signature,
		ctx:       tctx,
		cancel:    cancel,
		ready:     make(chan struct{}),
	}

	g.mu.Lock()
	if g.cancelsDuplicates() {
		if prev, ok := g.bySig[signature]; ok {
			g.supersedeLocked(prev)
		}
		g.bySig[signature] = t
	}
	t.gen = g.gen
	g.tickets[t] = struct{}{}

	if g.hasSlotLocked() {
		g.grantLocked(t)
		g.notifyLocked()
		g.mu.Unlock()
		return t, nil
	}

	t.state.Store(int32(TicketQueued))
	t.queued = true
	g.queue = append(g.queue, t)
	g.notifyLocked()
	g.mu.Unlock()

	select {
	case <-t.ready:
		return t, nil
	case <-tctx.Done():
		g.Release(t)
		return nil, newCancelledError(context.Cause(tctx))
	}
}

// Release gives back the ticket's slot and admits the next queued ticket.
// It is idempotent and safe to call from every exit path.
func (g *Gate) Release(t *Ticket) {
	if t == nil {
		return
	}

	g.mu.Lock()
	if t.released {
		g.mu.Unlock()
		return
	}
	t.released = true

	if g.bySig[t.signature] == t {
		delete(g.bySig, t.signature)
	}
	delete(g.tickets, t)
	if t.queued {
		g.dequeueLocked(t)
	}
	if t.holding {
		t.holding = false
		if t.gen == g.gen {
			g.active--
		}
	}
	if s := t.State(); s == TicketQueued || s == TicketAdmitted {
		t.state.Store(int32(TicketReleased))
	}
	g.promoteLocked()
	g.notifyLocked()
	g.mu.Unlock()

	t.cancel(context.Canceled)
}

// Clear cancels every outstanding ticket with ErrGateCleared and resets
// the counters. Tickets admitted before the clear may still call Release
// without affecting the new counts.
func (g *Gate) Clear() {
	g.mu.Lock()
	cleared := make([]*Ticket, 0, len(g.tickets))
	for t := range g.tickets {
		t.state.Store(int32(TicketCancelled))
		t.queued = false
		cleared = append(cleared, t)
	}
	g.queue = nil
	g.bySig = make(map[string]*Ticket)
	g.tickets = make(map[*Ticket]struct{})
	g.active = 0
	g.gen++
	g.notifyLocked()
	g.mu.Unlock()

	for _, t := range cleared {
		t.cancel(ErrGateCleared)
	}
}

// Active returns the number of tickets holding a slot.
func (g *Gate) Active() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.active
}

// Queued returns the number of tickets waiting for a slot.
func (g *Gate) Queued() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.queue)
}

// Pending returns the number of tickets not yet released.
func (g *Gate) Pending() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.tickets)
}

// Config returns the gate configuration.
func (g *Gate) Config() GateConfig {
	return g.cfg
}

func (g *Gate) cancelsDuplicates() bool {
	return g.cfg.Enabled && g.cfg.CancelDuplicates
}

func (g *Gate) hasSlotLocked() bool {
	return !g.cfg.Enabled || g.cfg.MaxConcurrent <= 0 || g.active < g.cfg.MaxConcurrent
}

func (g *Gate) grantLocked(t *Ticket) {
	g.active++
	t.holding = true
	t.queued = false
	t.state.Store(int32(TicketAdmitted))
	close(t.ready)
}

func (g *Gate) promoteLocked() {
	for len(g.queue) > 0 && g.hasSlotLocked() {
		next := g.queue[0]
		g.queue[0] = nil
		g.queue = g.queue[1:]
		next.queued = false
		if next.ctx.Err() != nil {
			// Its waiter is about to release it.
			continue
		}
		g.grantLocked(next)
	}
}

func (g *Gate) supersedeLocked(t *Ticket) {
	t.state.Store(int32(TicketSuperseded))
	delete(g.bySig, t.signature)
	if t.queued {
		g.dequeueLocked(t)
	}
	t.cancel(ErrSuperseded)
}

func (g *Gate) dequeueLocked(t *Ticket) {
	for i, q := range g.queue {
		if q == t {
			g.queue = append(g.queue[:i], g.queue[i+1:]...)
			break
		}
	}
	t.queued = false
}

func (g *Gate) notifyLocked() {
	if g.onUpdate != nil {
		g.onUpdate(g.active, len(g.queue))
	}
}

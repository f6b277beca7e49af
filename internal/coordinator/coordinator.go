// Package coordinator buffers ICE candidates for connection pairs that
// need synchronized release. Hole punching through port-restricted cone
// NATs is timing-sensitive: releasing both sides' candidates at the
// same moment maximizes the chance both punched mappings are live when
// the other side's packets arrive.
package coordinator

import (
	"encoding/json"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
)

// Forwarder delivers a batch of candidates from one participant to
// another over the signaling transport.
type Forwarder func(fromID, toID string, candidates []json.RawMessage)

// record tracks one registered pair. Candidates are buffered keyed by
// direction until both sides report gathering complete.
type record struct {
	a, b       string
	fromA      []json.RawMessage
	fromB      []json.RawMessage
	readyA     bool
	readyB     bool
	registered time.Time
}

// Coordinator holds the pending coordination records. Pairs that were
// never registered pass through untouched (plain trickle ICE).
type Coordinator struct {
	mu      sync.Mutex
	pending map[string]*record

	timeout time.Duration
	log     *slog.Logger
	now     func() time.Time
}

// New creates a coordinator whose records expire after timeout.
func New(timeout time.Duration, log *slog.Logger) *Coordinator {
	if log == nil {
		log = slog.Default()
	}
	return &Coordinator{
		pending: make(map[string]*record),
		timeout: timeout,
		log:     log,
		now:     time.Now,
	}
}

// PairID returns the direction-independent key for a participant pair.
func PairID(a, b string) string {
	ids := []string{a, b}
	sort.Strings(ids)
	return strings.Join(ids, "-")
}

// Register marks the pair (a, b) as requiring synchronized release.
// Registering an already-registered pair is a no-op.
func (c *Coordinator) Register(a, b string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := PairID(a, b)
	if _, exists := c.pending[id]; exists {
		return
	}
	lo, hi := a, b
	if lo > hi {
		lo, hi = hi, lo
	}
	c.pending[id] = &record{a: lo, b: hi, registered: c.now()}
	c.log.Info("coordination registered", "pair", id)
}

// Registered reports whether the pair currently has a coordination
// record.
func (c *Coordinator) Registered(a, b string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.pending[PairID(a, b)]
	return ok
}

// Add offers a candidate for the from->to direction. When the pair is
// not registered the candidate must be forwarded immediately (trickle);
// otherwise it is buffered and the caller must not forward it.
func (c *Coordinator) Add(from, to string, candidate json.RawMessage) (forwardNow bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rec, ok := c.pending[PairID(from, to)]
	if !ok {
		return true
	}

	switch from {
	case rec.a:
		rec.fromA = append(rec.fromA, candidate)
	case rec.b:
		rec.fromB = append(rec.fromB, candidate)
	default:
		// Shouldn't happen: the key is derived from both ids.
		return true
	}
	c.log.Debug("candidate buffered", "from", from, "to", to)
	return false
}

// MarkReady records that one side finished ICE gathering for the pair.
// Once both sides are ready the buffered candidates are released in
// parallel through deliver and the record is discarded. Unknown pairs
// are ignored.
func (c *Coordinator) MarkReady(participantID, peerID string, deliver Forwarder) {
	c.mu.Lock()

	id := PairID(participantID, peerID)
	rec, ok := c.pending[id]
	if !ok {
		c.mu.Unlock()
		c.log.Debug("gathering-complete for unknown pair", "pair", id)
		return
	}

	switch participantID {
	case rec.a:
		rec.readyA = true
	case rec.b:
		rec.readyB = true
	default:
		c.mu.Unlock()
		return
	}

	if !rec.readyA || !rec.readyB {
		c.mu.Unlock()
		c.log.Debug("one side ready, waiting", "pair", id)
		return
	}

	delete(c.pending, id)
	c.mu.Unlock()

	c.release(rec, deliver)
}

// release pushes both buffered lists through deliver as close to
// simultaneously as the transport allows.
func (c *Coordinator) release(rec *record, deliver Forwarder) {
	c.log.Info("releasing candidates",
		"pair", PairID(rec.a, rec.b),
		"fromA", len(rec.fromA),
		"fromB", len(rec.fromB),
	)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if len(rec.fromA) > 0 {
			deliver(rec.a, rec.b, rec.fromA)
		}
	}()
	go func() {
		defer wg.Done()
		if len(rec.fromB) > 0 {
			deliver(rec.b, rec.a, rec.fromB)
		}
	}()
	wg.Wait()
}

// Cancel drops the pair's coordination record, discarding any buffered
// candidates.
func (c *Coordinator) Cancel(a, b string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := PairID(a, b)
	if _, ok := c.pending[id]; ok {
		delete(c.pending, id)
		c.log.Info("coordination cancelled", "pair", id)
	}
}

// CancelAll drops every record involving the participant, used when
// they leave or disconnect.
func (c *Coordinator) CancelAll(participantID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for id, rec := range c.pending {
		if rec.a == participantID || rec.b == participantID {
			delete(c.pending, id)
			c.log.Debug("coordination dropped with participant", "pair", id)
		}
	}
}

// Sweep purges records older than the timeout. Held candidates are
// discarded without error; recovery is left to the negotiation engine's
// ICE-restart path.
func (c *Coordinator) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	purged := 0
	for id, rec := range c.pending {
		if now.Sub(rec.registered) > c.timeout {
			delete(c.pending, id)
			purged++
			c.log.Warn("purged stale coordination record", "pair", id)
		}
	}
	return purged
}

// Start runs Sweep on the given interval until done is closed.
func (c *Coordinator) Start(interval time.Duration, done <-chan struct{}) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.Sweep()
			case <-done:
				return
			}
		}
	}()
}

// PendingCount returns the number of live coordination records.
func (c *Coordinator) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

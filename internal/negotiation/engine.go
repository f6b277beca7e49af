package negotiation

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

const (
	// DefaultMaxRetries caps consecutive ICE-restart attempts.
	DefaultMaxRetries = 10
	// DefaultRetryDelay is the pause before each restart offer.
	DefaultRetryDelay = time.Second

	// reportSuppression is the window in which a repeat of the same
	// stage and error is counted but not re-surfaced.
	reportSuppression = 2 * time.Second
)

// pairState is the explicit per-pair negotiation state. All mutation
// happens through the engine's entry points under its lock.
type pairState struct {
	makingOffer          bool
	ignoreNextOffer      bool
	hasRemoteDescription bool
	pendingCandidates    []Candidate
	retryCount           int
	retryPending         bool
}

// Config wires an engine to one remote peer.
type Config struct {
	SelfID     string
	PeerID     string
	Factory    MediaFactory
	Observer   Observer
	Scheduler  Scheduler
	RetryDelay time.Duration
	MaxRetries int
	Log        *slog.Logger
}

// Engine is the per-peer negotiation state machine. One engine per
// remote participant; engines are fully independent of each other.
type Engine struct {
	selfID string
	peerID string
	role   Role

	factory    MediaFactory
	observer   Observer
	scheduler  Scheduler
	retryDelay time.Duration
	maxRetries int
	log        *slog.Logger

	mu      sync.Mutex
	session MediaSession
	state   pairState
	tracks  []LocalTrack
	closed  bool

	reportMu   sync.Mutex
	lastReport map[string]time.Time
	suppressed int
	now        func() time.Time
}

// New builds an engine and its first media session.
func New(cfg Config) (*Engine, error) {
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}

	e := &Engine{
		selfID:     cfg.SelfID,
		peerID:     cfg.PeerID,
		role:       RoleFor(cfg.SelfID, cfg.PeerID),
		factory:    cfg.Factory,
		observer:   cfg.Observer,
		scheduler:  cfg.Scheduler,
		retryDelay: cfg.RetryDelay,
		maxRetries: cfg.MaxRetries,
		log:        cfg.Log.With("peer", cfg.PeerID),
		lastReport: make(map[string]time.Time),
		now:        time.Now,
	}

	session, err := cfg.Factory(e)
	if err != nil {
		return nil, fmt.Errorf("create media session: %w", err)
	}
	e.session = session
	e.log.Info("negotiation engine created", "role", e.role.String())
	return e, nil
}

// Role returns the engine's glare-resolution role.
func (e *Engine) Role() Role { return e.role }

// PeerID returns the remote participant id.
func (e *Engine) PeerID() string { return e.peerID }

func (e *Engine) retryKey() string { return e.peerID }

// Negotiate starts (or restarts, without the ICE-restart flag) the
// offer/answer exchange toward the peer.
func (e *Engine) Negotiate() {
	e.sendOffer(false)
}

// sendOffer creates a local offer and ships it. makingOffer stays set
// for the whole create+apply window so a colliding remote offer is
// recognized as glare.
func (e *Engine) sendOffer(iceRestart bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return
	}

	e.state.makingOffer = true
	defer func() { e.state.makingOffer = false }()

	offer, err := e.session.CreateOffer(iceRestart)
	if err != nil {
		if errors.Is(err, ErrTiming) {
			e.log.Debug("offer creation hit a timing conflict, skipping", "error", err)
			return
		}
		e.report("createOffer", err, false)
		return
	}
	if err := e.session.SetLocalDescription(offer); err != nil {
		if errors.Is(err, ErrTiming) {
			e.log.Debug("local offer apply hit a timing conflict, skipping", "error", err)
			return
		}
		e.report("setLocalDescription", err, false)
		return
	}

	e.log.Debug("sending offer", "iceRestart", iceRestart)
	e.observer.SendOffer(e.peerID, offer)
}

// HandleRemoteDescription applies a remote offer or answer with glare
// resolution. The impolite side ignores a colliding offer outright; the
// polite side rolls its own offer back and applies the remote one.
func (e *Engine) HandleRemoteDescription(d Description) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		e.log.Debug("description for closed pair dropped", "type", d.Type)
		return nil
	}

	isOffer := d.Type == "offer"
	if !isOffer {
		// Any non-offer description ends the ignore window.
		e.state.ignoreNextOffer = false
	}

	collision := isOffer && (e.state.makingOffer || e.session.SignalingState() != Stable)
	if collision {
		if e.role == Impolite {
			e.log.Debug("glare: ignoring colliding offer")
			e.state.ignoreNextOffer = true
			return nil
		}
		e.log.Debug("glare: rolling back local offer")
		if err := e.session.Rollback(); err != nil {
			return e.applyWithRebuild(d, err)
		}
	}

	if err := e.session.SetRemoteDescription(d); err != nil {
		if errors.Is(err, ErrTiming) {
			e.log.Debug("remote description apply hit a timing conflict, skipping", "error", err)
			return nil
		}
		return e.applyWithRebuild(d, err)
	}

	e.afterRemoteDescription(isOffer)
	return nil
}

// applyWithRebuild is the hard-failure path: tear the connection down,
// build a fresh one, and retry the apply exactly once.
func (e *Engine) applyWithRebuild(d Description, cause error) error {
	e.log.Warn("remote description apply failed, rebuilding connection", "error", cause)

	if err := e.rebuildLocked(); err != nil {
		e.report("setRemoteDescription", fmt.Errorf("rebuild after apply failure: %w", err), false)
		return err
	}
	if err := e.session.SetRemoteDescription(d); err != nil {
		e.report("setRemoteDescription", err, false)
		return err
	}

	e.afterRemoteDescription(d.Type == "offer")
	return nil
}

// afterRemoteDescription flushes buffered candidates and, for an offer,
// produces the answer. Caller holds the lock.
func (e *Engine) afterRemoteDescription(isOffer bool) {
	e.state.hasRemoteDescription = true

	for _, c := range e.state.pendingCandidates {
		if err := e.session.AddRemoteCandidate(c); err != nil {
			e.report("addCandidate", err, false)
		}
	}
	e.state.pendingCandidates = nil

	if !isOffer {
		return
	}

	answer, err := e.session.CreateAnswer()
	if err != nil {
		e.report("createAnswer", err, false)
		return
	}
	if err := e.session.SetLocalDescription(answer); err != nil {
		if errors.Is(err, ErrTiming) {
			e.log.Debug("local answer apply hit a timing conflict, skipping", "error", err)
			return
		}
		e.report("setLocalDescription", err, false)
		return
	}
	e.observer.SendAnswer(e.peerID, answer)
}

// HandleRemoteCandidate applies or buffers a remote candidate.
// Candidates trailing an ignored offer are dropped silently.
func (e *Engine) HandleRemoteCandidate(c Candidate) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		e.log.Debug("candidate for closed pair dropped")
		return
	}
	if e.state.ignoreNextOffer {
		e.log.Debug("candidate tied to ignored offer dropped")
		return
	}
	if !e.state.hasRemoteDescription {
		e.state.pendingCandidates = append(e.state.pendingCandidates, c)
		return
	}

	if err := e.session.AddRemoteCandidate(c); err != nil {
		e.report("addCandidate", err, false)
	}
}

// AttachTrack adds or replaces a local track on the connection. The
// track list is kept so a rebuild can re-attach everything.
func (e *Engine) AttachTrack(t LocalTrack) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return errors.New("attach on closed pair")
	}

	replaced := false
	for i, existing := range e.tracks {
		if existing.Kind() == t.Kind() {
			e.tracks[i] = t
			replaced = true
			break
		}
	}
	if !replaced {
		e.tracks = append(e.tracks, t)
	}

	if err := e.session.AttachTrack(t); err != nil {
		e.report("attachTrack", err, false)
		return err
	}
	return nil
}

// rebuildLocked replaces the media session with a fresh one and resets
// per-connection negotiation state. Caller holds the lock.
func (e *Engine) rebuildLocked() error {
	if e.session != nil {
		e.session.Close()
	}
	session, err := e.factory(e)
	if err != nil {
		e.session = nil
		return err
	}
	e.session = session

	e.state.makingOffer = false
	e.state.ignoreNextOffer = false
	e.state.hasRemoteDescription = false
	e.state.pendingCandidates = nil

	for _, t := range e.tracks {
		if err := session.AttachTrack(t); err != nil {
			return fmt.Errorf("re-attach %s track: %w", t.Kind(), err)
		}
	}
	return nil
}

// OnICEConnectionStateChange implements SessionObserver.
func (e *Engine) OnICEConnectionStateChange(s ICEConnectionState) {
	switch s {
	case ICEConnected, ICECompleted:
		e.markConnected()
	case ICEFailed:
		e.handleFailure()
	case ICEDisconnected:
		e.log.Warn("ICE disconnected, waiting for recovery or failure")
	}
}

// OnConnectionStateChange implements SessionObserver. The aggregate
// signal backs up the ICE signal; whichever reports failure first wins.
func (e *Engine) OnConnectionStateChange(s ConnectionState) {
	switch s {
	case ConnConnected:
		e.markConnected()
	case ConnFailed:
		e.handleFailure()
	}
}

func (e *Engine) markConnected() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return
	}
	e.state.retryCount = 0
	e.state.retryPending = false
	e.scheduler.Cancel(e.retryKey())
	e.log.Info("peer connection established")
}

// handleFailure runs the bounded ICE-restart policy. A retry already
// pending absorbs duplicate failure signals.
func (e *Engine) handleFailure() {
	e.mu.Lock()

	if e.closed || e.state.retryPending {
		e.mu.Unlock()
		return
	}

	if e.state.retryCount >= e.maxRetries {
		e.mu.Unlock()
		e.log.Error("retry budget exhausted, abandoning connection", "attempts", e.maxRetries)
		e.report("retry", fmt.Errorf("connection failed after %d restart attempts", e.maxRetries), true)
		e.Close()
		return
	}

	e.state.retryCount++
	e.state.retryPending = true
	attempt := e.state.retryCount
	e.mu.Unlock()

	e.log.Warn("connection failed, scheduling ICE restart", "attempt", attempt, "max", e.maxRetries)
	e.observer.OnIceRestart(e.peerID, attempt)
	e.scheduler.Schedule(e.retryKey(), e.retryDelay, func() {
		e.mu.Lock()
		e.state.retryPending = false
		closed := e.closed
		e.mu.Unlock()
		if closed {
			return
		}
		e.sendOffer(true)
	})
}

// OnLocalCandidate implements SessionObserver.
func (e *Engine) OnLocalCandidate(c Candidate) {
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return
	}
	e.observer.SendCandidate(e.peerID, c)
}

// OnGatheringComplete implements SessionObserver.
func (e *Engine) OnGatheringComplete() {
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return
	}
	e.observer.SendGatheringComplete(e.peerID)
}

// OnRemoteTrack implements SessionObserver.
func (e *Engine) OnRemoteTrack(t RemoteTrack) {
	e.observer.OnTrack(e.peerID, t)
}

// Close tears the pair down: the retry timer is cancelled synchronously
// and all further signaling for the pair is dropped.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return
	}
	e.closed = true
	e.scheduler.Cancel(e.retryKey())
	e.state.pendingCandidates = nil
	if e.session != nil {
		e.session.Close()
	}
	e.log.Info("negotiation engine closed")
}

// report surfaces an error to the observer, suppressing repeats of the
// same stage and error inside a short window. A different error at the
// same stage is news and goes through. Suppressed repeats are still
// counted.
func (e *Engine) report(stage string, err error, terminal bool) {
	key := stage + "|" + err.Error()
	e.reportMu.Lock()
	now := e.now()
	if last, ok := e.lastReport[key]; ok && now.Sub(last) < reportSuppression && !terminal {
		e.suppressed++
		e.reportMu.Unlock()
		e.log.Debug("error report suppressed", "stage", stage, "error", err)
		return
	}
	e.lastReport[key] = now
	e.reportMu.Unlock()

	e.log.Error("negotiation error", "stage", stage, "error", err, "terminal", terminal)
	e.observer.OnConnectionError(Report{
		PeerID:   e.peerID,
		Stage:    stage,
		Message:  err.Error(),
		Details:  fmt.Sprintf("role=%s", e.role),
		Terminal: terminal,
	})
}

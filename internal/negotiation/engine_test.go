package negotiation

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

// fakeSession scripts the media engine's behavior.
type fakeSession struct {
	mu             sync.Mutex
	signalingState SignalingState
	applied        []Description
	localApplied   []Description
	candidates     []Candidate
	rolledBack     int
	closedCount    int
	attached       []LocalTrack

	remoteErr   error // returned once by SetRemoteDescription
	remoteErrAl bool  // return remoteErr on every call
	rollbackErr error
}

func (f *fakeSession) CreateOffer(iceRestart bool) (Description, error) {
	sdp := "offer"
	if iceRestart {
		sdp = "offer-restart"
	}
	return Description{Type: "offer", SDP: sdp}, nil
}

func (f *fakeSession) CreateAnswer() (Description, error) {
	return Description{Type: "answer", SDP: "answer"}, nil
}

func (f *fakeSession) SetLocalDescription(d Description) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.localApplied = append(f.localApplied, d)
	if d.Type == "offer" {
		f.signalingState = HaveLocalOffer
	} else {
		f.signalingState = Stable
	}
	return nil
}

func (f *fakeSession) SetRemoteDescription(d Description) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.remoteErr != nil {
		err := f.remoteErr
		if !f.remoteErrAl {
			f.remoteErr = nil
		}
		return err
	}
	f.applied = append(f.applied, d)
	if d.Type == "offer" {
		f.signalingState = HaveRemoteOffer
	} else {
		f.signalingState = Stable
	}
	return nil
}

func (f *fakeSession) Rollback() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.rollbackErr != nil {
		return f.rollbackErr
	}
	f.rolledBack++
	f.signalingState = Stable
	return nil
}

func (f *fakeSession) AddRemoteCandidate(c Candidate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.candidates = append(f.candidates, c)
	return nil
}

func (f *fakeSession) SignalingState() SignalingState {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.signalingState == "" {
		return Stable
	}
	return f.signalingState
}

func (f *fakeSession) AttachTrack(t LocalTrack) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attached = append(f.attached, t)
	return nil
}

func (f *fakeSession) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closedCount++
	return nil
}

func (f *fakeSession) appliedRemote() []Description {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Description(nil), f.applied...)
}

func (f *fakeSession) appliedCandidates() []Candidate {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Candidate(nil), f.candidates...)
}

// fakeObserver records everything the engine surfaces.
type fakeObserver struct {
	mu         sync.Mutex
	offers     []Description
	answers    []Description
	candidates []Candidate
	reports    []Report
	restarts   []int
}

func (f *fakeObserver) SendOffer(peerID string, d Description) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offers = append(f.offers, d)
}

func (f *fakeObserver) SendAnswer(peerID string, d Description) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.answers = append(f.answers, d)
}

func (f *fakeObserver) SendCandidate(peerID string, c Candidate) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.candidates = append(f.candidates, c)
}

func (f *fakeObserver) SendGatheringComplete(peerID string) {}

func (f *fakeObserver) OnTrack(peerID string, t RemoteTrack) {}

func (f *fakeObserver) OnConnectionError(r Report) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reports = append(f.reports, r)
}

func (f *fakeObserver) OnIceRestart(peerID string, attempt int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.restarts = append(f.restarts, attempt)
}

func (f *fakeObserver) allReports() []Report {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Report(nil), f.reports...)
}

func (f *fakeObserver) allOffers() []Description {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Description(nil), f.offers...)
}

// syncScheduler runs scheduled callbacks immediately when fired by the
// test, never on a timer.
type syncScheduler struct {
	mu      sync.Mutex
	pending map[string]func()
}

func newSyncScheduler() *syncScheduler {
	return &syncScheduler{pending: make(map[string]func())}
}

func (s *syncScheduler) Schedule(key string, delay time.Duration, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[key] = fn
}

func (s *syncScheduler) Cancel(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending, key)
}

func (s *syncScheduler) fire(key string) bool {
	s.mu.Lock()
	fn, ok := s.pending[key]
	delete(s.pending, key)
	s.mu.Unlock()
	if ok {
		fn()
	}
	return ok
}

func (s *syncScheduler) has(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.pending[key]
	return ok
}

type testRig struct {
	engine    *Engine
	session   *fakeSession
	observer  *fakeObserver
	scheduler *syncScheduler
	sessions  []*fakeSession // every session the factory produced

	// setup, when set, runs on each session the factory builds.
	setup func(*fakeSession)
}

func newRig(t *testing.T, selfID, peerID string) *testRig {
	t.Helper()
	rig := &testRig{
		observer:  &fakeObserver{},
		scheduler: newSyncScheduler(),
	}
	factory := func(SessionObserver) (MediaSession, error) {
		s := &fakeSession{}
		if rig.setup != nil {
			rig.setup(s)
		}
		rig.sessions = append(rig.sessions, s)
		rig.session = s
		return s, nil
	}
	engine, err := New(Config{
		SelfID:    selfID,
		PeerID:    peerID,
		Factory:   factory,
		Observer:  rig.observer,
		Scheduler: rig.scheduler,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	rig.engine = engine
	return rig
}

func cand(s string) Candidate {
	return Candidate(fmt.Sprintf(`{"candidate":%q}`, s))
}

func TestRoleAssignmentIsDeterministic(t *testing.T) {
	if RoleFor("alice", "bob") != Polite {
		t.Error("alice vs bob: alice must be polite")
	}
	if RoleFor("bob", "alice") != Impolite {
		t.Error("bob vs alice: bob must be impolite")
	}
	// Both ends agree independently of perspective.
	if RoleFor("alice", "bob") == RoleFor("bob", "alice") {
		t.Error("the two ends must compute opposite roles")
	}
}

func TestOfferAnswerRoundTrip(t *testing.T) {
	rig := newRig(t, "bob", "alice")

	rig.engine.Negotiate()
	offers := rig.observer.allOffers()
	if len(offers) != 1 || offers[0].SDP != "offer" {
		t.Fatalf("offers = %+v, want one plain offer", offers)
	}

	// Remote answer settles the exchange.
	if err := rig.engine.HandleRemoteDescription(Description{Type: "answer", SDP: "a"}); err != nil {
		t.Fatalf("HandleRemoteDescription: %v", err)
	}
	applied := rig.session.appliedRemote()
	if len(applied) != 1 || applied[0].Type != "answer" {
		t.Fatalf("applied = %+v", applied)
	}
}

func TestIncomingOfferProducesAnswer(t *testing.T) {
	rig := newRig(t, "alice", "bob")

	if err := rig.engine.HandleRemoteDescription(Description{Type: "offer", SDP: "o"}); err != nil {
		t.Fatalf("HandleRemoteDescription: %v", err)
	}

	rig.observer.mu.Lock()
	answers := len(rig.observer.answers)
	rig.observer.mu.Unlock()
	if answers != 1 {
		t.Fatalf("answers sent = %d, want 1", answers)
	}
}

func TestEarlyCandidatesBufferedInOrder(t *testing.T) {
	rig := newRig(t, "alice", "bob")

	for i := 0; i < 3; i++ {
		rig.engine.HandleRemoteCandidate(cand(fmt.Sprintf("c%d", i)))
	}
	if got := rig.session.appliedCandidates(); len(got) != 0 {
		t.Fatalf("candidates applied before remote description: %d", len(got))
	}

	rig.engine.HandleRemoteDescription(Description{Type: "offer", SDP: "o"})

	got := rig.session.appliedCandidates()
	if len(got) != 3 {
		t.Fatalf("flushed %d candidates, want 3", len(got))
	}
	for i, c := range got {
		want := string(cand(fmt.Sprintf("c%d", i)))
		if string(c) != want {
			t.Errorf("candidate %d = %s, want %s (FIFO broken)", i, c, want)
		}
	}

	// Post-description candidates apply immediately.
	rig.engine.HandleRemoteCandidate(cand("late"))
	if got := rig.session.appliedCandidates(); len(got) != 4 {
		t.Errorf("late candidate not applied immediately")
	}
}

func TestImpoliteIgnoresCollidingOffer(t *testing.T) {
	rig := newRig(t, "bob", "alice") // bob > alice: impolite

	rig.engine.Negotiate() // local offer in flight
	if err := rig.engine.HandleRemoteDescription(Description{Type: "offer", SDP: "colliding"}); err != nil {
		t.Fatalf("colliding offer must not error: %v", err)
	}

	if applied := rig.session.appliedRemote(); len(applied) != 0 {
		t.Fatalf("impolite peer applied the colliding offer: %+v", applied)
	}
	if rig.session.rolledBack != 0 {
		t.Error("impolite peer must not roll back")
	}

	// Candidates trailing the ignored offer are discarded.
	rig.engine.HandleRemoteCandidate(cand("trailing"))
	if got := rig.session.appliedCandidates(); len(got) != 0 {
		t.Error("trailing candidate of an ignored offer was applied")
	}

	// The peer's answer to our offer ends the ignore window.
	rig.engine.HandleRemoteDescription(Description{Type: "answer", SDP: "a"})
	rig.engine.HandleRemoteCandidate(cand("fresh"))
	if got := rig.session.appliedCandidates(); len(got) != 1 {
		t.Errorf("candidate after ignore window = %d applied, want 1", len(got))
	}
}

func TestPoliteRollsBackAndApplies(t *testing.T) {
	rig := newRig(t, "alice", "bob") // alice < bob: polite

	rig.engine.Negotiate()
	if err := rig.engine.HandleRemoteDescription(Description{Type: "offer", SDP: "colliding"}); err != nil {
		t.Fatalf("HandleRemoteDescription: %v", err)
	}

	if rig.session.rolledBack != 1 {
		t.Fatalf("rollbacks = %d, want 1", rig.session.rolledBack)
	}
	applied := rig.session.appliedRemote()
	if len(applied) != 1 || applied[0].SDP != "colliding" {
		t.Fatalf("applied = %+v, want the colliding offer", applied)
	}
}

func TestTimingErrorsAreSwallowed(t *testing.T) {
	rig := newRig(t, "alice", "bob")
	rig.session.remoteErr = fmt.Errorf("apply: %w", ErrTiming)

	if err := rig.engine.HandleRemoteDescription(Description{Type: "answer", SDP: "a"}); err != nil {
		t.Fatalf("timing error surfaced: %v", err)
	}
	if reports := rig.observer.allReports(); len(reports) != 0 {
		t.Errorf("timing error reported: %+v", reports)
	}
	if len(rig.sessions) != 1 {
		t.Error("timing error must not trigger a rebuild")
	}
}

func TestHardApplyFailureRebuildsAndRetriesOnce(t *testing.T) {
	rig := newRig(t, "alice", "bob")
	rig.engine.AttachTrack(stubTrack("video"))

	first := rig.session
	first.remoteErr = errors.New("m-line mismatch")

	if err := rig.engine.HandleRemoteDescription(Description{Type: "offer", SDP: "o"}); err != nil {
		t.Fatalf("rebuild retry should have succeeded: %v", err)
	}

	if len(rig.sessions) != 2 {
		t.Fatalf("sessions built = %d, want 2 (original + rebuild)", len(rig.sessions))
	}
	if first.closedCount != 1 {
		t.Error("failed session must be closed")
	}
	fresh := rig.sessions[1]
	if applied := fresh.appliedRemote(); len(applied) != 1 {
		t.Fatalf("fresh session applied = %+v, want the retried offer", applied)
	}
	if len(fresh.attached) != 1 || fresh.attached[0].Kind() != "video" {
		t.Error("rebuild must re-attach local tracks")
	}
}

func TestHardApplyFailureGivesUpAfterOneRetry(t *testing.T) {
	rig := newRig(t, "alice", "bob")
	// Every session this pair ever builds refuses the description.
	rig.setup = func(s *fakeSession) {
		s.remoteErr = errors.New("m-line mismatch")
		s.remoteErrAl = true
	}
	rig.setup(rig.session)

	err := rig.engine.HandleRemoteDescription(Description{Type: "offer", SDP: "o"})
	if err == nil {
		t.Fatal("persistent apply failure must surface")
	}
	// One rebuild, not a loop.
	if len(rig.sessions) != 2 {
		t.Fatalf("sessions built = %d, want 2", len(rig.sessions))
	}
	reports := rig.observer.allReports()
	if len(reports) != 1 || reports[0].Stage != "setRemoteDescription" {
		t.Fatalf("reports = %+v, want one setRemoteDescription report", reports)
	}
}

func TestFailureSchedulesIceRestart(t *testing.T) {
	rig := newRig(t, "alice", "bob")

	rig.engine.OnICEConnectionStateChange(ICEFailed)

	if !rig.scheduler.has("bob") {
		t.Fatal("failure must schedule a retry for the pair")
	}
	if !rig.scheduler.fire("bob") {
		t.Fatal("retry did not fire")
	}

	offers := rig.observer.allOffers()
	if len(offers) != 1 || offers[0].SDP != "offer-restart" {
		t.Fatalf("offers = %+v, want one ICE-restart offer", offers)
	}
	rig.observer.mu.Lock()
	restarts := append([]int(nil), rig.observer.restarts...)
	rig.observer.mu.Unlock()
	if len(restarts) != 1 || restarts[0] != 1 {
		t.Errorf("restart notifications = %v, want [1]", restarts)
	}
}

func TestDuplicateFailureSignalsCoalesce(t *testing.T) {
	rig := newRig(t, "alice", "bob")

	// ICE and aggregate both report the same failure.
	rig.engine.OnICEConnectionStateChange(ICEFailed)
	rig.engine.OnConnectionStateChange(ConnFailed)

	rig.observer.mu.Lock()
	restarts := len(rig.observer.restarts)
	rig.observer.mu.Unlock()
	if restarts != 1 {
		t.Errorf("restarts = %d, want 1 (duplicate signal must coalesce)", restarts)
	}
}

func TestRetryBudgetExhaustionIsTerminal(t *testing.T) {
	rig := newRig(t, "alice", "bob")

	for i := 0; i < DefaultMaxRetries; i++ {
		rig.engine.OnICEConnectionStateChange(ICEFailed)
		if !rig.scheduler.fire("bob") {
			t.Fatalf("retry %d did not fire", i+1)
		}
	}

	// The 11th failure must tear down, not retry.
	rig.engine.OnICEConnectionStateChange(ICEFailed)
	if rig.scheduler.has("bob") {
		t.Fatal("no retry may be scheduled past the budget")
	}

	reports := rig.observer.allReports()
	var terminal *Report
	for i := range reports {
		if reports[i].Terminal {
			terminal = &reports[i]
		}
	}
	if terminal == nil {
		t.Fatal("exhaustion must produce a terminal report")
	}
	if rig.session.closedCount == 0 {
		t.Error("terminal teardown must close the media session")
	}

	// A closed pair drops further signaling silently.
	if err := rig.engine.HandleRemoteDescription(Description{Type: "offer", SDP: "late"}); err != nil {
		t.Errorf("closed pair must drop, not error: %v", err)
	}
}

func TestConnectedResetsRetryCounter(t *testing.T) {
	rig := newRig(t, "alice", "bob")

	for i := 0; i < 5; i++ {
		rig.engine.OnICEConnectionStateChange(ICEFailed)
		rig.scheduler.fire("bob")
	}
	rig.engine.OnICEConnectionStateChange(ICEConnected)

	// Budget is fresh again: ten more retries must be granted.
	for i := 0; i < DefaultMaxRetries; i++ {
		rig.engine.OnICEConnectionStateChange(ICEFailed)
		if !rig.scheduler.fire("bob") {
			t.Fatalf("retry %d after reset did not fire", i+1)
		}
	}
}

func TestConnectedCancelsPendingRetry(t *testing.T) {
	rig := newRig(t, "alice", "bob")

	rig.engine.OnICEConnectionStateChange(ICEFailed)
	if !rig.scheduler.has("bob") {
		t.Fatal("retry should be pending")
	}
	rig.engine.OnICEConnectionStateChange(ICECompleted)
	if rig.scheduler.has("bob") {
		t.Error("connection success must cancel the pending retry")
	}
}

func TestCloseCancelsRetryAndDropsSignaling(t *testing.T) {
	rig := newRig(t, "alice", "bob")

	rig.engine.OnICEConnectionStateChange(ICEFailed)
	rig.engine.Close()

	if rig.scheduler.has("bob") {
		t.Error("close must cancel the pending retry synchronously")
	}
	rig.engine.HandleRemoteCandidate(cand("late"))
	if got := rig.session.appliedCandidates(); len(got) != 0 {
		t.Error("closed pair applied a candidate")
	}
}

func TestRepeatedErrorsAreSuppressedWithinWindow(t *testing.T) {
	rig := newRig(t, "alice", "bob")

	base := time.Now()
	rig.engine.now = func() time.Time { return base }

	rig.engine.report("addCandidate", errors.New("bad candidate"), false)
	rig.engine.report("addCandidate", errors.New("bad candidate"), false)
	if got := len(rig.observer.allReports()); got != 1 {
		t.Fatalf("reports = %d, want 1 (repeat inside window suppressed)", got)
	}

	rig.engine.now = func() time.Time { return base.Add(3 * time.Second) }
	rig.engine.report("addCandidate", errors.New("bad candidate"), false)
	if got := len(rig.observer.allReports()); got != 2 {
		t.Errorf("reports = %d, want 2 (window elapsed)", got)
	}

	// A different stage is never suppressed by the first.
	rig.engine.report("createOffer", errors.New("boom"), false)
	if got := len(rig.observer.allReports()); got != 3 {
		t.Errorf("reports = %d, want 3 (stages are independent)", got)
	}
}

func TestDifferentErrorAtSameStageIsReported(t *testing.T) {
	rig := newRig(t, "alice", "bob")

	base := time.Now()
	rig.engine.now = func() time.Time { return base }

	rig.engine.report("setRemoteDescription", errors.New("bad sdp"), false)
	rig.engine.report("setRemoteDescription", errors.New("no matching transceiver"), false)
	if got := len(rig.observer.allReports()); got != 2 {
		t.Fatalf("reports = %d, want 2 (new error at the same stage is news)", got)
	}

	// The repeat of either error inside the window stays suppressed.
	rig.engine.report("setRemoteDescription", errors.New("bad sdp"), false)
	rig.engine.report("setRemoteDescription", errors.New("no matching transceiver"), false)
	if got := len(rig.observer.allReports()); got != 2 {
		t.Errorf("reports = %d, want 2 (repeats inside window suppressed)", got)
	}
}

func TestAttachTrackReplacesSameKind(t *testing.T) {
	rig := newRig(t, "alice", "bob")

	rig.engine.AttachTrack(stubTrack("video"))
	rig.engine.AttachTrack(stubTrack("video"))
	rig.engine.AttachTrack(stubTrack("audio"))

	rig.engine.mu.Lock()
	kinds := make([]string, 0, len(rig.engine.tracks))
	for _, tr := range rig.engine.tracks {
		kinds = append(kinds, tr.Kind())
	}
	rig.engine.mu.Unlock()

	if len(kinds) != 2 {
		t.Fatalf("tracked kinds = %v, want one video + one audio", kinds)
	}
}

// stubTrack is a LocalTrack with just a kind.
type stubTrack string

func (s stubTrack) Kind() string { return string(s) }

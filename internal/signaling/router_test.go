package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/mossy-p/call-signaling/internal/logging"
	"github.com/mossy-p/call-signaling/internal/models"
	"github.com/mossy-p/call-signaling/internal/registry"
	"github.com/mossy-p/call-signaling/internal/session"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	id string

	mu     sync.Mutex
	sent   []models.SignalMessage
	closed bool
}

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Send(msg models.SignalMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("closed")
	}
	c.sent = append(c.sent, msg)
	return nil
}

func (c *fakeConn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

// take returns and clears everything sent so far.
func (c *fakeConn) take() []models.SignalMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.sent
	c.sent = nil
	return out
}

type timers struct {
	mu  sync.Mutex
	fns []func()
}

type noopTimer struct{}

func (noopTimer) Stop() bool { return true }

func (t *timers) afterFunc(_ time.Duration, f func()) session.Timer {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.fns = append(t.fns, f)
	return noopTimer{}
}

func (t *timers) fire(i int) {
	t.mu.Lock()
	f := t.fns[i]
	t.mu.Unlock()
	f()
}

type fakeDirectory struct {
	mu        sync.Mutex
	online    map[string]string
	records   []models.CallRecord
	refreshes []string
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{online: map[string]string{}}
}

func (d *fakeDirectory) MarkOnline(_ context.Context, endpointID, connID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.online[endpointID] = connID
	return nil
}

func (d *fakeDirectory) MarkOffline(_ context.Context, endpointID, connID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.online[endpointID] == connID {
		delete(d.online, endpointID)
	}
	return nil
}

func (d *fakeDirectory) RefreshPresence(_ context.Context, endpointID, connID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.refreshes = append(d.refreshes, endpointID+"/"+connID)
	return nil
}

func (d *fakeDirectory) refreshed() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.refreshes...)
}

func (d *fakeDirectory) RecordCall(_ context.Context, rec models.CallRecord) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.records = append(d.records, rec)
	return nil
}

type harness struct {
	t         *testing.T
	router    *Router
	registry  *registry.Registry
	store     *session.Store
	timers    *timers
	directory *fakeDirectory
	nextConn  int
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	log := logrus.NewEntry(logging.Discard())
	reg := registry.New()
	tm := &timers{}
	n := 0
	store := session.NewStore(reg, session.Config{
		RingTimeout:          30 * time.Second,
		Retention:            time.Minute,
		MaxPendingCandidates: 4,
	},
		session.WithTimerFunc(tm.afterFunc),
		session.WithLogger(log),
		session.WithIDGenerator(func() string {
			n++
			return fmt.Sprintf("S%d", n)
		}),
	)
	dir := newFakeDirectory()
	router := NewRouter(reg, store, WithDirectory(dir), WithLogger(log), WithConfig(cfg))
	return &harness{t: t, router: router, registry: reg, store: store, timers: tm, directory: dir}
}

func (h *harness) connect(identity string) (*Peer, *fakeConn) {
	h.nextConn++
	conn := &fakeConn{id: fmt.Sprintf("conn-%d", h.nextConn)}
	return h.router.Attach(conn, identity), conn
}

func (h *harness) send(p *Peer, msg models.SignalMessage) {
	h.t.Helper()
	data, err := json.Marshal(msg)
	require.NoError(h.t, err)
	p.Handle(context.Background(), data)
}

func (h *harness) register(id string) (*Peer, *fakeConn) {
	h.t.Helper()
	p, conn := h.connect("")
	h.send(p, models.SignalMessage{Type: models.SignalTypeRegister, EndpointID: id})
	msgs := conn.take()
	require.Len(h.t, msgs, 1)
	require.Equal(h.t, models.SignalTypeRegistered, msgs[0].Type)
	return p, conn
}

func raw(s string) json.RawMessage { return json.RawMessage(s) }

func single(t *testing.T, conn *fakeConn) models.SignalMessage {
	t.Helper()
	msgs := conn.take()
	require.Len(t, msgs, 1, "messages: %+v", msgs)
	return msgs[0]
}

// invite runs scenario 1 and returns the session id.
func (h *harness) invite(caller *Peer, callerConn, calleeConn *fakeConn, calleeID, offer string) string {
	h.t.Helper()
	h.send(caller, models.SignalMessage{Type: models.SignalTypeInvite, CalleeID: calleeID, Offer: raw(offer)})

	ringing := single(h.t, callerConn)
	require.Equal(h.t, models.SignalTypeRinging, ringing.Type)

	incoming := single(h.t, calleeConn)
	require.Equal(h.t, models.SignalTypeIncomingInvite, incoming.Type)
	require.Equal(h.t, ringing.SessionID, incoming.SessionID)
	return ringing.SessionID
}

func TestInviteDeliversOffer(t *testing.T) {
	h := newHarness(t, Config{})
	a, aConn := h.register("A")
	_, bConn := h.register("B")

	h.send(a, models.SignalMessage{Type: models.SignalTypeInvite, CalleeID: "B", Offer: raw(`"O1"`)})

	incoming := single(t, bConn)
	assert.Equal(t, models.SignalTypeIncomingInvite, incoming.Type)
	assert.Equal(t, "S1", incoming.SessionID)
	assert.Equal(t, "A", incoming.CallerID)
	assert.JSONEq(t, `"O1"`, string(incoming.Offer))

	ringing := single(t, aConn)
	assert.Equal(t, models.SignalTypeRinging, ringing.Type)
	assert.Equal(t, "S1", ringing.SessionID)
	assert.Equal(t, "B", ringing.CalleeID)
}

func TestAcceptForwardsAnswer(t *testing.T) {
	h := newHarness(t, Config{})
	a, aConn := h.register("A")
	b, bConn := h.register("B")
	id := h.invite(a, aConn, bConn, "B", `"O1"`)

	h.send(b, models.SignalMessage{Type: models.SignalTypeAccept, SessionID: id, Answer: raw(`"A1"`)})

	answered := single(t, aConn)
	assert.Equal(t, models.SignalTypeAnswered, answered.Type)
	assert.Equal(t, id, answered.SessionID)
	assert.JSONEq(t, `"A1"`, string(answered.Answer))
	assert.Empty(t, bConn.take())

	s, err := h.store.Get(id)
	require.NoError(t, err)
	assert.Equal(t, session.StateActive, s.State())

	// a second accept is reported to the sender only and changes nothing
	h.send(b, models.SignalMessage{Type: models.SignalTypeAccept, SessionID: id, Answer: raw(`"A2"`)})
	errMsg := single(t, bConn)
	assert.Equal(t, models.CodeInvalidTransition, errMsg.Code)
	assert.Empty(t, aConn.take())
	assert.Equal(t, session.StateActive, s.State())
}

func TestRejectFreesBothParties(t *testing.T) {
	h := newHarness(t, Config{})
	a, aConn := h.register("A")
	b, bConn := h.register("B")
	id := h.invite(a, aConn, bConn, "B", `"O1"`)

	h.send(b, models.SignalMessage{Type: models.SignalTypeReject, SessionID: id})

	reject := single(t, aConn)
	assert.Equal(t, models.SignalTypeReject, reject.Type)
	assert.Equal(t, id, reject.SessionID)
	assert.Zero(t, h.store.Live())

	again := h.invite(a, aConn, bConn, "B", `"O2"`)
	assert.NotEqual(t, id, again)

	require.Len(t, h.directory.records, 1)
	assert.Equal(t, "rejected", h.directory.records[0].State)
	assert.Nil(t, h.directory.records[0].AnsweredAt)
}

func TestRingTimeoutNotifiesCallerOnly(t *testing.T) {
	h := newHarness(t, Config{})
	a, aConn := h.register("A")
	b, bConn := h.register("B")
	id := h.invite(a, aConn, bConn, "B", `"O1"`)

	h.timers.fire(0)

	notAnswered := single(t, aConn)
	assert.Equal(t, models.SignalTypeNotAnswered, notAnswered.Type)
	assert.Equal(t, id, notAnswered.SessionID)
	assert.Empty(t, bConn.take())

	s, err := h.store.Get(id)
	require.NoError(t, err)
	assert.Equal(t, session.StateTimedOut, s.State())

	// late accept is ignored and only the callee hears about it
	h.send(b, models.SignalMessage{Type: models.SignalTypeAccept, SessionID: id, Answer: raw(`"A1"`)})
	assert.Equal(t, models.CodeInvalidTransition, single(t, bConn).Code)
	assert.Empty(t, aConn.take())

	// the timer firing again changes nothing
	h.timers.fire(0)
	assert.Empty(t, aConn.take())
	require.Len(t, h.directory.records, 1)
	assert.Equal(t, "timed_out", h.directory.records[0].State)
}

func TestDisconnectEndsActiveCallOnce(t *testing.T) {
	h := newHarness(t, Config{})
	a, aConn := h.register("A")
	b, bConn := h.register("B")
	id := h.invite(a, aConn, bConn, "B", `"O1"`)
	h.send(b, models.SignalMessage{Type: models.SignalTypeAccept, SessionID: id, Answer: raw(`"A1"`)})
	aConn.take()

	b.Close()
	b.Close()

	assert.False(t, h.registry.IsRegistered("B"))
	ended := single(t, aConn)
	assert.Equal(t, models.SignalTypeHangup, ended.Type)
	assert.Equal(t, models.ReasonDisconnected, ended.Reason)
	assert.Equal(t, id, ended.SessionID)

	s, err := h.store.Get(id)
	require.NoError(t, err)
	assert.Equal(t, session.StateEnded, s.State())
	_, online := h.directory.online["B"]
	assert.False(t, online)

	require.Len(t, h.directory.records, 1)
	assert.NotNil(t, h.directory.records[0].AnsweredAt)
}

func TestDisconnectWhileRingingCancels(t *testing.T) {
	h := newHarness(t, Config{})
	a, aConn := h.register("A")
	_, bConn := h.register("B")
	id := h.invite(a, aConn, bConn, "B", `"O1"`)

	a.Close()

	hangup := single(t, bConn)
	assert.Equal(t, models.SignalTypeHangup, hangup.Type)
	assert.Equal(t, id, hangup.SessionID)

	s, _ := h.store.Get(id)
	assert.Equal(t, session.StateCancelled, s.State())
}

func TestHangupNotifiesOtherParty(t *testing.T) {
	h := newHarness(t, Config{})
	a, aConn := h.register("A")
	b, bConn := h.register("B")
	id := h.invite(a, aConn, bConn, "B", `"O1"`)
	h.send(b, models.SignalMessage{Type: models.SignalTypeAccept, SessionID: id, Answer: raw(`"A1"`)})
	aConn.take()

	h.send(a, models.SignalMessage{Type: models.SignalTypeHangup, SessionID: id})

	hangup := single(t, bConn)
	assert.Equal(t, models.SignalTypeHangup, hangup.Type)
	assert.Equal(t, models.ReasonHangup, hangup.Reason)
	assert.Empty(t, aConn.take())

	// a duplicate hangup is late and the session is retained, so it is invalid
	h.send(a, models.SignalMessage{Type: models.SignalTypeHangup, SessionID: id})
	assert.Equal(t, models.CodeInvalidTransition, single(t, aConn).Code)
	assert.Empty(t, bConn.take())
}

func TestInviteFailures(t *testing.T) {
	h := newHarness(t, Config{})
	a, aConn := h.register("A")
	_, bConn := h.register("B")
	c, cConn := h.register("C")

	h.send(a, models.SignalMessage{Type: models.SignalTypeInvite, CalleeID: "nobody", Offer: raw(`"O"`)})
	assert.Equal(t, models.CodeCalleeOffline, single(t, aConn).Code)

	h.send(a, models.SignalMessage{Type: models.SignalTypeInvite, CalleeID: "A", Offer: raw(`"O"`)})
	assert.Equal(t, models.CodeProtocolError, single(t, aConn).Code)

	h.invite(a, aConn, bConn, "B", `"O1"`)

	h.send(c, models.SignalMessage{Type: models.SignalTypeInvite, CalleeID: "B", Offer: raw(`"O"`)})
	assert.Equal(t, models.CodeAlreadyInSession, single(t, cConn).Code)
	assert.Empty(t, bConn.take())
}

func TestCandidatesRelayedInOrder(t *testing.T) {
	h := newHarness(t, Config{})
	a, aConn := h.register("A")
	b, bConn := h.register("B")
	id := h.invite(a, aConn, bConn, "B", `"O1"`)

	// caller candidates reach the callee at once
	h.send(a, models.SignalMessage{Type: models.SignalTypeCandidate, SessionID: id, Candidate: raw(`"a1"`)})
	fwd := single(t, bConn)
	assert.Equal(t, models.SignalTypeCandidate, fwd.Type)
	assert.Equal(t, "A", fwd.From)
	assert.JSONEq(t, `"a1"`, string(fwd.Candidate))

	// callee candidates wait for the answer
	for _, c := range []string{`"b1"`, `"b2"`, `"b3"`} {
		h.send(b, models.SignalMessage{Type: models.SignalTypeCandidate, SessionID: id, Candidate: raw(c)})
	}
	assert.Empty(t, aConn.take(), "never before the answer")

	h.send(b, models.SignalMessage{Type: models.SignalTypeAccept, SessionID: id, Answer: raw(`"A1"`)})

	msgs := aConn.take()
	require.Len(t, msgs, 4)
	assert.Equal(t, models.SignalTypeAnswered, msgs[0].Type)
	for i, want := range []string{`"b1"`, `"b2"`, `"b3"`} {
		assert.Equal(t, models.SignalTypeCandidate, msgs[i+1].Type)
		assert.JSONEq(t, want, string(msgs[i+1].Candidate))
	}

	h.send(b, models.SignalMessage{Type: models.SignalTypeCandidate, SessionID: id, Candidate: raw(`"b4"`)})
	assert.JSONEq(t, `"b4"`, string(single(t, aConn).Candidate))
}

func TestCandidateQueueOverflowReportedToSender(t *testing.T) {
	h := newHarness(t, Config{})
	a, aConn := h.register("A")
	b, bConn := h.register("B")
	id := h.invite(a, aConn, bConn, "B", `"O1"`)

	for i := 0; i < 4; i++ {
		h.send(b, models.SignalMessage{Type: models.SignalTypeCandidate, SessionID: id, Candidate: raw(`"c"`)})
	}
	assert.Empty(t, bConn.take())

	h.send(b, models.SignalMessage{Type: models.SignalTypeCandidate, SessionID: id, Candidate: raw(`"c"`)})
	assert.Equal(t, models.CodeCandidateOverflow, single(t, bConn).Code)
	assert.Empty(t, aConn.take())
}

func TestLateMessageForUnknownSessionIsDropped(t *testing.T) {
	h := newHarness(t, Config{})
	a, aConn := h.register("A")

	h.send(a, models.SignalMessage{Type: models.SignalTypeHangup, SessionID: "gone"})
	h.send(a, models.SignalMessage{Type: models.SignalTypeCandidate, SessionID: "gone", Candidate: raw(`"c"`)})

	assert.Empty(t, aConn.take())
	assert.Equal(t, 2.0, testutil.ToFloat64(h.router.metrics.ErrorsTotal.WithLabelValues("session_not_found")))
}

func TestOutsiderCannotActOnSession(t *testing.T) {
	h := newHarness(t, Config{})
	a, aConn := h.register("A")
	_, bConn := h.register("B")
	c, cConn := h.register("C")
	id := h.invite(a, aConn, bConn, "B", `"O1"`)

	h.send(c, models.SignalMessage{Type: models.SignalTypeAccept, SessionID: id, Answer: raw(`"X"`)})
	assert.Equal(t, models.CodeForbidden, single(t, cConn).Code)

	h.send(c, models.SignalMessage{Type: models.SignalTypeCandidate, SessionID: id, Candidate: raw(`"X"`)})
	assert.Equal(t, models.CodeForbidden, single(t, cConn).Code)

	assert.Empty(t, aConn.take())
	assert.Empty(t, bConn.take())
}

func TestProtocolErrorsKeepConnectionOpen(t *testing.T) {
	h := newHarness(t, Config{})
	p, conn := h.connect("")

	p.Handle(context.Background(), []byte(`{"type":"teleport"}`))
	assert.Equal(t, models.CodeProtocolError, single(t, conn).Code)

	p.Handle(context.Background(), []byte(`not json`))
	assert.Equal(t, models.CodeProtocolError, single(t, conn).Code)

	h.send(p, models.SignalMessage{Type: models.SignalTypeHangup, SessionID: "S1"})
	assert.Equal(t, models.CodeNotRegistered, single(t, conn).Code)

	assert.False(t, conn.closed)

	h.send(p, models.SignalMessage{Type: models.SignalTypeRegister, EndpointID: "A"})
	assert.Equal(t, models.SignalTypeRegistered, single(t, conn).Type)
}

func TestRegisterHonoursTokenIdentity(t *testing.T) {
	h := newHarness(t, Config{})
	p, conn := h.connect("alice")

	h.send(p, models.SignalMessage{Type: models.SignalTypeRegister, EndpointID: "mallory"})
	assert.Equal(t, models.CodeForbidden, single(t, conn).Code)
	assert.False(t, h.registry.IsRegistered("mallory"))

	h.send(p, models.SignalMessage{Type: models.SignalTypeRegister, EndpointID: "alice"})
	assert.Equal(t, models.SignalTypeRegistered, single(t, conn).Type)

	h.send(p, models.SignalMessage{Type: models.SignalTypeRegister, EndpointID: "alice"})
	assert.Equal(t, models.SignalTypeRegistered, single(t, conn).Type, "re-register is idempotent")
}

func TestReRegistrationSupersedesWithoutEndingCall(t *testing.T) {
	h := newHarness(t, Config{})
	a, aConn := h.register("A")
	oldB, oldBConn := h.register("B")
	id := h.invite(a, aConn, oldBConn, "B", `"O1"`)

	newB, newBConn := h.register("B")

	forced := single(t, oldBConn)
	assert.Equal(t, models.SignalTypeForcedDisconnect, forced.Type)
	assert.True(t, oldBConn.closed)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.router.metrics.SupersededTotal))

	// messages still in flight on the old connection are dropped
	h.send(oldB, models.SignalMessage{Type: models.SignalTypeReject, SessionID: id})
	assert.Empty(t, aConn.take())

	// the old connection closing does not end the call
	oldB.Close()
	assert.True(t, h.registry.IsRegistered("B"))
	assert.Empty(t, aConn.take())
	assert.Equal(t, "conn-3", h.directory.online["B"])

	h.send(newB, models.SignalMessage{Type: models.SignalTypeAccept, SessionID: id, Answer: raw(`"A1"`)})
	assert.Equal(t, models.SignalTypeAnswered, single(t, aConn).Type)
	assert.Empty(t, newBConn.take())
}

func TestRateLimit(t *testing.T) {
	h := newHarness(t, Config{MessagesPerSecond: 0.001, MessageBurst: 2})
	p, conn := h.connect("")

	h.send(p, models.SignalMessage{Type: models.SignalTypeRegister, EndpointID: "A"})
	h.send(p, models.SignalMessage{Type: models.SignalTypeRegister, EndpointID: "A"})
	h.send(p, models.SignalMessage{Type: models.SignalTypeRegister, EndpointID: "A"})

	msgs := conn.take()
	require.Len(t, msgs, 3)
	assert.Equal(t, models.SignalTypeRegistered, msgs[1].Type)
	assert.Equal(t, models.CodeRateLimited, msgs[2].Code)
}

func TestConcurrentCallerHangupAndCalleeAccept(t *testing.T) {
	for i := 0; i < 50; i++ {
		h := newHarness(t, Config{})
		a, aConn := h.register("A")
		b, bConn := h.register("B")
		id := h.invite(a, aConn, bConn, "B", `"O1"`)

		// each connection is driven by its own goroutine, as the transport does
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			h.send(a, models.SignalMessage{Type: models.SignalTypeHangup, SessionID: id})
		}()
		go func() {
			defer wg.Done()
			h.send(b, models.SignalMessage{Type: models.SignalTypeAccept, SessionID: id, Answer: raw(`"A1"`)})
		}()
		wg.Wait()

		s, err := h.store.Get(id)
		require.NoError(t, err)
		callerMsgs := aConn.take()
		calleeMsgs := bConn.take()

		var hangups, rejected int
		for _, m := range calleeMsgs {
			switch {
			case m.Type == models.SignalTypeHangup:
				hangups++
			case m.Code == models.CodeInvalidTransition:
				rejected++
			default:
				t.Fatalf("unexpected callee message %+v", m)
			}
		}
		assert.Equal(t, 1, hangups, "callee hears the hangup exactly once")

		switch s.State() {
		case session.StateEnded:
			// accept won, the hangup then ended the active call
			require.Len(t, callerMsgs, 1)
			assert.Equal(t, models.SignalTypeAnswered, callerMsgs[0].Type)
			assert.Zero(t, rejected)
		case session.StateCancelled:
			// hangup won, the late accept is refused
			assert.Empty(t, callerMsgs)
			assert.Equal(t, 1, rejected)
		default:
			t.Fatalf("unexpected state %s", s.State())
		}
		assert.Zero(t, h.store.Live())
	}
}

func TestConcurrentAcceptAndTimeout(t *testing.T) {
	for i := 0; i < 50; i++ {
		h := newHarness(t, Config{})
		a, aConn := h.register("A")
		b, bConn := h.register("B")
		id := h.invite(a, aConn, bConn, "B", `"O1"`)

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			h.send(b, models.SignalMessage{Type: models.SignalTypeAccept, SessionID: id, Answer: raw(`"A1"`)})
		}()
		go func() {
			defer wg.Done()
			h.timers.fire(0)
		}()
		wg.Wait()

		callerMsgs := aConn.take()
		require.Len(t, callerMsgs, 1)
		calleeMsgs := bConn.take()

		switch callerMsgs[0].Type {
		case models.SignalTypeAnswered:
			assert.Empty(t, calleeMsgs)
		case models.SignalTypeNotAnswered:
			require.Len(t, calleeMsgs, 1)
			assert.Equal(t, models.CodeInvalidTransition, calleeMsgs[0].Code)
		default:
			t.Fatalf("unexpected caller message %q", callerMsgs[0].Type)
		}
	}
}

func TestCandidateToOfflinePartyReportedToSender(t *testing.T) {
	h := newHarness(t, Config{})
	a, aConn := h.register("A")
	b, bConn := h.register("B")
	id := h.invite(a, aConn, bConn, "B", `"O1"`)
	h.send(b, models.SignalMessage{Type: models.SignalTypeAccept, SessionID: id, Answer: raw(`"A1"`)})
	aConn.take()

	// B's connection is gone but its close has not ended the session yet
	require.True(t, h.registry.Unregister("B", bConn))

	h.send(a, models.SignalMessage{Type: models.SignalTypeCandidate, SessionID: id, Candidate: raw(`"a1"`)})

	reply := single(t, aConn)
	assert.Equal(t, models.SignalTypeError, reply.Type)
	assert.Equal(t, models.CodeEndpointOffline, reply.Code)
	assert.Equal(t, id, reply.SessionID)
	assert.Empty(t, bConn.take())

	s, err := h.store.Get(id)
	require.NoError(t, err)
	assert.Equal(t, session.StateActive, s.State(), "not fatal to the session")
}

func TestAcceptWithOfflineCallerReportedToCallee(t *testing.T) {
	h := newHarness(t, Config{})
	a, aConn := h.register("A")
	b, bConn := h.register("B")
	id := h.invite(a, aConn, bConn, "B", `"O1"`)

	h.send(b, models.SignalMessage{Type: models.SignalTypeCandidate, SessionID: id, Candidate: raw(`"b1"`)})
	require.True(t, h.registry.Unregister("A", aConn))

	h.send(b, models.SignalMessage{Type: models.SignalTypeAccept, SessionID: id, Answer: raw(`"A1"`)})

	reply := single(t, bConn)
	assert.Equal(t, models.CodeEndpointOffline, reply.Code)
	assert.Empty(t, aConn.take())
	assert.Equal(t, 1.0, testutil.ToFloat64(h.router.metrics.ErrorsTotal.WithLabelValues(models.CodeEndpointOffline)))
}

func TestKeepAliveRefreshesPresence(t *testing.T) {
	h := newHarness(t, Config{})

	anon, _ := h.connect("")
	anon.KeepAlive(context.Background())
	assert.Empty(t, h.directory.refreshed())

	a, _ := h.register("A")
	a.KeepAlive(context.Background())
	a.KeepAlive(context.Background())
	assert.Equal(t, []string{"A/conn-2", "A/conn-2"}, h.directory.refreshed())

	// a superseded connection no longer speaks for the endpoint
	h.register("A")
	a.KeepAlive(context.Background())
	assert.Len(t, h.directory.refreshed(), 2)
}

func TestKeepAliveRefreshIsThrottled(t *testing.T) {
	h := newHarness(t, Config{PresenceRefresh: time.Hour})
	a, _ := h.register("A")

	a.KeepAlive(context.Background())
	assert.Empty(t, h.directory.refreshed())

	a.refreshed = time.Now().Add(-2 * time.Hour)
	a.KeepAlive(context.Background())
	assert.Equal(t, []string{"A/conn-1"}, h.directory.refreshed())

	a.KeepAlive(context.Background())
	assert.Len(t, h.directory.refreshed(), 1)
}

package call_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/matrix-org/duet/pkg/call"
	"github.com/matrix-org/duet/pkg/media"
	"github.com/matrix-org/duet/pkg/notify"
	"github.com/matrix-org/duet/pkg/peer"
	"github.com/matrix-org/duet/pkg/signaling"
	"github.com/matrix-org/duet/pkg/signaling/bus"
	"github.com/matrix-org/duet/pkg/store"
	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	caller = "acme"
	callee = "globex"
)

// A peer connection that only records what the session asks of it.
type fakeConnection struct {
	sink        *call.PeerSink
	autoConnect bool

	mutex      sync.Mutex
	remoteSDPs []string
	remote     bool
	candidates []webrtc.ICECandidateInit
	terminated bool
}

func (c *fakeConnection) CreateOffer() (string, error) {
	if c.autoConnect {
		go c.post(peer.NewICECandidate{Candidate: webrtc.ICECandidateInit{Candidate: "candidate:offerer 1 udp 1 192.0.2.1 1 typ host"}})
	}

	return "offer-sdp", nil
}

func (c *fakeConnection) ApplyOffer(sdp string) error {
	return c.applyRemote(sdp)
}

func (c *fakeConnection) CreateAnswer() (string, error) {
	if c.autoConnect {
		go func() {
			c.post(peer.NewICECandidate{Candidate: webrtc.ICECandidateInit{Candidate: "candidate:answerer 1 udp 1 192.0.2.2 1 typ host"}})
			c.post(peer.ICEConnectionStateChanged{State: webrtc.ICEConnectionStateConnected})
		}()
	}

	return "answer-sdp", nil
}

func (c *fakeConnection) ApplyAnswer(sdp string) error {
	if err := c.applyRemote(sdp); err != nil {
		return err
	}

	if c.autoConnect {
		go c.post(peer.ICEConnectionStateChanged{State: webrtc.ICEConnectionStateConnected})
	}

	return nil
}

func (c *fakeConnection) applyRemote(sdp string) error {
	if sdp == "" {
		return peer.ErrCantSetRemoteDescription
	}

	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.remote = true
	c.remoteSDPs = append(c.remoteSDPs, sdp)
	return nil
}

func (c *fakeConnection) HasRemoteDescription() bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	return c.remote
}

func (c *fakeConnection) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.candidates = append(c.candidates, candidate)
	return nil
}

func (c *fakeConnection) Terminate() {
	c.mutex.Lock()
	c.terminated = true
	c.mutex.Unlock()

	c.sink.Seal()
}

func (c *fakeConnection) post(message peer.MessageContent) {
	_ = c.sink.Send(message)
}

func (c *fakeConnection) appliedCandidates() []webrtc.ICECandidateInit {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	return append([]webrtc.ICECandidateInit(nil), c.candidates...)
}

func (c *fakeConnection) remoteDescriptions() []string {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	return append([]string(nil), c.remoteSDPs...)
}

func (c *fakeConnection) isTerminated() bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	return c.terminated
}

type fakeConnector struct {
	autoConnect bool

	mutex       sync.Mutex
	connections []*fakeConnection
}

func (f *fakeConnector) Connect(_ []webrtc.TrackLocal, sink *call.PeerSink, _ *logrus.Entry) (call.Connection, error) {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	connection := &fakeConnection{sink: sink, autoConnect: f.autoConnect}
	f.connections = append(f.connections, connection)
	return connection, nil
}

func (f *fakeConnector) count() int {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	return len(f.connections)
}

func (f *fakeConnector) connection(index int) *fakeConnection {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	return f.connections[index]
}

// A device that hangs until the session gives up on it.
type blockingDevice struct{}

func (blockingDevice) Open(ctx context.Context, _ media.Constraints) ([]media.Source, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (blockingDevice) RegisterCodecs(mediaEngine *webrtc.MediaEngine) error {
	return mediaEngine.RegisterDefaultCodecs()
}

// A device with one track that counts how often it was stopped.
type countingDevice struct {
	stops atomic.Int32
}

func (d *countingDevice) Open(_ context.Context, _ media.Constraints) ([]media.Source, error) {
	track, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", "test")
	if err != nil {
		return nil, err
	}

	return []media.Source{{Track: track, Stop: func() error {
		d.stops.Add(1)
		return nil
	}}}, nil
}

func (d *countingDevice) RegisterCodecs(mediaEngine *webrtc.MediaEngine) error {
	return mediaEngine.RegisterDefaultCodecs()
}

type harness struct {
	bus    *bus.Memory
	store  store.Store
	roomID string
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	memory := bus.NewMemory()
	t.Cleanup(func() { memory.Close() })

	records, err := store.OpenSQLite(":memory:", 20*time.Millisecond)
	require.NoError(t, err)
	t.Cleanup(func() { records.Close() })

	now := time.Now()
	record := store.Record{
		RoomID:    store.NewRoomID(caller, callee, now),
		CallerID:  caller,
		CalleeID:  callee,
		Status:    store.StatusPending,
		CreatedAt: now,
	}
	require.NoError(t, records.Create(context.Background(), record))

	return &harness{bus: memory, store: records, roomID: record.RoomID}
}

type options struct {
	connector *fakeConnector
	notifier  *notify.Recorder
	device    media.Device
	config    call.Config
}

func (h *harness) start(t *testing.T, role signaling.Role, opts options) *call.Session {
	t.Helper()

	if opts.connector == nil {
		opts.connector = &fakeConnector{}
	}
	if opts.notifier == nil {
		opts.notifier = &notify.Recorder{}
	}
	if opts.device == nil {
		opts.device = media.SyntheticDevice{}
	}
	if opts.config == (call.Config{}) {
		opts.config = call.Config{SettleDelay: -1}
	}

	local, remote := caller, callee
	if role == signaling.RoleCallee {
		local, remote = callee, caller
	}

	session, err := call.Start(context.Background(), call.Dependencies{
		Bus:       h.bus,
		Store:     h.store,
		Media:     media.NewManager(opts.device, logrus.WithField("test", t.Name())),
		Connector: opts.connector,
		Notifier:  opts.notifier,
	}, call.Params{
		RoomID:      h.roomID,
		LocalID:     local,
		RemoteID:    remote,
		Role:        role,
		Config:      opts.config,
		Constraints: media.DefaultConstraints(),
	})
	require.NoError(t, err)

	t.Cleanup(func() {
		session.Hangup()
		<-session.Done()
	})

	return session
}

// The other side of the call, speaking raw signaling.
func (h *harness) partner(t *testing.T, role signaling.Role) *signaling.Transport {
	t.Helper()

	local, remote := caller, callee
	if role == signaling.RoleCallee {
		local, remote = callee, caller
	}

	transport, err := signaling.Open(context.Background(), h.bus, signaling.Endpoint{
		RoomID:   h.roomID,
		LocalID:  local,
		RemoteID: remote,
		Role:     role,
	}, signaling.Config{})
	require.NoError(t, err)
	t.Cleanup(transport.Close)

	return transport
}

func (h *harness) status(t *testing.T) store.Status {
	t.Helper()

	record, err := h.store.Get(context.Background(), h.roomID)
	require.NoError(t, err)
	return record.Status
}

func (h *harness) eventuallyStatus(t *testing.T, status store.Status) {
	t.Helper()

	require.Eventually(t, func() bool { return h.status(t) == status }, 2*time.Second, 10*time.Millisecond)
}

func collect(t *testing.T, transport *signaling.Transport, kind signaling.Kind) <-chan signaling.Envelope {
	t.Helper()

	received := make(chan signaling.Envelope, 16)
	require.NoError(t, transport.OnMessage(kind, func(envelope signaling.Envelope) {
		received <- envelope
	}))

	return received
}

func expect(t *testing.T, received <-chan signaling.Envelope) signaling.Envelope {
	t.Helper()

	select {
	case envelope := <-received:
		return envelope
	case <-time.After(2 * time.Second):
		t.Fatal("message not received")
		return signaling.Envelope{}
	}
}

func expectNothing(t *testing.T, received <-chan signaling.Envelope) {
	t.Helper()

	select {
	case envelope := <-received:
		t.Fatalf("unexpected %s message", envelope.Kind())
	case <-time.After(200 * time.Millisecond):
	}
}

func waitForState(t *testing.T, session *call.Session, state call.State) {
	t.Helper()

	require.Eventually(t, func() bool { return session.State() == state }, 2*time.Second, 10*time.Millisecond,
		"expected %s, got %s", state, session.State())
}

func waitDone(t *testing.T, session *call.Session) {
	t.Helper()

	select {
	case <-session.Done():
	case <-time.After(3 * time.Second):
		t.Fatalf("session did not end, state %s", session.State())
	}
}

func iceCandidate(n int) signaling.ICECandidate {
	mid := "0"
	return signaling.ICECandidate{Candidate: webrtc.ICECandidateInit{
		Candidate: fmt.Sprintf("candidate:%d 1 udp 2130706431 192.0.2.%d 50000 typ host", n, n),
		SDPMid:    &mid,
	}}
}

func TestCanTransition(t *testing.T) {
	assert.True(t, call.CanTransition(call.StateInitializing, call.StateCalling))
	assert.True(t, call.CanTransition(call.StateRinging, call.StateConnecting))
	assert.True(t, call.CanTransition(call.StateConnected, call.StateConnecting))
	assert.True(t, call.CanTransition(call.StateInitializing, call.StateEnded))
	assert.False(t, call.CanTransition(call.StateCalling, call.StateConnected))
	assert.False(t, call.CanTransition(call.StateEnded, call.StateConnecting))
	assert.False(t, call.CanTransition(call.StateFailed, call.StateEnded))
}

func TestStart_InvalidParams(t *testing.T) {
	_, err := call.Start(context.Background(), call.Dependencies{}, call.Params{RoomID: "room"})
	assert.ErrorIs(t, err, call.ErrInvalidParams)
}

func TestInitiator_OffersOnceWhenCalleeIsReady(t *testing.T) {
	h := newHarness(t)
	connector := &fakeConnector{}
	session := h.start(t, signaling.RoleInitiator, options{connector: connector})

	waitForState(t, session, call.StateCalling)
	h.eventuallyStatus(t, store.StatusCalling)

	partner := h.partner(t, signaling.RoleCallee)
	offers := collect(t, partner, signaling.KindOffer)

	offer := expect(t, offers)
	assert.Equal(t, caller, offer.From)
	assert.Equal(t, signaling.Offer{SDP: "offer-sdp"}, offer.Message)

	// The callee announcing itself again never produces a second offer.
	partner.Send(signaling.CalleeReady{})
	expectNothing(t, offers)
	assert.Equal(t, 1, connector.count())
}

func TestInitiator_SettleDelay(t *testing.T) {
	h := newHarness(t)
	partner := h.partner(t, signaling.RoleCallee)
	offers := collect(t, partner, signaling.KindOffer)

	// The callee announced itself before the initiator was listening.
	session := h.start(t, signaling.RoleInitiator, options{config: call.Config{SettleDelay: 50}})

	expect(t, offers)
	assert.Equal(t, call.StateCalling, session.State())
}

func TestInitiator_NoSecondOfferForLateCallee(t *testing.T) {
	h := newHarness(t)

	// Everything broadcast in the room, whoever listens.
	subscription, err := h.bus.Subscribe(context.Background(), h.roomID)
	require.NoError(t, err)
	t.Cleanup(subscription.Close)

	connector := &fakeConnector{}
	h.start(t, signaling.RoleInitiator, options{connector: connector, config: call.Config{SettleDelay: 20}})

	// The settle delay sends the offer while the callee is not listening yet.
	require.Eventually(t, func() bool { return connector.count() == 1 }, 2*time.Second, 10*time.Millisecond)

	partner := h.partner(t, signaling.RoleCallee)
	offers := collect(t, partner, signaling.KindOffer)
	partner.Send(signaling.CalleeReady{})
	expectNothing(t, offers)

	broadcast := 0
	for {
		select {
		case data := <-subscription.Messages():
			envelope, err := signaling.Decode(data)
			require.NoError(t, err)
			if envelope.Kind() == signaling.KindOffer {
				broadcast++
			}
			continue
		default:
		}
		break
	}

	assert.Equal(t, 1, broadcast)
	assert.Equal(t, 1, connector.count())
}

func TestCallee_IgnoresThirdParty(t *testing.T) {
	h := newHarness(t)
	connector := &fakeConnector{}
	session := h.start(t, signaling.RoleCallee, options{connector: connector})
	waitForState(t, session, call.StateRinging)

	intruder, err := signaling.Open(context.Background(), h.bus, signaling.Endpoint{
		RoomID:   h.roomID,
		LocalID:  "initech",
		RemoteID: callee,
		Role:     signaling.RoleInitiator,
	}, signaling.Config{})
	require.NoError(t, err)
	t.Cleanup(intruder.Close)

	intruder.Send(signaling.Offer{SDP: "intruder-offer"})
	intruder.Send(signaling.CallEnded{Reason: "hangup"})

	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, call.StateRinging, session.State())
	assert.Zero(t, connector.count())

	// The real caller still gets through.
	partner := h.partner(t, signaling.RoleInitiator)
	answers := collect(t, partner, signaling.KindAnswer)
	partner.Send(signaling.Offer{SDP: "offer-sdp"})
	expect(t, answers)
	assert.Equal(t, 1, connector.count())
}

func TestInitiator_QueuesCandidatesUntilAnswer(t *testing.T) {
	h := newHarness(t)
	connector := &fakeConnector{}
	session := h.start(t, signaling.RoleInitiator, options{connector: connector})
	waitForState(t, session, call.StateCalling)

	partner := h.partner(t, signaling.RoleCallee)
	expect(t, collect(t, partner, signaling.KindOffer))

	for i := 1; i <= 5; i++ {
		partner.Send(iceCandidate(i))
	}
	partner.Send(iceCandidate(1))

	require.Eventually(t, func() bool { return session.PendingCandidates() == 5 }, 2*time.Second, 10*time.Millisecond)

	partner.Send(signaling.Answer{SDP: "answer-sdp"})
	waitForState(t, session, call.StateConnecting)

	connection := connector.connection(0)
	require.Eventually(t, func() bool { return len(connection.appliedCandidates()) == 5 }, 2*time.Second, 10*time.Millisecond)
	for i, applied := range connection.appliedCandidates() {
		assert.Equal(t, iceCandidate(i+1).Candidate, applied)
	}
	assert.Zero(t, session.PendingCandidates())

	// Once the remote description is known, candidates are applied right away.
	partner.Send(iceCandidate(6))
	require.Eventually(t, func() bool { return len(connection.appliedCandidates()) == 6 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, iceCandidate(6).Candidate, connection.appliedCandidates()[5])
}

func TestInitiator_OnlyFirstAnswerCounts(t *testing.T) {
	h := newHarness(t)
	connector := &fakeConnector{}
	session := h.start(t, signaling.RoleInitiator, options{connector: connector})
	waitForState(t, session, call.StateCalling)

	partner := h.partner(t, signaling.RoleCallee)
	expect(t, collect(t, partner, signaling.KindOffer))

	partner.Send(signaling.Answer{SDP: "answer-1"})
	partner.Send(signaling.Answer{SDP: "answer-2"})
	waitForState(t, session, call.StateConnecting)

	// Give the second answer a chance to be processed.
	partner.Send(iceCandidate(1))
	connection := connector.connection(0)
	require.Eventually(t, func() bool { return len(connection.appliedCandidates()) == 1 }, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, []string{"answer-1"}, connection.remoteDescriptions())
}

func TestCallee_AnswersAndIgnoresRepeatedOffer(t *testing.T) {
	h := newHarness(t)
	partner := h.partner(t, signaling.RoleInitiator)
	ready := collect(t, partner, signaling.KindCalleeReady)
	answers := collect(t, partner, signaling.KindAnswer)

	connector := &fakeConnector{}
	session := h.start(t, signaling.RoleCallee, options{connector: connector})

	expect(t, ready)
	waitForState(t, session, call.StateRinging)

	partner.Send(iceCandidate(1))
	partner.Send(signaling.Offer{SDP: "offer-1"})

	answer := expect(t, answers)
	assert.Equal(t, signaling.Answer{SDP: "answer-sdp"}, answer.Message)
	assert.Equal(t, caller, answer.To)
	waitForState(t, session, call.StateConnecting)

	first := connector.connection(0)
	assert.Equal(t, []string{"offer-1"}, first.remoteDescriptions())
	assert.Len(t, first.appliedCandidates(), 1)

	partner.Send(signaling.Offer{SDP: "offer-1"})
	expectNothing(t, answers)
	assert.Equal(t, 1, connector.count())

	// A different offer means the initiator started over.
	partner.Send(signaling.Offer{SDP: "offer-2"})
	expect(t, answers)
	assert.Equal(t, 2, connector.count())
	assert.True(t, first.isTerminated())
	assert.Equal(t, []string{"offer-2"}, connector.connection(1).remoteDescriptions())
}

func TestSession_ConnectedOnICE(t *testing.T) {
	h := newHarness(t)
	partner := h.partner(t, signaling.RoleInitiator)
	answers := collect(t, partner, signaling.KindAnswer)

	connector := &fakeConnector{}
	notifier := &notify.Recorder{}
	session := h.start(t, signaling.RoleCallee, options{connector: connector, notifier: notifier})
	waitForState(t, session, call.StateRinging)

	partner.Send(signaling.Offer{SDP: "offer-1"})
	expect(t, answers)

	connection := connector.connection(0)
	connection.post(peer.ICEConnectionStateChanged{State: webrtc.ICEConnectionStateChecking})
	connection.post(peer.ICEConnectionStateChanged{State: webrtc.ICEConnectionStateConnected})

	waitForState(t, session, call.StateConnected)
	h.eventuallyStatus(t, store.StatusConnected)
	assert.Contains(t, notifier.Toasts(), notify.TextConnected)

	record, err := h.store.Get(context.Background(), h.roomID)
	require.NoError(t, err)
	assert.NotNil(t, record.StartedAt)
	assert.Nil(t, record.EndedAt)
}

func TestSession_ICEFailureIsTerminal(t *testing.T) {
	h := newHarness(t)
	partner := h.partner(t, signaling.RoleInitiator)
	answers := collect(t, partner, signaling.KindAnswer)

	connector := &fakeConnector{}
	notifier := &notify.Recorder{}
	session := h.start(t, signaling.RoleCallee, options{connector: connector, notifier: notifier})
	waitForState(t, session, call.StateRinging)

	partner.Send(signaling.Offer{SDP: "offer-1"})
	expect(t, answers)

	connector.connection(0).post(peer.ICEConnectionStateChanged{State: webrtc.ICEConnectionStateFailed})

	waitDone(t, session)
	assert.Equal(t, call.StateFailed, session.State())
	assert.ErrorIs(t, session.Err(), call.ErrConnectionFailed)
	assert.Equal(t, store.StatusFailed, h.status(t))
	assert.Contains(t, notifier.Toasts(), notify.TextConnectionFailed)
	assert.Equal(t, 1, connector.count())
	assert.True(t, connector.connection(0).isTerminated())
}

func TestSession_Hangup(t *testing.T) {
	h := newHarness(t)
	device := &countingDevice{}
	notifier := &notify.Recorder{}
	session := h.start(t, signaling.RoleInitiator, options{device: device, notifier: notifier})
	waitForState(t, session, call.StateCalling)

	partner := h.partner(t, signaling.RoleCallee)
	ended := collect(t, partner, signaling.KindCallEnded)

	session.Hangup()
	waitDone(t, session)

	expect(t, ended)
	assert.NoError(t, session.Err())
	assert.Equal(t, call.StateEnded, session.State())
	assert.Equal(t, store.StatusEnded, h.status(t))
	assert.Equal(t, int32(1), device.stops.Load())
	assert.Equal(t, []string{notify.TextCallEnded}, notifier.Toasts())

	// Nothing happens twice.
	session.Hangup()
	assert.Equal(t, int32(1), device.stops.Load())
	assert.Equal(t, 1, len(notifier.Toasts()))
}

func TestSession_RemoteHangup(t *testing.T) {
	h := newHarness(t)
	notifier := &notify.Recorder{}
	session := h.start(t, signaling.RoleInitiator, options{notifier: notifier})
	waitForState(t, session, call.StateCalling)

	partner := h.partner(t, signaling.RoleCallee)
	partner.Send(signaling.CallEnded{Reason: "hangup"})

	waitDone(t, session)
	assert.ErrorIs(t, session.Err(), call.ErrRemoteHangup)
	assert.Equal(t, []string{notify.TextPartnerEnded}, notifier.Toasts())
	assert.Equal(t, store.StatusEnded, h.status(t))
}

func TestSession_RecordFallback(t *testing.T) {
	h := newHarness(t)
	notifier := &notify.Recorder{}
	session := h.start(t, signaling.RoleInitiator, options{notifier: notifier})
	waitForState(t, session, call.StateCalling)

	// The callee declined without ever reaching the signaling channel.
	require.NoError(t, h.store.UpdateStatus(context.Background(), h.roomID, store.StatusEnded, time.Now()))

	waitDone(t, session)
	assert.ErrorIs(t, session.Err(), call.ErrRemoteHangup)
	assert.Equal(t, []string{notify.TextCallDeclined}, notifier.Toasts())
}

func TestSession_MediaDenied(t *testing.T) {
	h := newHarness(t)
	notifier := &notify.Recorder{}
	connector := &fakeConnector{}
	session := h.start(t, signaling.RoleCallee, options{
		connector: connector,
		notifier:  notifier,
		device:    media.SyntheticDevice{Err: media.ErrDeviceDenied},
	})

	waitDone(t, session)
	assert.Equal(t, call.StateFailed, session.State())
	assert.ErrorIs(t, session.Err(), media.ErrDeviceDenied)
	assert.Equal(t, []string{notify.TextMediaDenied}, notifier.Toasts())
	assert.Equal(t, store.StatusFailed, h.status(t))
	assert.Zero(t, connector.count())
}

func TestSession_HangupWhileInitializing(t *testing.T) {
	h := newHarness(t)
	session := h.start(t, signaling.RoleInitiator, options{device: blockingDevice{}})
	assert.Equal(t, call.StateInitializing, session.State())

	session.Hangup()
	waitDone(t, session)

	assert.Equal(t, call.StateEnded, session.State())
	assert.Equal(t, store.StatusEnded, h.status(t))
}

func TestSession_FullCall(t *testing.T) {
	h := newHarness(t)
	initiatorConnector := &fakeConnector{autoConnect: true}
	calleeConnector := &fakeConnector{autoConnect: true}
	initiatorNotifier := &notify.Recorder{}
	calleeNotifier := &notify.Recorder{}

	// No settle delay: the announcement of the callee alone drives the handshake.
	initiator := h.start(t, signaling.RoleInitiator, options{
		connector: initiatorConnector,
		notifier:  initiatorNotifier,
	})
	waitForState(t, initiator, call.StateCalling)

	calleeSession := h.start(t, signaling.RoleCallee, options{connector: calleeConnector, notifier: calleeNotifier})

	waitForState(t, initiator, call.StateConnected)
	waitForState(t, calleeSession, call.StateConnected)
	h.eventuallyStatus(t, store.StatusConnected)

	// The local candidates made it to the other side.
	require.Eventually(t, func() bool {
		return len(initiatorConnector.connection(0).appliedCandidates()) == 1 &&
			len(calleeConnector.connection(0).appliedCandidates()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, 1, initiatorConnector.count())
	assert.Equal(t, 1, calleeConnector.count())

	initiator.Hangup()
	waitDone(t, initiator)
	waitDone(t, calleeSession)

	assert.NoError(t, initiator.Err())
	assert.True(t, errors.Is(calleeSession.Err(), call.ErrRemoteHangup))
	assert.Contains(t, initiatorNotifier.Toasts(), notify.TextCallEnded)
	assert.Contains(t, calleeNotifier.Toasts(), notify.TextPartnerEnded)
	assert.Equal(t, store.StatusEnded, h.status(t))
}

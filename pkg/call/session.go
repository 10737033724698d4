/*
Copyright 2022 The Matrix.org Foundation C.I.C.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package call negotiates a single two-party call: it owns the local media, the signaling
// transport of the room and the peer connection, and drives them from one main loop.
package call

import (
	"context"
	"errors"
	"sync"

	"github.com/matrix-org/duet/pkg/channel"
	"github.com/matrix-org/duet/pkg/common"
	"github.com/matrix-org/duet/pkg/media"
	"github.com/matrix-org/duet/pkg/metrics"
	"github.com/matrix-org/duet/pkg/notify"
	"github.com/matrix-org/duet/pkg/peer"
	"github.com/matrix-org/duet/pkg/signaling"
	"github.com/matrix-org/duet/pkg/signaling/bus"
	"github.com/matrix-org/duet/pkg/store"
	"github.com/matrix-org/duet/pkg/telemetry"
	"github.com/sirupsen/logrus"
)

var (
	ErrInvalidParams     = errors.New("invalid call parameters")
	ErrNegotiationFailed = errors.New("session negotiation failed")
	ErrConnectionFailed  = errors.New("peer connection failed")
	ErrRemoteHangup      = errors.New("the partner ended the call")
)

// Everything a session talks to.
type Dependencies struct {
	Bus       bus.Bus
	Store     store.Store
	Media     *media.Manager
	Connector PeerConnector
	// Defaults to logging the notifications.
	Notifier notify.Notifier
}

type Params struct {
	RoomID   string
	LocalID  string
	RemoteID string
	Role     signaling.Role

	Config      Config
	Signaling   signaling.Config
	Constraints media.Constraints
}

// Session is one participant's side of a call.
type Session struct {
	roomID      string
	role        signaling.Role
	endpoint    signaling.Endpoint
	config      Config
	signaling   signaling.Config
	constraints media.Constraints

	bus       bus.Bus
	media     *media.Manager
	connector PeerConnector
	notifier  notify.Notifier
	records   *storeWorker
	logger    *logrus.Entry
	telemetry *telemetry.Span

	ctx    context.Context //nolint:containedctx
	cancel context.CancelFunc

	// Owned by the main loop.
	state         State
	stream        *media.Stream
	transport     *signaling.Transport
	peer          Connection
	generation    uint64
	remoteOffer   string
	calleeReady   bool
	candidates    candidateQueue
	settle        *common.Countdown
	everConnected bool

	peerMessages      chan channel.Message[uint64, peer.MessageContent]
	signalingMessages chan signaling.Envelope
	commands          chan command
	initialized       chan initResult
	settleElapsed     chan struct{}
	recordChanges     <-chan store.Change

	snapshotMutex sync.Mutex
	snapshot      snapshot

	// Closed when the main loop stops reading.
	loopDone chan struct{}
	// Closed when the session is fully torn down.
	done chan struct{}
}

type snapshot struct {
	state             State
	pendingCandidates int
	err               error
}

// Starts a call session. The session acquires the local media and subscribes to the signaling
// channel in the background; failures are reported through the notifier and `Err`.
// Cancelling `ctx` hangs up.
func Start(ctx context.Context, deps Dependencies, params Params) (*Session, error) {
	if params.RoomID == "" || params.LocalID == "" || params.RemoteID == "" {
		return nil, ErrInvalidParams
	}

	if params.Role != signaling.RoleInitiator && params.Role != signaling.RoleCallee {
		return nil, ErrInvalidParams
	}

	if deps.Bus == nil || deps.Store == nil || deps.Media == nil || deps.Connector == nil {
		return nil, ErrInvalidParams
	}

	logger := logrus.WithFields(logrus.Fields{
		"room_id": params.RoomID,
		"role":    params.Role,
		"remote":  params.RemoteID,
	})

	notifier := deps.Notifier
	if notifier == nil {
		notifier = notify.LogNotifier{Logger: logger}
	}

	sessionCtx, cancel := context.WithCancel(ctx)

	session := &Session{
		roomID: params.RoomID,
		role:   params.Role,
		endpoint: signaling.Endpoint{
			RoomID:   params.RoomID,
			LocalID:  params.LocalID,
			RemoteID: params.RemoteID,
			Role:     params.Role,
		},
		config:            params.Config,
		signaling:         params.Signaling,
		constraints:       params.Constraints,
		bus:               deps.Bus,
		media:             deps.Media,
		connector:         deps.Connector,
		notifier:          notifier,
		records:           newStoreWorker(deps.Store, params.RoomID, params.Config.storeRetryTimeout(), logger),
		logger:            logger,
		ctx:               sessionCtx,
		cancel:            cancel,
		state:             StateInitializing,
		peerMessages:      make(chan channel.Message[uint64, peer.MessageContent], 128),
		signalingMessages: make(chan signaling.Envelope, 256),
		commands:          make(chan command),
		initialized:       make(chan initResult),
		settleElapsed:     make(chan struct{}, 1),
		snapshot:          snapshot{state: StateInitializing},
		loopDone:          make(chan struct{}),
		done:              make(chan struct{}),
	}

	session.telemetry = telemetry.StartCall(ctx, params.RoomID, string(params.Role))

	// The record is the fallback path to learn that the partner is gone when signaling is lost.
	changes, err := deps.Store.Watch(sessionCtx, store.Filter{RoomID: params.RoomID})
	if err != nil {
		logger.WithError(err).Warn("can't watch the call record, relying on signaling only")
	} else {
		session.recordChanges = changes
	}

	metrics.Sessions.WithLabelValues(string(params.Role)).Inc()
	logger.Info("starting call session")

	go session.initialize()
	go session.processMessages()

	return session, nil
}

func (s *Session) RoomID() string {
	return s.roomID
}

func (s *Session) Role() signaling.Role {
	return s.role
}

func (s *Session) RemoteID() string {
	return s.endpoint.RemoteID
}

func (s *Session) State() State {
	s.snapshotMutex.Lock()
	defer s.snapshotMutex.Unlock()

	return s.snapshot.state
}

// Number of remote ICE candidates waiting for the remote description.
func (s *Session) PendingCandidates() int {
	s.snapshotMutex.Lock()
	defer s.snapshotMutex.Unlock()

	return s.snapshot.pendingCandidates
}

// Closed once the session is torn down.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Why the session ended: nil for a local hangup, `ErrRemoteHangup` if the partner hung up,
// the failure otherwise. Only meaningful once `Done` is closed.
func (s *Session) Err() error {
	s.snapshotMutex.Lock()
	defer s.snapshotMutex.Unlock()

	return s.snapshot.err
}

// Ends the call: tells the partner, marks the record as ended and releases everything.
// Calling it on an ended session is a no-op.
func (s *Session) Hangup() {
	s.sendCommand(hangupCommand{})
}

// Hangs up and waits until everything is released.
func (s *Session) Close() {
	s.Hangup()
	<-s.done
}

// Mutes or unmutes the camera. Returns whether the video is now enabled.
func (s *Session) ToggleVideo() bool {
	return s.media.ToggleVideo(s.media.Current())
}

// Mutes or unmutes the microphone. Returns whether the audio is now enabled.
func (s *Session) ToggleAudio() bool {
	return s.media.ToggleAudio(s.media.Current())
}

func (s *Session) sendCommand(cmd command) {
	select {
	case s.commands <- cmd:
	case <-s.loopDone:
	}
}

func (s *Session) updateSnapshot() {
	s.snapshotMutex.Lock()
	defer s.snapshotMutex.Unlock()

	s.snapshot.state = s.state
	s.snapshot.pendingCandidates = s.candidates.len()
}

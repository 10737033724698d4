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

package routing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/matrix-org/duet/pkg/call"
	"github.com/matrix-org/duet/pkg/media"
	"github.com/matrix-org/duet/pkg/notify"
	"github.com/matrix-org/duet/pkg/signaling"
	"github.com/matrix-org/duet/pkg/signaling/bus"
	"github.com/matrix-org/duet/pkg/store"
	"github.com/matrix-org/duet/pkg/watcher"
	"github.com/sirupsen/logrus"
)

var (
	ErrNoIdentity   = errors.New("the local company is unknown")
	ErrBusy         = errors.New("another call is in progress")
	ErrNoActiveCall = errors.New("there is no active call")
	ErrCallOver     = errors.New("the call is already over")
)

// Configuration of the calls started by the router.
type Config struct {
	// Our own company. Nothing starts without it.
	CompanyID   string
	Call        call.Config
	Signaling   signaling.Config
	Constraints media.Constraints
}

// Everything the router hands to the call sessions.
type Dependencies struct {
	Bus       bus.Bus
	Store     store.Store
	Device    media.Device
	Connector call.PeerConnector
	Watcher   *watcher.Watcher
	Notifier  notify.Notifier
}

// The top-level state of a client: at most one call at a time, either dialed by us or
// accepted from the watcher.
type Router struct {
	config Config
	deps   Dependencies
	logger *logrus.Entry
	// The lifetime of the sessions; request contexts only bound the setup.
	ctx context.Context //nolint:containedctx

	mutex  sync.Mutex
	active *call.Session
}

// Creates the router. The sessions it starts are bound to `ctx`.
func NewRouter(ctx context.Context, config Config, deps Dependencies) (*Router, error) {
	if config.CompanyID == "" {
		return nil, ErrNoIdentity
	}

	if deps.Notifier == nil {
		deps.Notifier = notify.LogNotifier{Logger: logrus.WithField("company_id", config.CompanyID)}
	}

	return &Router{
		config: config,
		deps:   deps,
		logger: logrus.WithField("company_id", config.CompanyID),
		ctx:    ctx,
	}, nil
}

// Calls a partner: creates the record of the attempt and starts an initiator session.
func (r *Router) Dial(ctx context.Context, partnerID string) (*call.Session, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if r.busyLocked() {
		return nil, ErrBusy
	}

	now := time.Now()
	record := store.Record{
		RoomID:    store.NewRoomID(r.config.CompanyID, partnerID, now),
		CallerID:  r.config.CompanyID,
		CalleeID:  partnerID,
		Status:    store.StatusPending,
		CreatedAt: now,
	}

	if err := r.deps.Store.Create(ctx, record); err != nil {
		return nil, fmt.Errorf("failed to create the call record: %w", err)
	}

	r.logger.WithFields(logrus.Fields{"room_id": record.RoomID, "partner_id": partnerID}).Info("dialing")

	return r.startLocked(record.RoomID, partnerID, signaling.RoleInitiator)
}

// Joins the incoming call that is ringing in the room.
func (r *Router) Accept(ctx context.Context, roomID string) (*call.Session, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if r.busyLocked() {
		return nil, ErrBusy
	}

	if r.deps.Watcher == nil {
		return nil, watcher.ErrNoActiveNotice
	}

	notice, err := r.deps.Watcher.Accept(roomID)
	if err != nil {
		return nil, err
	}

	// A declined, missed or canceled room never comes back.
	record, err := r.deps.Store.Get(ctx, roomID)
	if err != nil {
		return nil, fmt.Errorf("failed to load the call record: %w", err)
	}

	if record.Status.IsTerminal() {
		r.deps.Notifier.Notify(notify.Toast(roomID, notify.TextCallCanceled))
		return nil, ErrCallOver
	}

	r.logger.WithFields(logrus.Fields{"room_id": roomID, "partner_id": notice.CallerID}).Info("accepting call")

	return r.startLocked(roomID, notice.CallerID, signaling.RoleCallee)
}

// Refuses the incoming call that is ringing in the room.
func (r *Router) Decline(ctx context.Context, roomID string) error {
	if r.deps.Watcher == nil {
		return watcher.ErrNoActiveNotice
	}

	return r.deps.Watcher.Decline(ctx, roomID)
}

func (r *Router) Hangup() error {
	session := r.Active()
	if session == nil {
		return ErrNoActiveCall
	}

	session.Hangup()
	return nil
}

func (r *Router) ToggleAudio() (bool, error) {
	session := r.Active()
	if session == nil {
		return false, ErrNoActiveCall
	}

	return session.ToggleAudio(), nil
}

func (r *Router) ToggleVideo() (bool, error) {
	session := r.Active()
	if session == nil {
		return false, ErrNoActiveCall
	}

	return session.ToggleVideo(), nil
}

// The call in progress, nil if there is none.
func (r *Router) Active() *call.Session {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if !r.busyLocked() {
		return nil
	}

	return r.active
}

// The incoming call that rings right now, if any.
func (r *Router) Incoming() (watcher.Notice, bool) {
	if r.deps.Watcher == nil {
		return watcher.Notice{}, false
	}

	return r.deps.Watcher.Active()
}

func (r *Router) busyLocked() bool {
	if r.active == nil {
		return false
	}

	select {
	case <-r.active.Done():
		r.active = nil
		return false
	default:
		return true
	}
}

func (r *Router) startLocked(roomID, partnerID string, role signaling.Role) (*call.Session, error) {
	logger := r.logger.WithFields(logrus.Fields{"room_id": roomID, "role": role})

	session, err := call.Start(r.ctx, call.Dependencies{
		Bus:       r.deps.Bus,
		Store:     r.deps.Store,
		Media:     media.NewManager(r.deps.Device, logger),
		Connector: r.deps.Connector,
		Notifier:  r.deps.Notifier,
	}, call.Params{
		RoomID:      roomID,
		LocalID:     r.config.CompanyID,
		RemoteID:    partnerID,
		Role:        role,
		Config:      r.config.Call,
		Signaling:   r.config.Signaling,
		Constraints: r.config.Constraints,
	})
	if err != nil {
		logger.WithError(err).Error("failed to start the call session")
		return nil, err
	}

	r.active = session
	return session, nil
}

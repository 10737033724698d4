package ui

import (
	"context"

	"github.com/matrix-org/duet/pkg/call"
	"github.com/matrix-org/duet/pkg/routing"
	"github.com/matrix-org/duet/pkg/watcher"
)

// What the user can ask for.
type Commands interface {
	Dial(ctx context.Context, partnerID string) (CallInfo, error)
	Accept(ctx context.Context, roomID string) (CallInfo, error)
	Decline(ctx context.Context, roomID string) error
	Hangup() error
	// Return whether the track is enabled after the toggle.
	ToggleAudio() (bool, error)
	ToggleVideo() (bool, error)
	Status() Status
}

type CallInfo struct {
	RoomID            string `json:"room_id"`
	RemoteID          string `json:"remote_id"`
	Role              string `json:"role"`
	State             string `json:"state"`
	PendingCandidates int    `json:"pending_candidates"`
}

type Status struct {
	Active   *CallInfo       `json:"active,omitempty"`
	Incoming *watcher.Notice `json:"incoming,omitempty"`
}

// Exposes a router as `Commands`.
type RouterCommands struct {
	Router *routing.Router
}

func (c RouterCommands) Dial(ctx context.Context, partnerID string) (CallInfo, error) {
	session, err := c.Router.Dial(ctx, partnerID)
	if err != nil {
		return CallInfo{}, err
	}

	return describe(session), nil
}

func (c RouterCommands) Accept(ctx context.Context, roomID string) (CallInfo, error) {
	session, err := c.Router.Accept(ctx, roomID)
	if err != nil {
		return CallInfo{}, err
	}

	return describe(session), nil
}

func (c RouterCommands) Decline(ctx context.Context, roomID string) error {
	return c.Router.Decline(ctx, roomID)
}

func (c RouterCommands) Hangup() error {
	return c.Router.Hangup()
}

func (c RouterCommands) ToggleAudio() (bool, error) {
	return c.Router.ToggleAudio()
}

func (c RouterCommands) ToggleVideo() (bool, error) {
	return c.Router.ToggleVideo()
}

func (c RouterCommands) Status() Status {
	var status Status

	if session := c.Router.Active(); session != nil {
		info := describe(session)
		status.Active = &info
	}

	if notice, ok := c.Router.Incoming(); ok {
		status.Incoming = &notice
	}

	return status
}

func describe(session *call.Session) CallInfo {
	return CallInfo{
		RoomID:            session.RoomID(),
		RemoteID:          session.RemoteID(),
		Role:              string(session.Role()),
		State:             string(session.State()),
		PendingCandidates: session.PendingCandidates(),
	}
}

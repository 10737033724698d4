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

package signaling

import "github.com/pion/webrtc/v4"

// Role of a participant within a call.
type Role string

const (
	// The participant that created the room and sends the offer.
	RoleInitiator Role = "initiator"
	// The participant that accepted the incoming call and answers.
	RoleCallee Role = "callee"
)

// Kind of a signaling message.
type Kind string

const (
	KindOffer        Kind = "offer"
	KindAnswer       Kind = "answer"
	KindICECandidate Kind = "ice-candidate"
	KindCalleeReady  Kind = "callee-ready"
	KindCallEnded    Kind = "call-ended"
)

// Message is one of `Offer`, `Answer`, `ICECandidate`, `CalleeReady`, `CallEnded`.
type Message interface {
	Kind() Kind
}

type Offer struct {
	SDP string `json:"sdp"`
}

type Answer struct {
	SDP string `json:"sdp"`
}

type ICECandidate struct {
	Candidate webrtc.ICECandidateInit `json:"candidate"`
}

// Sent by the callee once its subscription is acknowledged, so that the initiator knows
// that an offer won't be lost.
type CalleeReady struct{}

type CallEnded struct {
	Reason string `json:"reason,omitempty"`
}

func (Offer) Kind() Kind        { return KindOffer }
func (Answer) Kind() Kind       { return KindAnswer }
func (ICECandidate) Kind() Kind { return KindICECandidate }
func (CalleeReady) Kind() Kind  { return KindCalleeReady }
func (CallEnded) Kind() Kind    { return KindCallEnded }

// A message together with the routing information.
type Envelope struct {
	RoomID string
	From   string
	To     string
	Message
}

// Package protocol is the wire codec for every real-time channel.
//
// Inbound payloads are JSON objects discriminated by an "action" or "type"
// field. Decode turns them into one of a closed set of Message variants at
// the channel boundary so that components switch on the Go type instead of
// probing for fields. The Encode functions produce the outbound shapes.
package protocol

import (
	"strings"

	"github.com/pion/webrtc/v4"
)

// Message is implemented only by the variants in this file.
type Message interface {
	isMessage()
}

// Domain event operations.
const (
	OpCreated = "created"
	OpUpdated = "updated"
	OpDeleted = "deleted"
)

// DomainEvent is a coarse create/update/delete notification for a non-chat
// entity. Type is the raw discriminant, e.g. "order_updated".
type DomainEvent struct {
	Type   string
	Entity string
	Op     string
}

// IncomingCall announces a call to this principal. Offer is set when the
// caller embedded its session description in the announcement.
type IncomingCall struct {
	CallID   string
	DeviceID string
	TableID  string
	Offer    *webrtc.SessionDescription
}

// CallAccepted tells the caller that the callee picked up.
type CallAccepted struct {
	CallID   string
	DeviceID string
	TableID  string
}

// CallEnded is sent by either party on hang-up or rejection.
type CallEnded struct {
	CallID   string
	DeviceID string
	Reason   string
}

// StartCall is a peer initiating a call over the call channel.
type StartCall struct {
	CallID     string
	ReceiverID string
	DeviceID   string
	Offer      *webrtc.SessionDescription
}

// AcceptCall is the callee accepting over the call channel.
type AcceptCall struct {
	CallID   string
	DeviceID string
}

// EndCall is either party terminating over the call channel.
type EndCall struct {
	CallID   string
	DeviceID string
	Reason   string
}

// Offer carries the caller's session description.
type Offer struct {
	Description webrtc.SessionDescription
}

// Answer carries the callee's session description.
type Answer struct {
	Description webrtc.SessionDescription
}

// Candidate carries one trickled connectivity candidate.
type Candidate struct {
	Candidate webrtc.ICECandidateInit
}

// ChatMessage is one text message on a conversation channel. Nonce is only
// present on echoes of messages this client sent.
type ChatMessage struct {
	Text         string
	Sender       string
	IsFromDevice bool
	Nonce        string
}

func (DomainEvent) isMessage()  {}
func (IncomingCall) isMessage() {}
func (CallAccepted) isMessage() {}
func (CallEnded) isMessage()    {}
func (StartCall) isMessage()    {}
func (AcceptCall) isMessage()   {}
func (EndCall) isMessage()      {}
func (Offer) isMessage()        {}
func (Answer) isMessage()       {}
func (Candidate) isMessage()    {}
func (ChatMessage) isMessage()  {}

// ParseDomainEventType splits "<entity>_<op>" and reports whether op is one
// of created, updated or deleted.
func ParseDomainEventType(t string) (entity, op string, ok bool) {
	i := strings.LastIndexByte(t, '_')
	if i <= 0 || i == len(t)-1 {
		return "", "", false
	}
	entity, op = t[:i], t[i+1:]
	switch op {
	case OpCreated, OpUpdated, OpDeleted:
		return entity, op, true
	}
	return "", "", false
}

package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/pion/webrtc/v4"
	"github.com/tidwall/gjson"
)

var (
	ErrMalformed      = errors.New("protocol: malformed payload")
	ErrUnknownMessage = errors.New("protocol: unknown message")
)

// Discriminant values shared by inbound and outbound payloads.
const (
	ActionStartCall    = "start_call"
	ActionAcceptCall   = "accept_call"
	ActionEndCall      = "end_call"
	ActionIncomingCall = "incoming_call"
	ActionCallEnded    = "call_ended"
	ActionCallAccepted = "call_accepted"

	TypeOffer     = "offer"
	TypeAnswer    = "answer"
	TypeCandidate = "candidate"
	TypeMessage   = "message"
)

// Decode parses one inbound payload. The "action" field takes precedence
// over "type" because start_call carries both.
func Decode(data []byte) (Message, error) {
	if !gjson.ValidBytes(data) {
		return nil, ErrMalformed
	}
	root := gjson.ParseBytes(data)
	if !root.IsObject() {
		return nil, fmt.Errorf("%w: not an object", ErrMalformed)
	}

	if action := root.Get("action"); action.Exists() {
		return decodeAction(action.String(), root)
	}

	t := root.Get("type")
	if !t.Exists() {
		if msg := root.Get("message"); msg.Exists() {
			return decodeChat(root)
		}
		return nil, fmt.Errorf("%w: no action or type", ErrUnknownMessage)
	}

	switch t.String() {
	case TypeOffer:
		sd, err := description(root.Get("offer"), webrtc.SDPTypeOffer)
		if err != nil {
			return nil, err
		}
		return Offer{Description: sd}, nil
	case TypeAnswer:
		sd, err := description(root.Get("answer"), webrtc.SDPTypeAnswer)
		if err != nil {
			return nil, err
		}
		return Answer{Description: sd}, nil
	case TypeCandidate:
		c, err := candidate(root.Get("candidate"))
		if err != nil {
			return nil, err
		}
		return Candidate{Candidate: c}, nil
	case TypeMessage:
		return decodeChat(root)
	case ActionIncomingCall, ActionCallEnded, ActionCallAccepted:
		return decodeAction(t.String(), root)
	}

	if entity, op, ok := ParseDomainEventType(t.String()); ok {
		return DomainEvent{Type: t.String(), Entity: entity, Op: op}, nil
	}
	return nil, fmt.Errorf("%w: type %q", ErrUnknownMessage, t.String())
}

func decodeAction(action string, root gjson.Result) (Message, error) {
	callID := root.Get("call_id").String()
	deviceID := root.Get("device_id").String()

	switch action {
	case ActionStartCall:
		m := StartCall{
			CallID:     callID,
			ReceiverID: root.Get("receiver_id").String(),
			DeviceID:   deviceID,
		}
		if o := root.Get("offer"); o.Exists() {
			sd, err := description(o, webrtc.SDPTypeOffer)
			if err != nil {
				return nil, err
			}
			m.Offer = &sd
		}
		return m, nil
	case ActionAcceptCall:
		return AcceptCall{CallID: callID, DeviceID: deviceID}, nil
	case ActionEndCall:
		return EndCall{CallID: callID, DeviceID: deviceID, Reason: root.Get("reason").String()}, nil
	case ActionIncomingCall:
		m := IncomingCall{
			CallID:   callID,
			DeviceID: deviceID,
			TableID:  root.Get("table_id").String(),
		}
		if o := root.Get("offer"); o.Exists() {
			sd, err := description(o, webrtc.SDPTypeOffer)
			if err != nil {
				return nil, err
			}
			m.Offer = &sd
		}
		return m, nil
	case ActionCallEnded:
		return CallEnded{CallID: callID, DeviceID: deviceID, Reason: root.Get("reason").String()}, nil
	case ActionCallAccepted:
		return CallAccepted{CallID: callID, DeviceID: deviceID, TableID: root.Get("table_id").String()}, nil
	}
	return nil, fmt.Errorf("%w: action %q", ErrUnknownMessage, action)
}

func decodeChat(root gjson.Result) (Message, error) {
	msg := root.Get("message")
	if msg.Type != gjson.String {
		return nil, fmt.Errorf("%w: message is not a string", ErrMalformed)
	}
	return ChatMessage{
		Text:         msg.String(),
		Sender:       root.Get("sender").String(),
		IsFromDevice: root.Get("is_from_device").Bool(),
		Nonce:        root.Get("nonce").String(),
	}, nil
}

// description accepts either {type, sdp} or a bare SDP string.
func description(r gjson.Result, def webrtc.SDPType) (webrtc.SessionDescription, error) {
	switch {
	case r.IsObject():
		var sd webrtc.SessionDescription
		if err := json.Unmarshal([]byte(r.Raw), &sd); err != nil {
			return sd, fmt.Errorf("%w: session description: %v", ErrMalformed, err)
		}
		if sd.Type == webrtc.SDPTypeUnknown {
			sd.Type = def
		}
		if sd.SDP == "" {
			return sd, fmt.Errorf("%w: empty sdp", ErrMalformed)
		}
		return sd, nil
	case r.Type == gjson.String && r.String() != "":
		return webrtc.SessionDescription{Type: def, SDP: r.String()}, nil
	}
	return webrtc.SessionDescription{}, fmt.Errorf("%w: missing session description", ErrMalformed)
}

// candidate accepts either an RTCIceCandidateInit object or a bare string.
func candidate(r gjson.Result) (webrtc.ICECandidateInit, error) {
	switch {
	case r.IsObject():
		var c webrtc.ICECandidateInit
		if err := json.Unmarshal([]byte(r.Raw), &c); err != nil {
			return c, fmt.Errorf("%w: candidate: %v", ErrMalformed, err)
		}
		return c, nil
	case r.Type == gjson.String:
		return webrtc.ICECandidateInit{Candidate: r.String()}, nil
	}
	return webrtc.ICECandidateInit{}, fmt.Errorf("%w: missing candidate", ErrMalformed)
}

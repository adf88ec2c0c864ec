package protocol

import (
	"encoding/json"

	"github.com/pion/webrtc/v4"
)

type chatOut struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Nonce   string `json:"nonce,omitempty"`
}

type startCallOut struct {
	Action     string                    `json:"action"`
	ReceiverID string                    `json:"receiver_id"`
	DeviceID   string                    `json:"device_id"`
	CallID     string                    `json:"call_id,omitempty"`
	Type       string                    `json:"type"`
	Offer      webrtc.SessionDescription `json:"offer"`
}

type callActionOut struct {
	Action   string `json:"action"`
	CallID   string `json:"call_id"`
	DeviceID string `json:"device_id"`
	Reason   string `json:"reason,omitempty"`
}

type answerOut struct {
	Type   string                    `json:"type"`
	Answer webrtc.SessionDescription `json:"answer"`
}

type candidateOut struct {
	Type      string                  `json:"type"`
	Candidate webrtc.ICECandidateInit `json:"candidate"`
}

// EncodeChat builds {type:"message", message, nonce}.
func EncodeChat(text, nonce string) ([]byte, error) {
	return json.Marshal(chatOut{Type: TypeMessage, Message: text, Nonce: nonce})
}

// EncodeStartCall builds {action:"start_call", receiver_id, device_id,
// type:"offer", offer}.
func EncodeStartCall(callID, receiverID, deviceID string, offer webrtc.SessionDescription) ([]byte, error) {
	return json.Marshal(startCallOut{
		Action:     ActionStartCall,
		ReceiverID: receiverID,
		DeviceID:   deviceID,
		CallID:     callID,
		Type:       TypeOffer,
		Offer:      offer,
	})
}

// EncodeCallAction builds {action, call_id, device_id} for accept_call and
// end_call. reason is only sent when non-empty.
func EncodeCallAction(action, callID, deviceID, reason string) ([]byte, error) {
	return json.Marshal(callActionOut{Action: action, CallID: callID, DeviceID: deviceID, Reason: reason})
}

func EncodeAnswer(answer webrtc.SessionDescription) ([]byte, error) {
	return json.Marshal(answerOut{Type: TypeAnswer, Answer: answer})
}

func EncodeCandidate(c webrtc.ICECandidateInit) ([]byte, error) {
	return json.Marshal(candidateOut{Type: TypeCandidate, Candidate: c})
}

package protocol

import (
	"errors"
	"reflect"
	"testing"

	"github.com/pion/webrtc/v4"
)

func TestDecode(t *testing.T) {
	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0 offer"}
	answer := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0 answer"}
	mid := "0"
	var line uint16

	tests := []struct {
		name string
		in   string
		want Message
	}{
		{"item created", `{"type":"item_created"}`, DomainEvent{Type: "item_created", Entity: "item", Op: OpCreated}},
		{"compound entity", `{"type":"order_item_deleted","id":3}`, DomainEvent{Type: "order_item_deleted", Entity: "order_item", Op: OpDeleted}},
		{"incoming call on feed", `{"type":"incoming_call","call_id":"c1","device_id":"d1","table_id":"t4"}`,
			IncomingCall{CallID: "c1", DeviceID: "d1", TableID: "t4"}},
		{"incoming call action with offer", `{"action":"incoming_call","call_id":"c1","device_id":"d1","offer":{"type":"offer","sdp":"v=0 offer"}}`,
			IncomingCall{CallID: "c1", DeviceID: "d1", Offer: &offer}},
		{"call ended", `{"type":"call_ended"}`, CallEnded{}},
		{"call accepted", `{"type":"call_accepted","device_id":"d1","table_id":"t4"}`, CallAccepted{DeviceID: "d1", TableID: "t4"}},
		{"start call carries both discriminants", `{"action":"start_call","receiver_id":"r1","device_id":"d1","type":"offer","offer":{"type":"offer","sdp":"v=0 offer"}}`,
			StartCall{ReceiverID: "r1", DeviceID: "d1", Offer: &offer}},
		{"accept", `{"action":"accept_call","call_id":"c1","device_id":"d1"}`, AcceptCall{CallID: "c1", DeviceID: "d1"}},
		{"end with reason", `{"action":"end_call","call_id":"c1","device_id":"d1","reason":"busy"}`, EndCall{CallID: "c1", DeviceID: "d1", Reason: "busy"}},
		{"offer", `{"type":"offer","offer":{"type":"offer","sdp":"v=0 offer"}}`, Offer{Description: offer}},
		{"answer bare sdp", `{"type":"answer","answer":"v=0 answer"}`, Answer{Description: answer}},
		{"answer without type", `{"type":"answer","answer":{"sdp":"v=0 answer"}}`, Answer{Description: answer}},
		{"candidate", `{"type":"candidate","candidate":{"candidate":"candidate:1","sdpMid":"0","sdpMLineIndex":0}}`,
			Candidate{Candidate: webrtc.ICECandidateInit{Candidate: "candidate:1", SDPMid: &mid, SDPMLineIndex: &line}}},
		{"chat from device", `{"message":"Hi","is_from_device":true}`, ChatMessage{Text: "Hi", IsFromDevice: true}},
		{"chat echo", `{"type":"message","message":"Hello back","sender":"staff","nonce":"n1"}`,
			ChatMessage{Text: "Hello back", Sender: "staff", Nonce: "n1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Decode([]byte(tt.in))
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Fatalf("got %#v\nwant %#v", got, tt.want)
			}
		})
	}
}

func TestDecodeErrors(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want error
	}{
		{"not json", `{"type":`, ErrMalformed},
		{"array", `[1,2]`, ErrMalformed},
		{"no discriminant", `{"foo":1}`, ErrUnknownMessage},
		{"unknown type", `{"type":"weather"}`, ErrUnknownMessage},
		{"unknown op", `{"type":"item_archived"}`, ErrUnknownMessage},
		{"unknown action", `{"action":"dance"}`, ErrUnknownMessage},
		{"answer without sdp", `{"type":"answer"}`, ErrMalformed},
		{"message not string", `{"message":5}`, ErrMalformed},
		{"candidate missing", `{"type":"candidate"}`, ErrMalformed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.in))
			if !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestEncodeDecodesToSameVariant(t *testing.T) {
	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0 o"}

	data, err := EncodeStartCall("", "owner-1", "dev-1", offer)
	if err != nil {
		t.Fatal(err)
	}
	got, err := Decode(data)
	if err != nil {
		t.Fatal(err)
	}
	start, ok := got.(StartCall)
	if !ok || start.ReceiverID != "owner-1" || start.DeviceID != "dev-1" || start.Offer == nil || start.Offer.SDP != "v=0 o" {
		t.Fatalf("got %#v", got)
	}

	data, err = EncodeChat("hello", "n-1")
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != `{"type":"message","message":"hello","nonce":"n-1"}` {
		t.Fatalf("chat payload = %s", data)
	}

	data, err = EncodeCallAction(ActionEndCall, "c1", "d1", "")
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != `{"action":"end_call","call_id":"c1","device_id":"d1"}` {
		t.Fatalf("end payload = %s", data)
	}
}

func TestParseDomainEventType(t *testing.T) {
	for _, in := range []string{"", "_created", "item_", "created", "item-created"} {
		if _, _, ok := ParseDomainEventType(in); ok {
			t.Errorf("%q parsed as domain event", in)
		}
	}
	entity, op, ok := ParseDomainEventType("review_updated")
	if !ok || entity != "review" || op != OpUpdated {
		t.Fatalf("got %q %q %v", entity, op, ok)
	}
}

// Package call is the signaling state machine for voice calls between a
// dashboard and a guest device.
//
// Signaling travels over the call channel keyed by the device id; the
// audio itself is carried by a PeerTransport. Remote candidates that
// arrive before the remote description is applied are queued and applied
// in arrival order once it is.
package call

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/nzlov/dinesync/channel"
	"github.com/nzlov/dinesync/protocol"
)

var (
	ErrBusy              = errors.New("call: another call is in progress")
	ErrInvalidTransition = errors.New("call: invalid transition")
)

// End reasons.
const (
	ReasonBusy          = "busy"
	ReasonRejected      = "rejected"
	ReasonHangup        = "hangup"
	ReasonRemote        = "remote"
	ReasonChannelClosed = "channel_closed"
	ReasonFailed        = "failed"
)

type Status int

const (
	StatusIdle Status = iota
	StatusOffering
	StatusRinging
	StatusConnected
	StatusEnded
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusOffering:
		return "offering"
	case StatusRinging:
		return "ringing"
	case StatusConnected:
		return "connected"
	case StatusEnded:
		return "ended"
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Session is a snapshot of the current call.
type Session struct {
	CallID                    string `json:"call_id"`
	DeviceID                  string `json:"device_id"`
	ReceiverID                string `json:"receiver_id,omitempty"`
	Status                    Status `json:"status"`
	Incoming                  bool   `json:"incoming"`
	PeerDescriptionsExchanged bool   `json:"peer_descriptions_exchanged"`
	PendingRemoteCandidates   int    `json:"pending_remote_candidates"`
	Reason                    string `json:"reason,omitempty"`
}

type Opener interface {
	Open(topic channel.Topic, key string, onMessage channel.MessageHandler, onState channel.StateHandler) (*channel.Channel, error)
}

// Machine holds at most one call at a time. A second call arriving while
// one is in progress is answered with end_call and reason "busy".
type Machine struct {
	opener  Opener
	factory TransportFactory
	log     *zap.SugaredLogger

	mu        sync.Mutex
	sess      Session
	transport PeerTransport
	remoteSet bool
	pending   []webrtc.ICECandidateInit
	offer     *webrtc.SessionDescription
	accepted  bool

	ch     *channel.Channel
	chOpen bool
	outbox [][]byte
	listen string

	onStatus func(Session)
}

func New(opener Opener, factory TransportFactory, log *zap.SugaredLogger) *Machine {
	return &Machine{opener: opener, factory: factory, log: log}
}

// OnStatus registers fn for every status transition.
func (m *Machine) OnStatus(fn func(Session)) {
	m.mu.Lock()
	m.onStatus = fn
	m.mu.Unlock()
}

// Session returns a snapshot of the current (or last) call.
func (m *Machine) Session() Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshot()
}

func (m *Machine) snapshot() Session {
	s := m.sess
	s.PendingRemoteCandidates = len(m.pending)
	return s
}

// locked runs fn under the lock and reports a status change afterwards.
func (m *Machine) locked(fn func()) {
	m.mu.Lock()
	before := m.sess.Status
	fn()
	after := m.snapshot()
	cb := m.onStatus
	m.mu.Unlock()
	if cb != nil && after.Status != before {
		cb(after)
	}
}

func (m *Machine) active() bool {
	switch m.sess.Status {
	case StatusOffering, StatusRinging, StatusConnected:
		return true
	}
	return false
}

// Listen keeps the call channel for deviceID open between calls. A guest
// device listens on its own id to receive calls from the dashboard.
func (m *Machine) Listen(deviceID string) error {
	var err error
	m.locked(func() {
		if m.active() && m.sess.DeviceID != deviceID {
			err = ErrBusy
			return
		}
		m.listen = deviceID
		err = m.attach(deviceID)
	})
	return err
}

// StartCall offers a call to receiverID over the call channel of
// deviceID. It is allowed from idle and ended.
func (m *Machine) StartCall(receiverID, deviceID string) (Session, error) {
	var (
		err  error
		sess Session
	)
	m.locked(func() {
		if m.active() {
			err = ErrBusy
			return
		}
		if deviceID == "" {
			err = fmt.Errorf("%w: device id required", ErrInvalidTransition)
			return
		}
		m.reset(Session{CallID: uuid.NewString(), DeviceID: deviceID, ReceiverID: receiverID})
		if err = m.attach(deviceID); err != nil {
			m.end(ReasonFailed)
			return
		}
		t, terr := m.newTransport()
		if terr != nil {
			err = terr
			m.end(ReasonFailed)
			return
		}
		offer, oerr := t.CreateOffer()
		if oerr != nil {
			err = oerr
			m.end(ReasonFailed)
			return
		}
		payload, perr := protocol.EncodeStartCall(m.sess.CallID, receiverID, deviceID, offer)
		if perr != nil {
			err = perr
			m.end(ReasonFailed)
			return
		}
		if err = m.signal(payload); err != nil {
			m.end(ReasonFailed)
			return
		}
		m.sess.Status = StatusOffering
		m.log.Infow("call offered", "call", m.sess.CallID, "device", deviceID, "receiver", receiverID)
		sess = m.snapshot()
	})
	return sess, err
}

// Accept picks up a ringing call. If the caller's offer is already known
// the answer is sent at once; otherwise it is sent when the offer arrives.
func (m *Machine) Accept() error {
	var err error
	m.locked(func() {
		if m.sess.Status != StatusRinging || m.accepted {
			err = ErrInvalidTransition
			return
		}
		payload, perr := protocol.EncodeCallAction(protocol.ActionAcceptCall, m.sess.CallID, m.sess.DeviceID, "")
		if perr != nil {
			err = perr
			return
		}
		if err = m.signal(payload); err != nil {
			m.fail(err)
			return
		}
		m.accepted = true
		if m.offer != nil {
			m.answer(*m.offer)
		}
	})
	return err
}

// Reject declines a ringing call.
func (m *Machine) Reject() error {
	var err error
	m.locked(func() {
		if m.sess.Status != StatusRinging {
			err = ErrInvalidTransition
			return
		}
		m.sendEnd(ReasonRejected)
		m.end(ReasonRejected)
	})
	return err
}

// Hangup ends the current call from this side.
func (m *Machine) Hangup() error {
	var err error
	m.locked(func() {
		if !m.active() {
			err = ErrInvalidTransition
			return
		}
		m.sendEnd("")
		m.end(ReasonHangup)
	})
	return err
}

// Handle applies a call notification that arrived outside the call
// channel, e.g. on the global feed.
func (m *Machine) Handle(msg protocol.Message) {
	m.locked(func() { m.handle(msg, "") })
}

// Close hangs up any call in progress and closes the call channel.
func (m *Machine) Close() {
	m.locked(func() {
		if m.active() {
			m.sendEnd("")
			m.end(ReasonHangup)
		}
		m.listen = ""
		m.detach()
	})
}

func (m *Machine) handle(msg protocol.Message, key string) {
	switch v := msg.(type) {
	case protocol.IncomingCall:
		m.incoming(v.CallID, firstNonEmpty(v.DeviceID, key), v.Offer)
	case protocol.StartCall:
		if v.CallID != "" && v.CallID == m.sess.CallID {
			// our own offer echoed back
			return
		}
		m.incoming(v.CallID, firstNonEmpty(v.DeviceID, key), v.Offer)
	case protocol.Offer:
		switch {
		case m.sess.Status == StatusRinging && m.accepted:
			m.answer(v.Description)
		case m.sess.Status == StatusRinging:
			sd := v.Description
			m.offer = &sd
		case !m.active() && key != "":
			sd := v.Description
			m.incoming("", key, &sd)
		default:
			m.log.Infow("ignoring offer", "status", m.sess.Status)
		}
	case protocol.Answer:
		if m.sess.Status != StatusOffering {
			m.log.Infow("ignoring answer", "status", m.sess.Status)
			return
		}
		if err := m.transport.SetRemoteDescription(v.Description); err != nil {
			m.fail(err)
			return
		}
		m.remoteSet = true
		if err := m.flush(); err != nil {
			m.fail(err)
			return
		}
		m.sess.PeerDescriptionsExchanged = true
		m.sess.Status = StatusConnected
		m.log.Infow("call connected", "call", m.sess.CallID)
	case protocol.Candidate:
		if !m.active() {
			m.log.Debugw("candidate without call", "status", m.sess.Status)
			return
		}
		if !m.remoteSet || m.transport == nil {
			m.pending = append(m.pending, v.Candidate)
			return
		}
		if err := m.transport.AddICECandidate(v.Candidate); err != nil {
			m.fail(err)
		}
	case protocol.AcceptCall:
		m.peerAccepted(v.CallID, v.DeviceID)
	case protocol.CallAccepted:
		m.peerAccepted(v.CallID, v.DeviceID)
	case protocol.EndCall:
		m.remoteEnd(v.CallID, v.DeviceID, v.Reason)
	case protocol.CallEnded:
		m.remoteEnd(v.CallID, v.DeviceID, v.Reason)
	}
}

func (m *Machine) incoming(callID, deviceID string, offer *webrtc.SessionDescription) {
	if m.active() {
		if m.sess.Status == StatusRinging && deviceID == m.sess.DeviceID &&
			(callID == "" || m.sess.CallID == "" || callID == m.sess.CallID) {
			// same call announced again, e.g. on both feeds
			if m.sess.CallID == "" {
				m.sess.CallID = callID
			}
			if offer != nil && !m.accepted {
				m.offer = offer
			}
			return
		}
		m.rejectBusy(callID, deviceID)
		return
	}
	if deviceID == "" {
		m.log.Warnw("incoming call without device id", "call", callID)
		return
	}
	m.reset(Session{CallID: callID, DeviceID: deviceID, Status: StatusRinging, Incoming: true})
	m.offer = offer
	if err := m.attach(deviceID); err != nil {
		m.fail(err)
		return
	}
	m.log.Infow("call ringing", "call", callID, "device", deviceID)
}

func (m *Machine) peerAccepted(callID, deviceID string) {
	if m.sess.Status != StatusOffering || !m.matches("", deviceID) {
		return
	}
	if callID != "" {
		m.sess.CallID = callID
	}
	m.log.Infow("call accepted by peer", "call", m.sess.CallID)
}

func (m *Machine) remoteEnd(callID, deviceID, reason string) {
	if !m.active() || !m.matches(callID, deviceID) {
		return
	}
	if reason == "" {
		reason = ReasonRemote
	}
	m.end(reason)
}

func (m *Machine) matches(callID, deviceID string) bool {
	if callID != "" && m.sess.CallID != "" && callID != m.sess.CallID {
		return false
	}
	return deviceID == "" || deviceID == m.sess.DeviceID
}

// answer applies the remote offer and replies. Caller holds mu.
func (m *Machine) answer(offer webrtc.SessionDescription) {
	t := m.transport
	if t == nil {
		var err error
		if t, err = m.newTransport(); err != nil {
			m.fail(err)
			return
		}
	}
	ans, err := t.CreateAnswer(offer)
	if err != nil {
		m.fail(err)
		return
	}
	m.remoteSet = true
	m.offer = nil
	if err := m.flush(); err != nil {
		m.fail(err)
		return
	}
	payload, err := protocol.EncodeAnswer(ans)
	if err != nil {
		m.fail(err)
		return
	}
	if err := m.signal(payload); err != nil {
		m.fail(err)
		return
	}
	m.sess.PeerDescriptionsExchanged = true
	m.sess.Status = StatusConnected
	m.log.Infow("call connected", "call", m.sess.CallID)
}

// flush applies queued remote candidates in arrival order.
func (m *Machine) flush() error {
	for i, c := range m.pending {
		if err := m.transport.AddICECandidate(c); err != nil {
			m.pending = m.pending[i+1:]
			return err
		}
	}
	m.pending = nil
	return nil
}

func (m *Machine) newTransport() (PeerTransport, error) {
	t, err := m.factory()
	if err != nil {
		return nil, err
	}
	m.transport = t
	t.OnICECandidate(func(c webrtc.ICECandidateInit) {
		m.locked(func() {
			if m.transport != t {
				return
			}
			payload, err := protocol.EncodeCandidate(c)
			if err == nil {
				err = m.signal(payload)
			}
			if err != nil {
				m.log.Warnw("local candidate not sent", "call", m.sess.CallID, "error", err)
			}
		})
	})
	t.OnFailed(func() {
		m.locked(func() {
			if m.transport == t {
				m.fail(errors.New("call: media transport failed"))
			}
		})
	})
	return t, nil
}

func (m *Machine) reset(s Session) {
	m.sess = s
	m.pending = nil
	m.remoteSet = false
	m.offer = nil
	m.accepted = false
}

// fail ends the call after a signaling or transport error and tells the
// peer, best effort.
func (m *Machine) fail(err error) {
	m.log.Warnw("call failed", "call", m.sess.CallID, "device", m.sess.DeviceID, "error", err)
	m.sendEnd(ReasonFailed)
	m.end(ReasonFailed)
}

func (m *Machine) sendEnd(reason string) {
	payload, err := protocol.EncodeCallAction(protocol.ActionEndCall, m.sess.CallID, m.sess.DeviceID, reason)
	if err == nil {
		err = m.signal(payload)
	}
	if err != nil {
		m.log.Infow("end_call not sent", "call", m.sess.CallID, "error", err)
	}
}

// end tears the call down. The call channel is closed unless it is the
// one being listened on, in which case listening resumes.
func (m *Machine) end(reason string) {
	if m.transport != nil {
		if err := m.transport.Close(); err != nil {
			m.log.Infow("close media transport", "error", err)
		}
		m.transport = nil
	}
	m.pending = nil
	m.remoteSet = false
	m.offer = nil
	m.accepted = false
	m.sess.Status = StatusEnded
	m.sess.Reason = reason
	m.log.Infow("call ended", "call", m.sess.CallID, "reason", reason)
	if m.ch != nil && m.ch.Key() != m.listen {
		m.detach()
		if m.listen != "" {
			if err := m.attach(m.listen); err != nil {
				m.log.Warnw("resume listening", "device", m.listen, "error", err)
			}
		}
	}
}

func (m *Machine) rejectBusy(callID, deviceID string) {
	m.log.Infow("rejecting call, busy", "call", callID, "device", deviceID, "active", m.sess.CallID)
	payload, err := protocol.EncodeCallAction(protocol.ActionEndCall, callID, deviceID, ReasonBusy)
	if err != nil {
		return
	}
	if m.ch != nil && m.ch.Key() == deviceID {
		if err := m.signal(payload); err != nil {
			m.log.Infow("busy reply not sent", "device", deviceID, "error", err)
		}
		return
	}
	// One-shot channel for the reply.
	ready := make(chan *channel.Channel, 1)
	c, err := m.opener.Open(channel.TopicCall, deviceID, nil, func(s channel.State, err error) {
		if s != channel.StateOpen {
			return
		}
		c := <-ready
		if err := c.Send(payload); err != nil {
			m.log.Infow("busy reply not sent", "device", deviceID, "error", err)
		}
		c.Close()
	})
	if err != nil {
		m.log.Infow("busy reply not sent", "device", deviceID, "error", err)
		return
	}
	ready <- c
}

// attach makes the call channel for deviceID current. Caller holds mu.
func (m *Machine) attach(deviceID string) error {
	if m.ch != nil && m.ch.Key() == deviceID {
		return nil
	}
	m.detach()
	var c *channel.Channel
	c, err := m.opener.Open(channel.TopicCall, deviceID,
		func(msg protocol.Message) {
			m.locked(func() {
				if m.ch == c {
					m.handle(msg, c.Key())
				}
			})
		},
		func(s channel.State, err error) {
			m.locked(func() { m.channelState(c, s, err) })
		})
	if err != nil {
		return err
	}
	m.ch = c
	return nil
}

func (m *Machine) detach() {
	if m.ch == nil {
		return
	}
	m.ch.Close()
	m.ch = nil
	m.chOpen = false
	m.outbox = nil
}

// signal sends payload on the call channel, holding it until the channel
// first opens. Caller holds mu.
func (m *Machine) signal(payload []byte) error {
	if m.ch == nil {
		return channel.ErrNotOpen
	}
	if !m.chOpen {
		m.outbox = append(m.outbox, payload)
		return nil
	}
	return m.ch.Send(payload)
}

func (m *Machine) channelState(c *channel.Channel, s channel.State, err error) {
	if m.ch != c {
		return
	}
	switch s {
	case channel.StateOpen:
		m.chOpen = true
		out := m.outbox
		m.outbox = nil
		for _, p := range out {
			if err := c.Send(p); err != nil {
				m.fail(err)
				return
			}
		}
	case channel.StateConnecting:
		if m.chOpen {
			// dropped; the channel is redialing
			m.chOpen = false
			if m.active() {
				m.log.Infow("call channel dropped", "device", c.Key(), "error", err)
				m.end(ReasonChannelClosed)
			}
		}
	case channel.StateClosed:
		m.ch = nil
		m.chOpen = false
		m.outbox = nil
		if m.active() {
			m.log.Infow("call channel closed", "device", c.Key(), "error", err)
			m.end(ReasonChannelClosed)
		}
	}
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

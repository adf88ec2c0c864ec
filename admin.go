package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/nzlov/dinesync/clock"
	"github.com/nzlov/dinesync/realtime"
)

type handlerFunc func(r *http.Request, body []byte) (interface{}, error)

// controlAPI is the local HTTP surface UI layers drive the node through.
// Every request carries sign=md5(secret+body+ts) and ts in the query.
type controlAPI struct {
	node   *realtime.Node
	secret string
	clock  clock.Clock
	skew   time.Duration
	logout func(ctx context.Context) error
}

func newControlAPI(node *realtime.Node, secret string, logout func(ctx context.Context) error) *controlAPI {
	return &controlAPI{
		node:   node,
		secret: secret,
		clock:  clock.Real(),
		skew:   5 * time.Minute,
		logout: logout,
	}
}

func (a *controlAPI) Handler() http.Handler {
	m := http.NewServeMux()
	m.HandleFunc("GET /inbox", a.signed("inbox", a.inbox))
	m.HandleFunc("POST /conversations/open", a.signed("openConversation", a.openConversation))
	m.HandleFunc("POST /conversations/leave", a.signed("leaveConversation", a.leaveConversation))
	m.HandleFunc("GET /messages", a.signed("messages", a.messages))
	m.HandleFunc("POST /messages", a.signed("send", a.send))
	m.HandleFunc("GET /calls", a.signed("calls", a.calls))
	m.HandleFunc("POST /calls/start", a.signed("startCall", a.startCall))
	m.HandleFunc("POST /calls/accept", a.signed("acceptCall", a.callAction(func() error { return a.node.Calls().Accept() })))
	m.HandleFunc("POST /calls/reject", a.signed("rejectCall", a.callAction(func() error { return a.node.Calls().Reject() })))
	m.HandleFunc("POST /calls/end", a.signed("endCall", a.callAction(func() error { return a.node.Calls().Hangup() })))
	m.HandleFunc("POST /feed/reopen", a.signed("reopenFeed", a.reopenFeed))
	if a.logout != nil {
		m.HandleFunc("POST /logout", a.signed("logout", a.doLogout))
	}
	return m
}

func adminresp(log *zap.SugaredLogger, w http.ResponseWriter, code string, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(Result{Code: code, Data: data}); err != nil {
		log.Error("[ADMINRESP] encode:", err)
		return
	}
	log.Info("[ADMINRESP]", code)
}

func (a *controlAPI) signed(name string, h handlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		log := zap.S().With("method", name)
		defer r.Body.Close()
		body, err := io.ReadAll(r.Body)
		if err != nil {
			adminresp(log, w, C_FAIL, "read body")
			return
		}
		log.Info("[Admin]request:", r.Method, r.URL.Path, string(body))

		s := r.URL.Query().Get("sign")
		if s == "" {
			adminresp(log, w, C_FAIL, "sign")
			return
		}
		ts := r.URL.Query().Get("ts")
		if ts == "" {
			adminresp(log, w, C_FAIL, "ts")
			return
		}
		if !CheckTimestamp(ts, a.clock.Now(), a.skew) {
			adminresp(log, w, C_AUTH, "ts")
			return
		}
		if !CheckSignMD5(a.secret, string(body), ts, s) {
			adminresp(log, w, C_AUTH, "sign")
			return
		}

		data, err := h(r, body)
		if err != nil {
			adminresp(log, w, C_FAIL, err.Error())
			return
		}
		adminresp(log, w, C_OK, data)
	}
}

func decode(body []byte, v interface{}) error {
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("data format: %w", err)
	}
	return nil
}

func (a *controlAPI) inbox(*http.Request, []byte) (interface{}, error) {
	in := a.node.Inbox()
	return InboxResult{
		Total:         in.Total(),
		Active:        in.Active(),
		Conversations: in.List(),
	}, nil
}

func (a *controlAPI) openConversation(r *http.Request, body []byte) (interface{}, error) {
	var req ConversationRequest
	if err := decode(body, &req); err != nil {
		return nil, err
	}
	if err := a.node.OpenConversation(r.Context(), req.ConversationID); err != nil {
		return nil, err
	}
	return a.messages(r, nil)
}

func (a *controlAPI) leaveConversation(*http.Request, []byte) (interface{}, error) {
	a.node.LeaveConversation()
	return nil, nil
}

func (a *controlAPI) messages(*http.Request, []byte) (interface{}, error) {
	c := a.node.Chat()
	return MessagesResult{
		ConversationID: c.ConversationID(),
		State:          c.State().String(),
		Messages:       c.Messages(),
	}, nil
}

func (a *controlAPI) send(_ *http.Request, body []byte) (interface{}, error) {
	var req SendRequest
	if err := decode(body, &req); err != nil {
		return nil, err
	}
	return a.node.Send(req.Text)
}

func (a *controlAPI) calls(*http.Request, []byte) (interface{}, error) {
	return a.node.Calls().Session(), nil
}

func (a *controlAPI) startCall(_ *http.Request, body []byte) (interface{}, error) {
	var req StartCallRequest
	if err := decode(body, &req); err != nil {
		return nil, err
	}
	if req.ReceiverID == "" {
		req.ReceiverID = req.DeviceID
	}
	return a.node.Calls().StartCall(req.ReceiverID, req.DeviceID)
}

func (a *controlAPI) callAction(fn func() error) handlerFunc {
	return func(*http.Request, []byte) (interface{}, error) {
		if err := fn(); err != nil {
			return nil, err
		}
		return a.node.Calls().Session(), nil
	}
}

func (a *controlAPI) reopenFeed(*http.Request, []byte) (interface{}, error) {
	return nil, a.node.ReopenFeed()
}

func (a *controlAPI) doLogout(r *http.Request, _ []byte) (interface{}, error) {
	return nil, a.logout(r.Context())
}

package main

import (
	"github.com/nzlov/dinesync/chat"
	"github.com/nzlov/dinesync/inbox"
)

const (
	C_OK   = "0"
	C_FAIL = "1"
	C_AUTH = "2"
)

// Result is the envelope of every control API response.
type Result struct {
	Code string      `json:"code"`
	Data interface{} `json:"data"`
}

type InboxResult struct {
	Total         int           `json:"total"`
	Active        string        `json:"active"`
	Conversations []inbox.Entry `json:"conversations"`
}

type ConversationRequest struct {
	ConversationID string `json:"conversation_id"`
}

type MessagesResult struct {
	ConversationID string         `json:"conversation_id"`
	State          string         `json:"state"`
	Messages       []chat.Message `json:"messages"`
}

type SendRequest struct {
	Text string `json:"text"`
}

type StartCallRequest struct {
	ReceiverID string `json:"receiver_id"`
	DeviceID   string `json:"device_id"`
}

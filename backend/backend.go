// Package backend is the REST collaborator the real-time core reads
// conversations and message history from.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/nzlov/dinesync/session"
)

// Conversation is one guest device/table with chat activity.
type Conversation struct {
	DeviceID    string `json:"device_id"`
	TableNumber string `json:"table_number,omitempty"`
	UnreadCount int    `json:"unread_count"`
	LastMessage string `json:"last_message,omitempty"`
}

// HistoryMessage is a stored chat message.
type HistoryMessage struct {
	Message      string    `json:"message"`
	IsFromDevice bool      `json:"is_from_device"`
	Sender       string    `json:"sender,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

type markReadResponse struct {
	Marked int `json:"marked"`
}

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Method string
	Path   string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("backend: %s %s: %d %s", e.Method, e.Path, e.Code, e.Body)
}

type PrincipalSource interface {
	Principal() (session.Principal, error)
}

type Config struct {
	BaseURL string        `json:"base_url" yaml:"base_url" mapstructure:"base_url"`
	Timeout time.Duration `json:"timeout" yaml:"timeout" mapstructure:"timeout"`
}

type Client struct {
	base   *url.URL
	http   *http.Client
	source PrincipalSource
	log    *zap.SugaredLogger
}

func New(cfg Config, source PrincipalSource, log *zap.SugaredLogger) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("backend: parse base url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("backend: unsupported scheme %q", base.Scheme)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		base:   base,
		http:   &http.Client{Timeout: timeout},
		source: source,
		log:    log,
	}, nil
}

// ListConversations returns every conversation of the principal's
// restaurant.
func (c *Client) ListConversations(ctx context.Context) ([]Conversation, error) {
	var out []Conversation
	p, err := c.source.Principal()
	if err != nil {
		return nil, err
	}
	q := url.Values{}
	q.Set("restaurant_id", p.RestaurantID)
	if err := c.do(ctx, http.MethodGet, "/api/chat/conversations/", q, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// FetchMessages returns the stored history of one conversation.
func (c *Client) FetchMessages(ctx context.Context, conversationID string) ([]HistoryMessage, error) {
	var out []HistoryMessage
	path := "/api/chat/" + url.PathEscape(conversationID) + "/messages/"
	if err := c.do(ctx, http.MethodGet, path, nil, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// MarkRead marks a conversation read and returns how many messages the
// server flipped.
func (c *Client) MarkRead(ctx context.Context, conversationID string) (int, error) {
	var out markReadResponse
	path := "/api/chat/" + url.PathEscape(conversationID) + "/mark-read/"
	if err := c.do(ctx, http.MethodPost, path, nil, struct{}{}, &out); err != nil {
		return 0, err
	}
	return out.Marked, nil
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out interface{}) error {
	p, err := c.source.Principal()
	if err != nil {
		return err
	}

	u := *c.base
	u.Path = c.base.Path + path
	u.RawQuery = query.Encode()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Token "+p.Token)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("backend: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("backend: read %s %s: %w", method, path, err)
	}
	if resp.StatusCode/100 != 2 {
		return &StatusError{Method: method, Path: path, Code: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}
	c.log.Debugw("backend request", "method", method, "path", path, "status", resp.StatusCode)
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("backend: decode %s %s: %w", method, path, err)
	}
	return nil
}

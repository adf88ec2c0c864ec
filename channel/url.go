package channel

import (
	"fmt"
	"net/url"
	"strings"
)

// Topic is the logical stream a channel carries.
type Topic string

const (
	// TopicGlobal is the per-restaurant live feed (domain events and call
	// notifications), keyed by restaurant id.
	TopicGlobal Topic = "global"
	// TopicChat is one conversation, keyed by device id.
	TopicChat Topic = "chat"
	// TopicCall is call signaling for one device, keyed by device id.
	TopicCall Topic = "call"
)

var topicPaths = map[Topic]string{
	TopicGlobal: "live",
	TopicChat:   "chat",
	TopicCall:   "call",
}

func (t Topic) Valid() bool {
	_, ok := topicPaths[t]
	return ok
}

// WebSocketBase derives the websocket base from the REST base by protocol
// substitution. A non-empty override wins.
func WebSocketBase(restBase, override string) (string, error) {
	raw := restBase
	if override != "" {
		raw = override
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("channel: parse base url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("channel: unsupported base url scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("channel: base url %q has no host", raw)
	}
	u.RawQuery = ""
	u.Fragment = ""
	return strings.TrimRight(u.String(), "/"), nil
}

// BuildURL returns {base}/ws/{topic-path}/{key}/?token={token}.
func BuildURL(base string, topic Topic, key, token string) (string, error) {
	p, ok := topicPaths[topic]
	if !ok {
		return "", fmt.Errorf("channel: unknown topic %q", topic)
	}
	if key == "" {
		return "", fmt.Errorf("channel: empty key for topic %q", topic)
	}
	q := url.Values{}
	q.Set("token", token)
	return base + "/ws/" + p + "/" + url.PathEscape(key) + "/?" + q.Encode(), nil
}

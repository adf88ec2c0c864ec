// Command ctl sends signed requests to a dinesync daemon's control API.
//
//	ctl inbox
//	ctl open C1
//	ctl send "on my way"
//	ctl call start D4
package main

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
)

var (
	addr   = pflag.String("addr", "http://127.0.0.1:8090", "control API address")
	secret = pflag.String("secret", "", "secret")
)

type Result struct {
	Code string          `json:"code"`
	Data json.RawMessage `json:"data"`
}

func main() {
	pflag.Usage = func() {
		fmt.Fprintln(os.Stderr, "usage: ctl [flags] inbox|open <id>|leave|messages|send <text>|calls|call start <device> [receiver]|call accept|reject|end|reopen|logout")
		pflag.PrintDefaults()
	}
	pflag.Parse()

	method, path, body, err := command(pflag.Args())
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		pflag.Usage()
		os.Exit(2)
	}
	r, err := Do(*addr, *secret, method, path, body)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	fmt.Println(r.Code, string(r.Data))
	if r.Code != "0" {
		os.Exit(1)
	}
}

func command(args []string) (method, path string, body interface{}, err error) {
	if len(args) == 0 {
		return "", "", nil, fmt.Errorf("no command")
	}
	arg := func(i int) string {
		if i < len(args) {
			return args[i]
		}
		return ""
	}
	switch args[0] {
	case "inbox":
		return http.MethodGet, "/inbox", nil, nil
	case "open":
		if arg(1) == "" {
			return "", "", nil, fmt.Errorf("open: conversation id required")
		}
		return http.MethodPost, "/conversations/open", map[string]string{"conversation_id": arg(1)}, nil
	case "leave":
		return http.MethodPost, "/conversations/leave", nil, nil
	case "messages":
		return http.MethodGet, "/messages", nil, nil
	case "send":
		return http.MethodPost, "/messages", map[string]string{"text": strings.Join(args[1:], " ")}, nil
	case "calls":
		return http.MethodGet, "/calls", nil, nil
	case "call":
		switch arg(1) {
		case "start":
			return http.MethodPost, "/calls/start", map[string]string{"device_id": arg(2), "receiver_id": arg(3)}, nil
		case "accept", "reject", "end":
			return http.MethodPost, "/calls/" + arg(1), nil, nil
		}
		return "", "", nil, fmt.Errorf("call: unknown action %q", arg(1))
	case "reopen":
		return http.MethodPost, "/feed/reopen", nil, nil
	case "logout":
		return http.MethodPost, "/logout", nil, nil
	}
	return "", "", nil, fmt.Errorf("unknown command %q", args[0])
}

func MD5(s string) string {
	m := md5.New()
	m.Write([]byte(s))
	return hex.EncodeToString(m.Sum(nil))
}

// Do signs body with secret and sends it.
func Do(addr, secret, method, path string, body interface{}) (Result, error) {
	result := Result{}
	ts := strconv.FormatInt(time.Now().Unix(), 10)

	Url, err := url.Parse(strings.TrimRight(addr, "/") + path)
	if err != nil {
		return result, err
	}

	var md []byte
	if body != nil {
		if md, err = json.Marshal(body); err != nil {
			return result, err
		}
	}

	params := url.Values{}
	params.Set("sign", MD5(secret+string(md)+ts))
	params.Set("ts", ts)
	Url.RawQuery = params.Encode()

	req, err := http.NewRequest(method, Url.String(), strings.NewReader(string(md)))
	if err != nil {
		return result, err
	}
	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return result, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return result, err
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return result, fmt.Errorf("%s: %s", resp.Status, strings.TrimSpace(string(data)))
	}
	return result, nil
}

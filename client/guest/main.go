// Command guest joins a restaurant as a table device: it prints chat
// messages for the device's conversation and sends each stdin line.
// Incoming calls are answered with "/accept", "/reject" and "/hangup".
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/nzlov/dinesync/backend"
	"github.com/nzlov/dinesync/call"
	"github.com/nzlov/dinesync/channel"
	"github.com/nzlov/dinesync/chat"
	"github.com/nzlov/dinesync/realtime"
	"github.com/nzlov/dinesync/session"
)

var (
	baseURL    = pflag.String("base", "http://127.0.0.1:8000", "backend base url")
	wsURL      = pflag.String("ws", "", "websocket base url, derived from base when empty")
	restaurant = pflag.String("restaurant", "", "restaurant id")
	device     = pflag.String("device", "", "device id")
	token      = pflag.String("token", "", "guest token")
	debug      = pflag.Bool("debug", false, "debug logging")
)

func main() {
	pflag.Parse()

	log, _ := zap.NewProduction()
	if *debug {
		log, _ = zap.NewDevelopment()
	}
	defer log.Sync()
	slog := log.Sugar()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sess := session.New(session.NewMemoryKV(), slog)
	err := sess.Init(ctx, session.Principal{
		RestaurantID: *restaurant,
		DeviceID:     *device,
		Role:         session.RoleGuest,
		Token:        *token,
	})
	if err != nil {
		slog.Fatal("session: ", err)
	}

	be, err := backend.New(backend.Config{BaseURL: *baseURL, Timeout: 10 * time.Second}, sess, slog.With("component", "backend"))
	if err != nil {
		slog.Fatal("backend: ", err)
	}

	n, err := realtime.New(realtime.Config{
		Channel: channel.Config{BaseURL: *baseURL, WSURL: *wsURL},
	}, realtime.Deps{
		Session: sess,
		Backend: be,
		Log:     slog,
	})
	if err != nil {
		slog.Fatal("node: ", err)
	}
	defer n.Close()

	n.Chat().OnMessage(func(id string, m chat.Message) {
		who := "staff"
		if m.IsFromDevice {
			who = "me"
		}
		fmt.Printf("[%s] %s: %s\n", time.UnixMilli(m.TimestampMs).Format("15:04:05"), who, m.Text)
	})
	n.Chat().OnState(func(state channel.State, err error) {
		fmt.Println("chat:", state, errString(err))
	})
	n.Calls().OnStatus(func(s call.Session) {
		fmt.Printf("call %s: %s %s\n", s.CallID, s.Status, s.Reason)
	})

	if err := n.Start(ctx); err != nil {
		slog.Fatal("start: ", err)
	}

	lines := make(chan string)
	go func() {
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			lines <- sc.Text()
		}
		close(lines)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if err := handle(n, line); err != nil {
				fmt.Println("error:", err)
			}
		}
	}
}

func handle(n *realtime.Node, line string) error {
	switch strings.TrimSpace(line) {
	case "/accept":
		return n.Calls().Accept()
	case "/reject":
		return n.Calls().Reject()
	case "/hangup":
		return n.Calls().Hangup()
	}
	_, err := n.Send(line)
	return err
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/smsbridge/smsbridge/internal/protocol"
	flag "github.com/spf13/pflag"
)

type clientConfig struct {
	serverURL string
	apiKey    string
	role      string
	action    string
	to        string
	msg       string
	number    string
	contacts  []string
	timeout   time.Duration
	listen    bool
}

func main() {
	cfg := parseConfig()
	if err := run(cfg); err != nil {
		log.Fatalf("mock client failed: %v", err)
	}
}

func parseConfig() clientConfig {
	var cfg clientConfig
	flag.StringVar(&cfg.serverURL, "url", "ws://127.0.0.1:3000/api/v1/ws", "Relay WebSocket URL")
	flag.StringVar(&cfg.apiKey, "key", "", "API key sent as X-API-KEY")
	flag.StringVar(&cfg.role, "role", "desktop", "Client role (phone|desktop)")
	flag.StringVar(&cfg.action, "action", "", "Message to send after connecting (sms|get_contacts|contacts|incoming_call)")
	flag.StringVar(&cfg.to, "to", "", "Recipient for sms")
	flag.StringVar(&cfg.msg, "msg", "", "Body for sms")
	flag.StringVar(&cfg.number, "number", "", "Caller number for incoming_call")
	flag.StringSliceVar(&cfg.contacts, "contact", nil, "Contact as name=number for contacts (repeatable)")
	flag.DurationVar(&cfg.timeout, "timeout", 5*time.Second, "How long to wait for replies")
	flag.BoolVar(&cfg.listen, "listen", false, "Keep printing frames until interrupted")
	flag.Parse()

	switch cfg.role {
	case "phone", "desktop":
	default:
		log.Fatalf("unsupported role %s (expected phone or desktop)", cfg.role)
	}
	return cfg
}

func run(cfg clientConfig) error {
	u, err := url.Parse(cfg.serverURL)
	if err != nil {
		return fmt.Errorf("parse url: %w", err)
	}
	q := u.Query()
	q.Set("client", cfg.role)
	u.RawQuery = q.Encode()

	header := http.Header{}
	if cfg.apiKey != "" {
		header.Set("X-API-KEY", cfg.apiKey)
	}
	conn, _, err := websocket.DefaultDialer.Dial(u.String(), header)
	if err != nil {
		return fmt.Errorf("dial relay: %w", err)
	}
	defer conn.Close()

	if cfg.action != "" {
		frame, err := buildFrame(cfg)
		if err != nil {
			return err
		}
		if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
			return fmt.Errorf("send %s: %w", cfg.action, err)
		}
		log.Printf("sent %s", frame)
	}

	ctx := context.Background()
	if cfg.listen {
		var stop context.CancelFunc
		ctx, stop = signal.NotifyContext(ctx, os.Interrupt)
		defer stop()
		go func() {
			<-ctx.Done()
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		}()
	}
	return printFrames(ctx, conn, cfg)
}

func printFrames(ctx context.Context, conn *websocket.Conn, cfg clientConfig) error {
	for {
		if !cfg.listen {
			_ = conn.SetReadDeadline(time.Now().Add(cfg.timeout))
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				log.Printf("closed by server: %d %s", ce.Code, ce.Text)
				return nil
			}
			if ne, ok := err.(interface{ Timeout() bool }); ok && ne.Timeout() {
				return nil
			}
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}
		fmt.Println(string(data))
	}
}

func buildFrame(cfg clientConfig) ([]byte, error) {
	var msg protocol.Message
	switch cfg.action {
	case "sms":
		if cfg.to == "" || cfg.msg == "" {
			return nil, errors.New("sms needs --to and --msg")
		}
		msg = protocol.SMS{To: cfg.to, Msg: cfg.msg}
	case "get_contacts":
		msg = protocol.GetContacts{}
	case "incoming_call":
		if cfg.number == "" {
			return nil, errors.New("incoming_call needs --number")
		}
		msg = protocol.IncomingCall{Number: cfg.number}
	case "contacts":
		list := make([]protocol.Contact, 0, len(cfg.contacts))
		for _, c := range cfg.contacts {
			name, number, ok := strings.Cut(c, "=")
			if !ok || name == "" || number == "" {
				return nil, fmt.Errorf("contact %q must be name=number", c)
			}
			list = append(list, protocol.Contact{Name: name, Number: number})
		}
		msg = protocol.Contacts{Data: list}
	default:
		return nil, fmt.Errorf("unsupported action %s", cfg.action)
	}
	return protocol.Encode(msg)
}

package stream

import (
	"context"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
)

// Subscriber 客户端：连接 /ws/account 并持续读取，断线后按 ReconnectDelay 重连
type Subscriber struct {
	URL            string
	Dialer         *websocket.Dialer
	ReconnectDelay time.Duration
	Handler        func(*AccountUpdate)
}

// NewSubscriber subscribes to users on the account stream at baseURL.
func NewSubscriber(baseURL string, users []string, handler func(*AccountUpdate)) (*Subscriber, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, err
	}
	q := u.Query()
	q.Set("user_id", strings.Join(users, ","))
	u.RawQuery = q.Encode()
	return &Subscriber{
		URL:            u.String(),
		Dialer:         websocket.DefaultDialer,
		ReconnectDelay: 3 * time.Second,
		Handler:        handler,
	}, nil
}

// Run reads until ctx is cancelled, reconnecting on every failure.
func (s *Subscriber) Run(ctx context.Context) error {
	for {
		err := s.session(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.WithField("url", s.URL).Warnf("account stream disconnected: %v, retry in %v", err, s.ReconnectDelay)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.ReconnectDelay):
		}
	}
}

func (s *Subscriber) session(ctx context.Context) error {
	conn, _, err := s.Dialer.DialContext(ctx, s.URL, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			conn.Close()
		case <-done:
		}
	}()

	for {
		_, body, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		u, err := Decode(body)
		if err != nil {
			log.Debugf("skip stream message: %v", err)
			continue
		}
		if s.Handler != nil {
			s.Handler(u)
		}
	}
}

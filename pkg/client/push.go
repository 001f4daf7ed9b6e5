package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mahaj/sitechat/pkg/apperr"
	"github.com/mahaj/sitechat/pkg/model"
)

const (
	writeWait = 10 * time.Second
	// readWait must exceed the gateway ping period.
	readWait = 60 * time.Second
)

// TypingSender reports the local user's typing state.
type TypingSender interface {
	SendTyping(channelID string, typing bool) error
}

type typingFrame struct {
	Type      string `json:"type"`
	ChannelID string `json:"channelId"`
}

// PushStream is the client end of the gateway websocket.
type PushStream struct {
	conn *websocket.Conn
	wmu  sync.Mutex
}

// DialPush connects to the gateway. gatewayURL may be http(s) or ws(s).
func DialPush(ctx context.Context, gatewayURL, token string) (*PushStream, error) {
	u, err := url.Parse(strings.TrimRight(gatewayURL, "/"))
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path += "/ws"
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()

	header := http.Header{}
	header.Add("Authorization", "Bearer "+token)
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, apperr.Unauthenticated("gateway rejected token")
		}
		return nil, apperr.Unavailable("gateway unreachable", err)
	}
	return &PushStream{conn: conn}, nil
}

// Run reads events until ctx ends or the connection drops. Frames that are
// not events are skipped.
func (p *PushStream) Run(ctx context.Context, handle func(model.Event)) error {
	stop := context.AfterFunc(ctx, func() { p.conn.Close() })
	defer stop()

	p.conn.SetReadDeadline(time.Now().Add(readWait))
	p.conn.SetPingHandler(func(data string) error {
		p.conn.SetReadDeadline(time.Now().Add(readWait))
		p.wmu.Lock()
		defer p.wmu.Unlock()
		return p.conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
	})
	for {
		_, raw, err := p.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		p.conn.SetReadDeadline(time.Now().Add(readWait))
		var ev model.Event
		if err := json.Unmarshal(raw, &ev); err != nil || ev.Type == "" {
			continue
		}
		handle(ev)
	}
}

func (p *PushStream) SendTyping(channelID string, typing bool) error {
	f := typingFrame{Type: "typing", ChannelID: channelID}
	if !typing {
		f.Type = "stop_typing"
	}
	p.wmu.Lock()
	defer p.wmu.Unlock()
	p.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return p.conn.WriteJSON(f)
}

func (p *PushStream) Close() error {
	p.wmu.Lock()
	_ = p.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	p.wmu.Unlock()
	return p.conn.Close()
}

package push

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
)

const (
	// The bridge pings every 20s; missing pings for this long fails the subscription.
	wsPongWait  = 45 * time.Second
	wsWriteWait = 3 * time.Second
	wsReadLimit = 2 * EventMaxBytes
)

// WsChannel subscribes through the websocket bridge served by package ws.
type WsChannel struct {
	// URL of the bridge endpoint, e.g. ws://127.0.0.1:8000/ws.
	URL    string
	Header http.Header
	Dialer *websocket.Dialer
}

func (c *WsChannel) endpoint(filter Filter) (string, error) {
	u, err := url.Parse(c.URL)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("table", filter.Table)
	q.Set("conversation", filter.ConversationId)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (c *WsChannel) Subscribe(ctx context.Context, filter Filter) (ISubscription, error) {
	endpoint, err := c.endpoint(filter)
	if err != nil {
		return nil, fmt.Errorf("push: bad bridge url `%s`: %v", c.URL, err)
	}

	dialer := c.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, resp, err := dialer.DialContext(ctx, endpoint, c.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("push: dial %s: %w (status %d)", endpoint, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("push: dial %s: %w", endpoint, err)
	}

	s := newSubscription(filter, func() {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(wsWriteWait))
		conn.Close()
	})
	go readLoop(s, conn)
	return s, nil
}

func readLoop(s *subscription, conn *websocket.Conn) {
	defer glog.V(5).Infof("push: websocket read loop exited")

	conn.SetReadLimit(wsReadLimit)
	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPingHandler(func(data string) error {
		conn.SetReadDeadline(time.Now().Add(wsPongWait))
		err := conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(wsWriteWait))
		if err == websocket.ErrCloseSent {
			return nil
		}
		return err
	})

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if s.done() {
				return
			}
			glog.Errorf("push: websocket read error: %v", err)
			s.finish(fmt.Errorf("push: websocket read: %w", err))
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}

		e, err := decodeEvent(data)
		if err != nil {
			glog.Errorf("push: bad event from bridge: %v", err)
			continue
		}
		if !s.deliver(e) {
			return
		}
	}
}

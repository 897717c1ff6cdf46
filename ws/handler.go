package ws

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"

	"github.com/mqy/minichat/push"
)

type SessionError int

const (
	ReadError     SessionError = 1
	WriteError    SessionError = 2
	PingError     SessionError = 3
	BadRequest    SessionError = 4
	ServerStop    SessionError = 5
	UpstreamError SessionError = 6
)

func (e SessionError) closeCode() int {
	switch e {
	case BadRequest:
		return websocket.ClosePolicyViolation
	case ServerStop:
		return websocket.CloseGoingAway
	case UpstreamError:
		return websocket.CloseTryAgainLater
	default:
		return websocket.CloseInternalServerErr
	}
}

const (
	// Time allowed to write a message to the peer.
	writeWait = 3 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	// Recommend configure nginx with `keep-alive_timeout` >= 65s.
	pingPeriod = 20 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 25 * time.Second

	// Clients never send data frames, only control frames.
	readLimit = 512
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		// When the node is behind nginx the origin is the proxy host.
		return true
	},
}

// Session describes one bridged subscription.
type Session struct {
	Sid            string `json:"sid"`
	Uid            string `json:"uid"`
	Role           string `json:"role"`
	ConversationId string `json:"conversation_id,omitempty"`
	Ip             string `json:"ip"`
	CreateTime     int64  `json:"create_time"`
}

// Handler manages one websocket connection and its upstream subscription.
type Handler struct {
	sync.Mutex

	hub     *Hub
	session *Session
	conn    *websocket.Conn
	sub     push.ISubscription

	dataChan chan *SessionData
	closing  bool
}

// SessionData is the data structure for `dataChan`.
type SessionData struct {
	Error SessionError `json:"error,omitempty"`
	Event *push.Event  `json:"event,omitempty"`
}

func (h *Handler) String() string {
	out, _ := json.Marshal(h.session)
	return string(out)
}

func (h *Handler) close(cause SessionError) {
	h.Lock()
	defer h.Unlock()
	if h.closing {
		return
	}

	h.closing = true

	h.sub.Close()
	_ = h.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(cause.closeCode(), ""), time.Now().Add(writeWait))
	h.conn.Close()

	close(h.dataChan)

	glog.V(5).Infof("session closed, cause: %d, %s", cause, h)
	h.hub.delHandler(h.session.Sid)
}

func (h *Handler) appendDataChan(v *SessionData) {
	h.Lock()
	defer h.Unlock()
	if !h.closing {
		select {
		case h.dataChan <- v:
		default:
			// sendLoop is stuck on a slow peer; drop the session.
			go h.close(WriteError)
		}
	}
}

func (h *Handler) isClosing() bool {
	h.Lock()
	defer h.Unlock()
	return h.closing
}

func sendEvent(conn *websocket.Conn, e *push.Event) error {
	out, err := json.Marshal(e)
	if err != nil {
		return err
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, out)
}

func (h *Handler) recvLoop() {
	defer func() { glog.V(5).Infof("recvLoop(): exited, session: %s", h.String()) }()

	h.conn.SetReadLimit(readLimit)
	h.conn.SetReadDeadline(time.Now().Add(pongWait))
	h.conn.SetPongHandler(func(s string) error {
		h.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for !h.isClosing() {
		_, msg, err := h.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				glog.V(5).Infof("recvLoop(): closed by peer, session: %s", h)
			} else if !h.isClosing() {
				glog.Errorf("recvLoop(): read error: %v", err)
			}
			h.appendDataChan(&SessionData{Error: ReadError})
			return
		}

		glog.Errorf("recvLoop(): unexpected client message: %.100s", string(msg))
		h.appendDataChan(&SessionData{Error: BadRequest})
		return
	}
}

// upstreamLoop forwards events of the upstream subscription.
func (h *Handler) upstreamLoop() {
	defer func() { glog.V(5).Infof("upstreamLoop(): exited, session: %s", h.String()) }()

	for e := range h.sub.Events() {
		h.appendDataChan(&SessionData{Event: e})
	}
	if err := h.sub.Err(); err != nil {
		glog.Errorf("upstreamLoop(): upstream error: %v, session: %s", err, h)
		h.appendDataChan(&SessionData{Error: UpstreamError})
	}
}

func (h *Handler) sendLoop() {
	pingTicker := time.NewTicker(pingPeriod)
	defer func() {
		pingTicker.Stop()
		glog.V(5).Infof("sendLoop(): exited, session: %s", h.String())
	}()

	for {
		select {
		case v, ok := <-h.dataChan:
			if !ok { // chan was closed
				return
			}

			if v.Error > 0 {
				h.close(v.Error)
				return
			}

			glog.V(5).Infof("sendLoop(): forward %s, session: %s", v.Event, h)
			if err := sendEvent(h.conn, v.Event); err != nil {
				glog.Errorf("sendLoop(), error write message. session: %s, err: %v", h, err)
				h.close(WriteError)
				return
			}
		case <-pingTicker.C:
			h.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := h.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				glog.Errorf("sendLoop(), error write ping message. session: %s, err: %v", h, err)
				h.close(PingError)
				return
			}
		}
	}
}

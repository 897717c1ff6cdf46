package ws

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/pborman/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/mqy/minichat/auth"
	"github.com/mqy/minichat/push"
	"github.com/mqy/minichat/store"
)

var sessionsGauge = prometheus.NewGauge(prometheus.GaugeOpts{
	Namespace: "minichat",
	Subsystem: "ws",
	Name:      "sessions",
	Help:      "Number of live websocket bridge sessions.",
})

func init() {
	prometheus.MustRegister(sessionsGauge)
}

// Hub bridges push channel subscriptions to websocket clients, one
// subscription per connection.
type Hub struct {
	sync.RWMutex

	authClient auth.Client
	upstream   push.IPushChannel
	// records checks that participants only watch their own complaints, nil disables the check.
	records store.IRecordStore
	hstore  *HandlerStore
	closed  bool
}

// NewHub creates a `Hub`.
func NewHub(authClient auth.Client, upstream push.IPushChannel, records store.IRecordStore) *Hub {
	return &Hub{
		authClient: authClient,
		upstream:   upstream,
		records:    records,
		hstore: &HandlerStore{
			handlers: make(map[string]*Handler),
		},
	}
}

// Close closes all sessions and rejects new ones.
func (h *Hub) Close() {
	h.Lock()
	h.closed = true
	h.Unlock()

	glog.Infof("close connections ...")
	h.hstore.close()
	glog.Infof("close connections done")
}

// Len returns the number of live sessions.
func (h *Hub) Len() int {
	return h.hstore.len()
}

func (h *Hub) Sessions() []*Session {
	return h.hstore.shallowCopySessions()
}

func (h *Hub) isClosed() bool {
	h.RLock()
	defer h.RUnlock()
	return h.closed
}

// authorize checks the user may watch the filter.
func (h *Hub) authorize(ctx context.Context, user *auth.User, filter push.Filter) (int, error) {
	if filter.Table != push.TableMessages {
		return http.StatusBadRequest, errors.New("unsupported table")
	}
	if user.IsAdmin() {
		return 0, nil
	}
	if filter.ConversationId == "" {
		return http.StatusForbidden, errors.New("conversation is required")
	}
	if h.records == nil {
		return 0, nil
	}
	c, err := h.records.GetConversation(ctx, filter.ConversationId)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return http.StatusNotFound, err
		}
		return http.StatusInternalServerError, err
	}
	if c.ParticipantId != user.Id {
		return http.StatusForbidden, errors.New("not a participant")
	}
	return 0, nil
}

// ServeHTTP handles websocket requests from the peer.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.isClosed() {
		http.Error(w, "Server is stopping", http.StatusServiceUnavailable)
		return
	}

	user, err := h.authClient.Auth(r)
	if err != nil {
		glog.Errorf("ServeHTTP(): authenticate error: %v", err)
		http.Error(w, "Authenticate error", http.StatusForbidden)
		return
	}

	q := r.URL.Query()
	filter := push.Filter{
		Table:          q.Get("table"),
		ConversationId: q.Get("conversation"),
	}
	if code, err := h.authorize(r.Context(), user, filter); err != nil {
		glog.Errorf("ServeHTTP(): uid %s may not watch %+v: %v", user.Id, filter, err)
		http.Error(w, http.StatusText(code), code)
		return
	}

	// Subscribe before upgrade so that upstream failures map to an http status.
	sub, err := h.upstream.Subscribe(context.Background(), filter)
	if err != nil {
		glog.Errorf("ServeHTTP(): upstream subscribe error: %v", err)
		http.Error(w, "Upstream unavailable", http.StatusBadGateway)
		return
	}

	sess := &Session{
		Sid:            strings.ReplaceAll(uuid.New(), "-", ""),
		Uid:            user.Id,
		Role:           string(user.Role),
		ConversationId: filter.ConversationId,
		CreateTime:     time.Now().Unix(),
		Ip:             getRemoteIP(r),
	}

	// If the upgrade fails, then Upgrade replies to the client with an HTTP error response.
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		glog.Errorf("ServeHTTP(): upgrader.Upgrade error, uid: %s, err: %s", user.Id, err)
		sub.Close()
		return
	}

	// NOTE:  after upgrade, `w.WriteHeader(...)`` causes error `response.Write on hijacked connection`.

	handler := &Handler{
		dataChan: make(chan *SessionData, 64),
		session:  sess,
		conn:     conn,
		sub:      sub,
		hub:      h,
	}

	h.addHandler(handler)

	go handler.recvLoop()
	go handler.sendLoop()
	go handler.upstreamLoop()
}

func (h *Hub) addHandler(handler *Handler) {
	h.hstore.add(handler)
	sessionsGauge.Inc()
	glog.V(5).Infof("session online: %s", handler)
}

func (h *Hub) delHandler(sid string) {
	if h.hstore.del(sid) {
		sessionsGauge.Dec()
	}
}

func getRemoteIP(r *http.Request) string {
	ip := r.Header.Get("X-REAL-IP")
	if ip == "" {
		if ips := r.Header.Get("X-FORWARDED-FOR"); ips != "" {
			slice := strings.Split(ips, ",")
			for _, x := range slice {
				if x = strings.TrimSpace(x); x != "" {
					ip = x
				}
			}
		}
	}
	if ip == "" {
		ip, _, _ = net.SplitHostPort(r.RemoteAddr)
	}

	return ip
}

package api

import (
	"context"
	"errors"
	"net/http"
	"os"
	"strconv"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"unimart/services/msg-durable/internal/batch"
	"unimart/services/msg-durable/internal/durable"
	"unimart/services/msg-durable/internal/hub"
	"unimart/services/msg-durable/internal/oplog"
	"unimart/services/msg-durable/internal/recovery"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type batchRunner interface {
	RunNow(ctx context.Context) (batch.Result, error)
	Stats() batch.Stats
}

type recoveryRunner interface {
	RunNow(ctx context.Context) recovery.Result
	LastResult() (recovery.Result, time.Time)
}

// Server owns the HTTP surface: the send/ack ingress, the websocket
// attach point and the admin endpoints.
type Server struct {
	store    *durable.Store
	batch    batchRunner
	recovery recoveryRunner
	hub      *hub.Hub
	ops      *oplog.Logger
	log      *zap.Logger

	retention    time.Duration
	writeTimeout time.Duration
}

func NewServer(store *durable.Store, b batchRunner, r recoveryRunner, h *hub.Hub, ops *oplog.Logger, log *zap.Logger, retention time.Duration) *Server {
	return &Server{
		store:        store,
		batch:        b,
		recovery:     r,
		hub:          h,
		ops:          ops,
		log:          log,
		retention:    retention,
		writeTimeout: 5 * time.Second,
	}
}

func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.Handle("/metrics", promhttp.Handler())

	mux.HandleFunc("/send", s.handleSend)
	mux.HandleFunc("/ack", s.handleAck)
	mux.HandleFunc("/ws", s.handleWS)

	mux.HandleFunc("/admin/stats", s.handleStats)
	mux.HandleFunc("/admin/messages", s.handleMessages)
	mux.HandleFunc("/admin/batch/run", s.handleBatchRun)
	mux.HandleFunc("/admin/recovery/run", s.handleRecoveryRun)
	mux.HandleFunc("/admin/queue/clear", s.handleQueueClear)
	mux.HandleFunc("/admin/oplog", s.handleOplog)
	mux.HandleFunc("/admin/acks/stale", s.handleStaleAcks)
	mux.HandleFunc("/admin/cleanup", s.handleCleanup)

	return mux
}

// POST /send
func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	type req struct {
		ConvID   string            `json:"conv_id"`
		Content  string            `json:"content"`
		MsgType  string            `json:"msg_type"`
		Metadata map[string]string `json:"metadata"`
		Sender   durable.Party     `json:"sender"`
		Receiver durable.Party     `json:"receiver"`
		Escrow   *durable.Escrow   `json:"escrow"`
	}
	type resp struct {
		OK      bool      `json:"ok"`
		MsgID   string    `json:"msg_id"`
		ConvID  string    `json:"conv_id"`
		Status  string    `json:"status"`
		SavedAt time.Time `json:"saved_at"`
		Pending int       `json:"pending"`
	}

	var q req
	if err := json.NewDecoder(r.Body).Decode(&q); err != nil {
		http.Error(w, "bad request", 400)
		return
	}

	m, err := s.store.SaveMessage(&durable.Message{
		ConvID:   q.ConvID,
		Content:  q.Content,
		MsgType:  q.MsgType,
		Metadata: q.Metadata,
		Sender:   q.Sender,
		Receiver: q.Receiver,
		Escrow:   q.Escrow,
	})
	if err != nil {
		if errors.Is(err, durable.ErrValidation) {
			http.Error(w, err.Error(), 400)
			return
		}
		// the disk write failed: the caller must know the message is not safe
		http.Error(w, "message not persisted", 500)
		return
	}

	// fast-path delivery; the batch committer owns durability either way
	if b, err := json.Marshal(m); err == nil {
		s.hub.Push(m.Receiver.UID, b)
	}

	writeJSON(w, resp{
		OK:      true,
		MsgID:   m.MsgID,
		ConvID:  m.ConvID,
		Status:  m.Status,
		SavedAt: m.Persist.SavedAt,
		Pending: s.store.PendingCount(),
	})
}

// POST /ack
func (s *Server) handleAck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	type req struct {
		MsgID  string `json:"msg_id"`
		ConvID string `json:"conv_id"`
		Status string `json:"status"`
	}

	var q req
	if err := json.NewDecoder(r.Body).Decode(&q); err != nil {
		http.Error(w, "bad request", 400)
		return
	}
	if q.MsgID == "" || q.ConvID == "" {
		http.Error(w, "missing msg_id or conv_id", 400)
		return
	}
	if q.Status == "" {
		q.Status = durable.AckDelivered
	}
	if q.Status != durable.AckSaved && q.Status != durable.AckDelivered && q.Status != durable.AckFailed {
		http.Error(w, "unknown status", 400)
		return
	}

	a, err := s.store.Acknowledge(q.MsgID, q.ConvID, q.Status)
	if err != nil {
		http.Error(w, "ack not persisted", 500)
		return
	}
	writeJSON(w, map[string]any{"ok": true, "ack_id": a.AckID})
}

// GET /ws?uid=1001
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	uid, _ := strconv.ParseInt(r.URL.Query().Get("uid"), 10, 64)
	if uid <= 0 {
		http.Error(w, "missing uid", 400)
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	c := &hub.Conn{UID: uid, WS: ws, Out: make(chan []byte, 256)}
	s.hub.Set(uid, c)
	go s.hub.WriteLoop(c, s.writeTimeout, func() { s.hub.Drop(uid, c) })
	go s.readLoop(c)

	_ = ws.WriteMessage(websocket.TextMessage, []byte(`{"ok":true}`))
}

// readLoop accepts send frames over the socket: same shape as POST /send,
// sender defaulted to the connection's uid. Bad frames are dropped.
func (s *Server) readLoop(c *hub.Conn) {
	// Out is never closed: Push may hold the conn concurrently. Detach,
	// close the socket and nudge the write loop into its error exit.
	defer func() {
		s.hub.Drop(c.UID, c)
		_ = c.WS.Close()
		select {
		case c.Out <- nil:
		default:
		}
	}()
	for {
		_, data, err := c.WS.ReadMessage()
		if err != nil {
			return
		}
		var q struct {
			ConvID   string            `json:"conv_id"`
			Content  string            `json:"content"`
			MsgType  string            `json:"msg_type"`
			Metadata map[string]string `json:"metadata"`
			Receiver durable.Party     `json:"receiver"`
		}
		if err := json.Unmarshal(data, &q); err != nil {
			continue
		}
		m, err := s.store.SaveMessage(&durable.Message{
			ConvID:   q.ConvID,
			Content:  q.Content,
			MsgType:  q.MsgType,
			Metadata: q.Metadata,
			Sender:   durable.Party{UID: c.UID},
			Receiver: q.Receiver,
		})
		if err != nil {
			s.log.Warn("ws send frame rejected", zap.Int64("uid", c.UID), zap.Error(err))
			continue
		}
		if b, err := json.Marshal(m); err == nil {
			s.hub.Push(m.Receiver.UID, b)
		}
	}
}

// GET /healthz
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	last, _ := s.recovery.LastResult()
	writeJSON(w, map[string]any{
		"ok":         true,
		"pending":    s.store.PendingCount(),
		"poison":     s.store.PoisonCount(),
		"unresolved": last.Unresolved,
		"files": map[string]bool{
			"messages": fileExists(s.store.MessagesPath()),
			"acks":     fileExists(s.store.AcksPath()),
		},
	})
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// GET /admin/stats
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	last, lastAt := s.recovery.LastResult()
	writeJSON(w, map[string]any{
		"pending": s.store.PendingCount(),
		"poison":  s.store.PoisonCount(),
		"online":  s.hub.Len(),
		"batch":   s.batch.Stats(),
		"recovery": map[string]any{
			"last_result": last,
			"last_run":    lastAt,
		},
	})
}

// GET /admin/messages?conv_id=
func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	convID := r.URL.Query().Get("conv_id")
	if convID == "" {
		http.Error(w, "missing conv_id", 400)
		return
	}
	msgs, err := s.store.MessagesByConv(convID)
	if err != nil {
		http.Error(w, "read failed", 500)
		return
	}
	if msgs == nil {
		msgs = []*durable.Message{}
	}
	writeJSON(w, map[string]any{"conv_id": convID, "count": len(msgs), "messages": msgs})
}

// POST /admin/batch/run
func (s *Server) handleBatchRun(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	res, err := s.batch.RunNow(r.Context())
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, res)
}

// POST /admin/recovery/run
func (s *Server) handleRecoveryRun(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, s.recovery.RunNow(r.Context()))
}

// POST /admin/queue/clear — drops the in-memory queue only; the log keeps
// every record, so the recovery loop re-derives anything still unacked.
func (s *Server) handleQueueClear(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	n := s.store.ClearPending()
	writeJSON(w, map[string]any{"ok": true, "cleared": n})
}

// GET /admin/oplog?limit=&level=
func (s *Server) handleOplog(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	entries, err := s.ops.Recent(limit, r.URL.Query().Get("level"))
	if err != nil {
		http.Error(w, "read failed", 500)
		return
	}
	if entries == nil {
		entries = []oplog.Entry{}
	}
	writeJSON(w, map[string]any{"count": len(entries), "entries": entries})
}

// GET /admin/acks/stale?timeout= — acknowledgments not yet verified against
// the primary store; reconciliation gaps keep showing up here until resolved
// by hand.
func (s *Server) handleStaleAcks(w http.ResponseWriter, r *http.Request) {
	timeout := 5 * time.Minute
	if d, err := time.ParseDuration(r.URL.Query().Get("timeout")); err == nil && d > 0 {
		timeout = d
	}
	acks, err := s.store.StaleAcks(timeout)
	if err != nil {
		http.Error(w, "read failed", 500)
		return
	}
	if acks == nil {
		acks = []*durable.Ack{}
	}
	writeJSON(w, map[string]any{"count": len(acks), "acks": acks})
}

// POST /admin/cleanup?days=
func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	// days=0 is a valid override (sweep all history); only an absent
	// parameter falls back to the configured retention
	retention := s.retention
	if raw := r.URL.Query().Get("days"); raw != "" {
		d, err := strconv.Atoi(raw)
		if err != nil || d < 0 {
			http.Error(w, "bad days", 400)
			return
		}
		retention = time.Duration(d) * 24 * time.Hour
	}
	removed, err := s.store.Cleanup(retention)
	if err != nil {
		http.Error(w, "cleanup failed", 500)
		return
	}
	writeJSON(w, map[string]any{"ok": true, "removed": removed})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

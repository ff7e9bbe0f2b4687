// Package server implements the serving layer (C6): a gorilla/mux HTTP API
// over region state, a gorilla/websocket live-update endpoint wired to the
// broadcast hub, and an operator-only admin surface for region locking.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"pixelcanvas/internal/broadcast"
	"pixelcanvas/internal/model"
	"pixelcanvas/internal/region"
	"pixelcanvas/internal/store"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

const wsWriteDeadline = 5 * time.Second

var (
	httpRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pixelcanvas_http_requests_total",
		Help: "Count of HTTP requests served by the pixelcanvas API, by route and status class.",
	}, []string{"route", "status_class"})

	wsConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pixelcanvas_ws_connections",
		Help: "Current count of open WebSocket subscriber connections.",
	})

	wsDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pixelcanvas_ws_subscribers_dropped_total",
		Help: "Count of subscriber connections dropped after a failed write, including a missed write deadline.",
	})
)

func init() {
	prometheus.MustRegister(httpRequests, wsConnections, wsDropped)
}

// Server holds everything the HTTP/WebSocket layer needs: read access to
// KS, the broadcast hub to subscribe to, and the admin bearer token.
type Server struct {
	ks         store.KS
	hub        *broadcast.Hub
	adminToken string
	logger     *logrus.Logger
	router     *mux.Router
}

// New constructs a Server and wires its routes. logger defaults to
// logrus's standard logger if nil.
func New(ks store.KS, hub *broadcast.Hub, adminToken string, logger *logrus.Logger) *Server {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	s := &Server{ks: ks, hub: hub, adminToken: adminToken, logger: logger}
	s.router = mux.NewRouter()
	s.routes()
	return s
}

// Handler returns the root http.Handler, ready to pass to http.Server.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() {
	api := s.router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/region/{rx}/{ry}", s.handleGetRegion).Methods(http.MethodGet)
	api.HandleFunc("/region/{rx}/{ry}/meta", s.handleGetRegionMeta).Methods(http.MethodGet)
	api.HandleFunc("/region/{rx}/{ry}/timestamps", s.handleGetRegionTimestamps).Methods(http.MethodGet)
	api.HandleFunc("/regions", s.handleGetRegionsBatch).Methods(http.MethodGet)
	api.HandleFunc("/open-regions", s.handleGetOpenRegions).Methods(http.MethodGet)
	api.HandleFunc("/account/{owner_id}", s.handleGetAccount).Methods(http.MethodGet)
	api.HandleFunc("/admin/region/{rx}/{ry}/lock", s.handleAdminLockRegion).Methods(http.MethodPost)

	s.router.Handle("/metrics", promhttp.Handler())
	s.router.HandleFunc("/ws", s.handleWebSocket)
}

func parseCoord(r *http.Request, name string) (int32, bool) {
	raw := mux.Vars(r)[name]
	n, err := strconv.ParseInt(raw, 10, 32)
	return int32(n), err == nil
}

func (s *Server) writeStatus(w http.ResponseWriter, route string, status int) {
	class := fmt.Sprintf("%dxx", status/100)
	httpRequests.WithLabelValues(route, class).Inc()
	w.WriteHeader(status)
}

func (s *Server) handleGetRegion(w http.ResponseWriter, r *http.Request) {
	rx, ok1 := parseCoord(r, "rx")
	ry, ok2 := parseCoord(r, "ry")
	if !ok1 || !ok2 {
		s.writeStatus(w, "region_get", http.StatusBadRequest)
		return
	}
	blob, err := s.ks.Get(r.Context(), store.RegionKey(rx, ry))
	if err != nil {
		s.logger.WithError(err).Error("server: region fetch failed")
		s.writeStatus(w, "region_get", http.StatusInternalServerError)
		return
	}
	if blob == nil {
		blob = region.ZeroBlob()
	}
	lastUpdated, _, err := s.ks.HGet(r.Context(), store.RegionMetaKey(rx, ry), "last_updated")
	if err != nil {
		s.logger.WithError(err).Error("server: region meta fetch failed")
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	if len(lastUpdated) > 0 {
		w.Header().Set("X-Last-Updated", string(lastUpdated))
	}
	httpRequests.WithLabelValues("region_get", "2xx").Inc()
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(blob)
}

type regionMetaResponse struct {
	RX          int32  `json:"rx"`
	RY          int32  `json:"ry"`
	LastUpdated uint64 `json:"last_updated"`
}

func (s *Server) handleGetRegionMeta(w http.ResponseWriter, r *http.Request) {
	rx, ok1 := parseCoord(r, "rx")
	ry, ok2 := parseCoord(r, "ry")
	if !ok1 || !ok2 {
		s.writeStatus(w, "region_meta", http.StatusBadRequest)
		return
	}
	resp, err := s.regionMeta(r.Context(), rx, ry)
	if err != nil {
		s.logger.WithError(err).Error("server: region meta fetch failed")
		s.writeStatus(w, "region_meta", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, "region_meta", http.StatusOK, resp)
}

func (s *Server) regionMeta(ctx context.Context, rx, ry int32) (regionMetaResponse, error) {
	raw, _, err := s.ks.HGet(ctx, store.RegionMetaKey(rx, ry), "last_updated")
	if err != nil {
		return regionMetaResponse{}, err
	}
	var lastUpdated uint64
	for _, c := range raw {
		if c < '0' || c > '9' {
			break
		}
		lastUpdated = lastUpdated*10 + uint64(c-'0')
	}
	return regionMetaResponse{RX: rx, RY: ry, LastUpdated: lastUpdated}, nil
}

func (s *Server) handleGetRegionsBatch(w http.ResponseWriter, r *http.Request) {
	coordsParam := r.URL.Query().Get("coords")
	parts := strings.Split(coordsParam, ",")
	if coordsParam == "" || len(parts)%2 != 0 {
		s.writeStatus(w, "regions_batch", http.StatusBadRequest)
		return
	}
	out := make([]regionMetaResponse, 0, len(parts)/2)
	for i := 0; i < len(parts); i += 2 {
		rx, err1 := strconv.ParseInt(parts[i], 10, 32)
		ry, err2 := strconv.ParseInt(parts[i+1], 10, 32)
		if err1 != nil || err2 != nil {
			s.writeStatus(w, "regions_batch", http.StatusBadRequest)
			return
		}
		meta, err := s.regionMeta(r.Context(), int32(rx), int32(ry))
		if err != nil {
			s.logger.WithError(err).Error("server: batch region meta fetch failed")
			s.writeStatus(w, "regions_batch", http.StatusInternalServerError)
			return
		}
		out = append(out, meta)
	}
	s.writeJSON(w, "regions_batch", http.StatusOK, out)
}

const ownershipWindowNs = 3_600_000_000_000

func (s *Server) handleGetRegionTimestamps(w http.ResponseWriter, r *http.Request) {
	rx, ok1 := parseCoord(r, "rx")
	ry, ok2 := parseCoord(r, "ry")
	if !ok1 || !ok2 {
		s.writeStatus(w, "region_timestamps", http.StatusBadRequest)
		return
	}
	nowNs := float64(time.Now().UnixNano())
	entries, err := s.ks.ZRangeByScore(r.Context(), store.PixelTSKey(rx, ry), nowNs-ownershipWindowNs, nowNs)
	if err != nil {
		s.logger.WithError(err).Error("server: region timestamps fetch failed")
		s.writeStatus(w, "region_timestamps", http.StatusInternalServerError)
		return
	}
	out := make([][3]int64, 0, len(entries))
	for _, e := range entries {
		lx, ly, ok := parseLocalCoordMember(e.Member)
		if !ok {
			continue
		}
		out = append(out, [3]int64{int64(lx), int64(ly), int64(e.Score) / 1_000_000})
	}
	s.writeJSON(w, "region_timestamps", http.StatusOK, out)
}

func parseLocalCoordMember(member string) (lx, ly int32, ok bool) {
	parts := strings.SplitN(member, ",", 2)
	if len(parts) != 2 {
		return 0, 0, false
	}
	x, err1 := strconv.ParseInt(parts[0], 10, 32)
	y, err2 := strconv.ParseInt(parts[1], 10, 32)
	if err1 != nil || err2 != nil {
		return 0, 0, false
	}
	return int32(x), int32(y), true
}

func (s *Server) handleGetOpenRegions(w http.ResponseWriter, r *http.Request) {
	members, err := s.ks.SMembers(r.Context(), store.KeyOpenRegions)
	if err != nil {
		s.logger.WithError(err).Error("server: open-regions fetch failed")
		s.writeStatus(w, "open_regions", http.StatusInternalServerError)
		return
	}
	out := make([]model.RegionCoord, 0, len(members))
	for _, m := range members {
		parts := strings.SplitN(m, ":", 2)
		if len(parts) != 2 {
			continue
		}
		rx, err1 := strconv.ParseInt(parts[0], 10, 32)
		ry, err2 := strconv.ParseInt(parts[1], 10, 32)
		if err1 != nil || err2 != nil {
			continue
		}
		out = append(out, model.RegionCoord{RX: int32(rx), RY: int32(ry)})
	}
	s.writeJSON(w, "open_regions", http.StatusOK, out)
}

func (s *Server) handleGetAccount(w http.ResponseWriter, r *http.Request) {
	ownerID := mux.Vars(r)["owner_id"]
	account, ok, err := s.ks.HGet(r.Context(), store.KeyIDToAccount, ownerID)
	if err != nil {
		s.logger.WithError(err).Error("server: account lookup failed")
		s.writeStatus(w, "account_get", http.StatusInternalServerError)
		return
	}
	if !ok {
		s.writeStatus(w, "account_get", http.StatusNotFound)
		return
	}
	httpRequests.WithLabelValues("account_get", "2xx").Inc()
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(account)
}

func (s *Server) handleAdminLockRegion(w http.ResponseWriter, r *http.Request) {
	auth := r.Header.Get("Authorization")
	if s.adminToken == "" || auth != "Bearer "+s.adminToken {
		s.writeStatus(w, "admin_lock", http.StatusUnauthorized)
		return
	}
	rx, ok1 := parseCoord(r, "rx")
	ry, ok2 := parseCoord(r, "ry")
	if !ok1 || !ok2 {
		s.writeStatus(w, "admin_lock", http.StatusBadRequest)
		return
	}
	coord := model.RegionCoord{RX: rx, RY: ry}
	if _, err := s.ks.SAdd(r.Context(), store.KeyLockedRegions, coord.String()); err != nil {
		s.logger.WithError(err).Error("server: admin lock failed")
		s.writeStatus(w, "admin_lock", http.StatusInternalServerError)
		return
	}
	s.logger.WithField("region", coord.String()).Warn("server: region administratively locked")
	s.writeStatus(w, "admin_lock", http.StatusNoContent)
}

func (s *Server) writeJSON(w http.ResponseWriter, route string, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	httpRequests.WithLabelValues(route, fmt.Sprintf("%dxx", status/100)).Inc()
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.WithError(err).Error("server: failed to encode JSON response")
	}
}

// wsOutboundBuffer bounds the single per-connection outbound queue that both
// the live-forward goroutine and the catch-up replay goroutine feed; it
// matches the hub's own per-subscriber buffer since it sits directly
// downstream of it.
const wsOutboundBuffer = broadcast.SubscriberBuffer

// dedupState tracks, per connection, which applied draw events have already
// been written to the client, so a draw event delivered once (whether live
// or via catch-up replay) is never delivered a second time by the other
// path.
type dedupState struct {
	mu        sync.Mutex
	delivered map[string]struct{}
}

// claim reports whether key has not been delivered yet, recording it as
// delivered if so. The caller must only enqueue the message if claim returns
// true.
func (d *dedupState) claim(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, dup := d.delivered[key]; dup {
		return false
	}
	d.delivered[key] = struct{}{}
	return true
}

// handleWebSocket upgrades the connection, subscribes it to the broadcast
// hub, and forwards messages until the client disconnects or a write fails.
// Live messages and catch-up replay are both funneled into one outbound
// channel drained by a single writer goroutine, so conn.WriteMessage is
// never called concurrently and a draw event is written at most once
// regardless of which path (live broadcast or catch-up replay) observes it
// first.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.WithError(err).Warn("server: websocket upgrade failed")
		return
	}
	wsConnections.Inc()
	defer wsConnections.Dec()

	ch, unsubscribe := s.hub.Subscribe()
	defer unsubscribe()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	outbound := make(chan []byte, wsOutboundBuffer)
	dedup := &dedupState{delivered: make(map[string]struct{})}

	go s.forwardLive(ctx, ch, outbound, dedup)
	go s.readClientMessages(ctx, conn, cancel, outbound, dedup)

	for {
		select {
		case <-ctx.Done():
			_ = conn.Close()
			return
		case payload, ok := <-outbound:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteDeadline))
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				wsDropped.Inc()
				_ = conn.Close()
				return
			}
		}
	}
}

// forwardLive drains the hub subscription and enqueues each message onto
// outbound, skipping any draw message whose dedup key was already claimed by
// a concurrent catch-up replay.
func (s *Server) forwardLive(ctx context.Context, ch <-chan broadcast.Message, outbound chan<- []byte, dedup *dedupState) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			if msg.Type == model.WSTypeDraw {
				var draw model.WSDrawMessage
				if err := json.Unmarshal(msg.Payload, &draw); err != nil {
					s.logger.WithError(err).Warn("server: failed to decode live draw message for dedup")
					continue
				}
				if !dedup.claim(broadcast.DedupKey(draw.Signer, draw.Pixels, draw.BlockTimestampMs)) {
					continue
				}
			}
			select {
			case outbound <- msg.Payload:
			case <-ctx.Done():
				return
			}
		}
	}
}

// readClientMessages handles the single client->server message this API
// defines: a catch_up request. Any read error (including a normal close)
// cancels ctx so the other goroutines exit too. Replayed events share
// outbound and dedup with forwardLive so neither path can deliver the same
// draw event twice.
func (s *Server) readClientMessages(ctx context.Context, conn *websocket.Conn, cancel context.CancelFunc, outbound chan<- []byte, dedup *dedupState) {
	defer cancel()
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var req model.WSCatchUpRequest
		if err := json.Unmarshal(raw, &req); err != nil || req.Type != model.WSTypeCatchUp {
			continue
		}
		events, err := s.hub.CatchUp(ctx, req.SinceTimestampMs)
		if err != nil {
			s.logger.WithError(err).Warn("server: catch_up replay failed")
			continue
		}
		for _, ae := range events {
			if !dedup.claim(broadcast.DedupKey(ae.Signer, ae.Pixels, ae.BlockTimestampMs)) {
				continue
			}
			msg := model.WSDrawMessage{
				Type:             model.WSTypeDraw,
				Signer:           ae.Signer,
				BlockTimestampMs: ae.BlockTimestampMs,
				Pixels:           ae.Pixels,
				TxID:             ae.TxID,
			}
			payload, err := json.Marshal(msg)
			if err != nil {
				continue
			}
			select {
			case outbound <- payload:
			case <-ctx.Done():
				return
			}
		}
	}
}

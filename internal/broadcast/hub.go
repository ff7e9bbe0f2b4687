// Package broadcast implements the in-process fan-out hub (C5): every
// applied DrawEvent and newly opened region set is pushed to bounded
// per-subscriber channels. A message for a subscriber whose buffer is full
// is dropped rather than allowed to backpressure the applier; the
// subscriber itself stays registered and is not disconnected.
package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"pixelcanvas/internal/model"
	"pixelcanvas/internal/store"
)

// SubscriberBuffer bounds how many pending messages a subscriber may
// accumulate before the hub starts dropping rather than blocking.
const SubscriberBuffer = 1024

// Message is what Hub delivers to subscribers: the already-JSON-encoded
// wire payload plus its discriminator, so the serving layer can forward it
// to WebSocket clients without re-marshalling.
type Message struct {
	Type    model.WSMessageType
	Payload []byte
}

type subscriber struct {
	id string
	ch chan Message
}

// Hub is the single broadcast point shared by the applier (producer) and
// the serving layer's WebSocket handlers (consumers).
type Hub struct {
	ks     store.KS
	logger *logrus.Logger

	mu      sync.Mutex
	subs    map[string]*subscriber
	dropped uint64
}

// New constructs a Hub. ks is used only for catch-up replay against
// events_recent; logger defaults to logrus's standard logger if nil.
func New(ks store.KS, logger *logrus.Logger) *Hub {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Hub{
		ks:     ks,
		logger: logger,
		subs:   make(map[string]*subscriber),
	}
}

// Subscribe registers a new subscriber and returns its channel plus an
// unsubscribe func that must be called exactly once when the caller (a
// WebSocket connection) closes. Subscribers are identified by a random id
// rather than a sequential counter so log lines correlating a dropped
// message to a connection remain meaningful across restarts.
func (h *Hub) Subscribe() (<-chan Message, func()) {
	h.mu.Lock()
	id := uuid.NewString()
	sub := &subscriber{id: id, ch: make(chan Message, SubscriberBuffer)}
	h.subs[id] = sub
	h.mu.Unlock()

	return sub.ch, func() {
		h.mu.Lock()
		delete(h.subs, id)
		h.mu.Unlock()
		close(sub.ch)
	}
}

// PublishDraw fans an applied draw event out to every current subscriber,
// dropping (and counting) any whose buffer is full rather than blocking the
// applier.
func (h *Hub) PublishDraw(ae model.AppliedEvent) {
	msg := model.WSDrawMessage{
		Type:             model.WSTypeDraw,
		Signer:           ae.Signer,
		BlockTimestampMs: ae.BlockTimestampMs,
		Pixels:           ae.Pixels,
		TxID:             ae.TxID,
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		h.logger.WithError(err).Error("broadcast: failed to marshal draw message")
		return
	}
	h.publish(Message{Type: model.WSTypeDraw, Payload: payload})
}

// PublishRegionsOpened fans out the set of regions newly created by one
// applied event.
func (h *Hub) PublishRegionsOpened(regions []model.RegionCoord) {
	msg := model.WSRegionsOpenedMessage{
		Type:    model.WSTypeRegionsOpened,
		Regions: regions,
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		h.logger.WithError(err).Error("broadcast: failed to marshal regions_opened message")
		return
	}
	h.publish(Message{Type: model.WSTypeRegionsOpened, Payload: payload})
}

func (h *Hub) publish(msg Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, sub := range h.subs {
		select {
		case sub.ch <- msg:
		default:
			h.dropped++
			h.logger.WithField("subscriber", sub.id).Warn("broadcast: subscriber buffer full, dropping message")
		}
	}
}

// Dropped returns the cumulative count of messages dropped due to a full
// subscriber buffer.
func (h *Hub) Dropped() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dropped
}

// CatchUp replays events_recent entries scored strictly after sinceMs (a
// reconnecting client passes its last-seen event's own timestamp, so that
// boundary event itself must not be redelivered), deduplicated by
// (block_timestamp_ms, signer, first pixel coordinate) so a client that
// reconnects mid-broadcast does not see an event twice.
func (h *Hub) CatchUp(ctx context.Context, sinceMs uint64) ([]model.AppliedEvent, error) {
	members, err := h.ks.ZRangeByScore(ctx, store.KeyEventsRecent, float64(sinceMs), maxScore)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{}, len(members))
	out := make([]model.AppliedEvent, 0, len(members))
	for _, m := range members {
		if m.Score <= float64(sinceMs) {
			continue
		}
		var ae model.AppliedEvent
		if err := json.Unmarshal([]byte(m.Member), &ae); err != nil {
			h.logger.WithError(err).Warn("broadcast: skipping malformed events_recent entry")
			continue
		}
		dedupKey := dedupKeyOf(ae)
		if _, dup := seen[dedupKey]; dup {
			continue
		}
		seen[dedupKey] = struct{}{}
		out = append(out, ae)
	}
	return out, nil
}

const maxScore = 1 << 62

func dedupKeyOf(ae model.AppliedEvent) string {
	return DedupKey(ae.Signer, ae.Pixels, ae.BlockTimestampMs)
}

// DedupKey identifies one applied draw event by (signer, first pixel
// coordinate, block_timestamp_ms). It is exported so the serving layer can
// apply the same identity check when deciding whether a draw message it is
// about to deliver live was already delivered via catch-up replay, or vice
// versa.
func DedupKey(signer string, pixels []model.Pixel, blockTimestampMs uint64) string {
	var firstCoord string
	if len(pixels) > 0 {
		firstCoord = pixelCoordKey(pixels[0].X, pixels[0].Y)
	}
	return signer + "|" + firstCoord + "|" + itoa64(blockTimestampMs)
}

func pixelCoordKey(x, y int32) string {
	return fmt.Sprintf("%d,%d", x, y)
}

func itoa64(v uint64) string {
	return fmt.Sprintf("%d", v)
}

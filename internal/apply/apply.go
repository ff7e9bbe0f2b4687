// Package apply implements the applier (C4): the single-consumer state
// machine that moves DrawEvents from the ingest queue into region state
// under the ownership-window admission rule, and fans out applied events.
package apply

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"pixelcanvas/internal/apperr"
	"pixelcanvas/internal/broadcast"
	"pixelcanvas/internal/model"
	"pixelcanvas/internal/region"
	"pixelcanvas/internal/store"
)

// OwnershipWindow is the one-hour interval, measured in block-timestamp
// nanoseconds, during which only a pixel's current owner may repaint it.
const OwnershipWindow = 3_600_000_000_000 // 1h in ns

// RecentEventsWindow bounds events_recent to the last 2 hours.
const RecentEventsWindow = 2 * time.Hour

var (
	pixelsApplied = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pixelcanvas_pixels_applied_total",
		Help: "Count of pixels admitted and written into region state.",
	})

	pixelsRejected = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pixelcanvas_pixels_rejected_total",
		Help: "Count of pixels rejected by the ownership-window admission rule or a locked region.",
	})

	queueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "pixelcanvas_queue_depth",
		Help: "Current length of a KS list, by queue name.",
	}, []string{"queue"})
)

func init() {
	prometheus.MustRegister(pixelsApplied, pixelsRejected, queueDepth)
}

// Clock abstracts wall-clock time so tests can control last_updated_ms.
type Clock func() time.Time

// Applier is the sole writer of region state, the owner directory, and
// events_recent. Exactly one instance may run against a given KS at a time;
// that invariant is enforced by operator policy, not by this type.
type Applier struct {
	ks              store.KS
	hub             *broadcast.Hub
	logger          *logrus.Logger
	consumerTimeout time.Duration
	clock           Clock

	quit      chan struct{}
	closeOnce sync.Once
}

// New constructs an Applier. logger defaults to logrus's standard logger if
// nil; clock defaults to time.Now if nil.
func New(ks store.KS, hub *broadcast.Hub, consumerTimeout time.Duration, logger *logrus.Logger, clock Clock) *Applier {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if clock == nil {
		clock = time.Now
	}
	return &Applier{
		ks:              ks,
		hub:             hub,
		logger:          logger,
		consumerTimeout: consumerTimeout,
		clock:           clock,
		quit:            make(chan struct{}),
	}
}

// Stop requests the run loop exit after finishing its current event.
func (a *Applier) Stop() {
	a.closeOnce.Do(func() { close(a.quit) })
}

// Run drains any residual processing_queue entries (replay from a crashed
// prior run) and then loops: reliably pop one event from draw_queue into
// processing_queue, apply it fully, and acknowledge by removing it.
func (a *Applier) Run(ctx context.Context) error {
	if err := a.replayResidual(ctx); err != nil {
		return err
	}
	const retryBackoffBase, retryBackoffCap = 250 * time.Millisecond, 30 * time.Second
	backoff := retryBackoffBase
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-a.quit:
			return nil
		default:
		}
		a.refreshQueueDepth(ctx)
		raw, err := a.ks.BRPopLPush(ctx, store.KeyDrawQueue, store.KeyProcessingQueue, a.consumerTimeout)
		if err != nil {
			if e, ok := err.(*apperr.Error); ok && e.Kind.IsTransient() {
				a.logger.WithError(err).WithField("backoff", backoff).Warn("applier: transient queue error, retrying")
				select {
				case <-ctx.Done():
					return nil
				case <-a.quit:
					return nil
				case <-time.After(backoff):
				}
				if backoff *= 2; backoff > retryBackoffCap {
					backoff = retryBackoffCap
				}
				continue
			}
			return err
		}
		backoff = retryBackoffBase
		if raw == nil {
			continue // blocking pop timed out; loop to re-check ctx/quit
		}
		if err := a.applyOne(ctx, raw); err != nil {
			return err
		}
	}
}

// replayResidual re-applies any events left in processing_queue by a
// previous run that crashed mid-apply. Region mutations are idempotent
// under the admission rule, so replaying is safe (P3/P7).
func (a *Applier) replayResidual(ctx context.Context) error {
	residual, err := a.ks.LRange(ctx, store.KeyProcessingQueue, 0, -1)
	if err != nil {
		return err
	}
	for _, raw := range residual {
		a.logger.Warn("applier: replaying residual processing_queue entry")
		if err := a.applyOne(ctx, raw); err != nil {
			return err
		}
	}
	return nil
}

// applyOne runs the full per-event pipeline described in spec.md §4.3 and
// acknowledges the event (removes it from processing_queue) only after every
// side effect has succeeded.
func (a *Applier) applyOne(ctx context.Context, raw []byte) error {
	var evt model.DrawEvent
	if err := json.Unmarshal(raw, &evt); err != nil {
		a.logger.WithError(err).Warn("applier: dropping malformed processing_queue entry")
		return a.ack(ctx, raw)
	}

	ownerID, _, err := a.ks.OwnerDirectory(ctx, evt.Signer)
	if err != nil {
		return err
	}
	if ownerID > region.MaxOwnerID {
		return apperr.New(apperr.KindOwnerSpaceExhausted, "apply.applyOne", fmt.Errorf("owner id %d exceeds 24 bits", ownerID))
	}

	groups, order := groupByRegion(evt.Pixels)

	var applied []model.Pixel
	var openedRegions []model.RegionCoord

	for _, coord := range order {
		pixels := groups[coord]
		regionApplied, opened, err := a.applyRegion(ctx, coord, pixels, evt, ownerID)
		if err != nil {
			return err
		}
		applied = append(applied, regionApplied...)
		if opened {
			openedRegions = append(openedRegions, coord)
		}
	}

	if len(applied) > 0 {
		if err := a.publishApplied(ctx, evt, applied); err != nil {
			return err
		}
	}
	if len(openedRegions) > 0 {
		a.hub.PublishRegionsOpened(openedRegions)
	}

	return a.ack(ctx, raw)
}

// applyRegion applies the subset of pixels addressed to one region and
// returns the admitted pixels plus whether the region blob was newly
// created by this call.
func (a *Applier) applyRegion(ctx context.Context, coord model.RegionCoord, pixels []model.Pixel, evt model.DrawEvent, ownerID uint32) ([]model.Pixel, bool, error) {
	locked, err := a.ks.SIsMember(ctx, store.KeyLockedRegions, coord.String())
	if err != nil {
		return nil, false, err
	}
	if locked {
		pixelsRejected.Add(float64(len(pixels)))
		return nil, false, nil
	}

	blobKey := store.RegionKey(coord.RX, coord.RY)
	blob, err := a.ks.Get(ctx, blobKey)
	if err != nil {
		return nil, false, err
	}
	opened := false
	if blob == nil {
		blob = region.ZeroBlob()
		opened = true
	} else if len(blob) != region.BlobLen {
		return nil, false, apperr.New(apperr.KindStateInconsistent, "apply.applyRegion",
			fmt.Errorf("region %s blob length %d != %d", coord, len(blob), region.BlobLen))
	}

	tsKey := store.PixelTSKey(coord.RX, coord.RY)
	var appliedPixels []model.Pixel

	for _, px := range pixels {
		lx, ly := region.LocalOf(px.X, px.Y)
		off := region.Offset(lx, ly)
		var cur [region.PixelBytes]byte
		copy(cur[:], blob[off:off+region.PixelBytes])
		_, _, _, curOwner := region.UnpackPixel(cur)

		admit := curOwner == 0
		if !admit {
			member := memberKey(lx, ly)
			storedNs, ok, err := a.ks.ZScore(ctx, tsKey, member)
			if err != nil {
				return nil, false, err
			}
			switch {
			case !ok:
				// permanent pixel with no timestamp entry
			case int64(evt.BlockTimestampNs)-int64(storedNs) >= OwnershipWindow:
				// window elapsed: permanent. Signed subtraction because
				// blockchains allow slight reorderings, so storedNs can
				// legitimately exceed this event's timestamp.
			case curOwner == ownerID:
				admit = true
			}
		}
		if !admit {
			pixelsRejected.Inc()
			continue
		}

		packed, err := region.PackPixel(px.Color, ownerID)
		if err != nil {
			a.logger.WithError(err).Warn("apply: dropping pixel with invalid color at apply time")
			continue
		}
		copy(blob[off:off+region.PixelBytes], packed[:])
		member := memberKey(lx, ly)
		if err := a.ks.ZAdd(ctx, tsKey, member, float64(evt.BlockTimestampNs)); err != nil {
			return nil, false, err
		}
		appliedPixels = append(appliedPixels, px)
		pixelsApplied.Inc()
	}

	if len(appliedPixels) > 0 || opened {
		if err := a.ks.Set(ctx, blobKey, blob); err != nil {
			return nil, false, err
		}
		nowMs := uint64(a.clock().UnixMilli())
		if err := a.ks.HSet(ctx, store.RegionMetaKey(coord.RX, coord.RY), "last_updated", []byte(fmt.Sprintf("%d", nowMs))); err != nil {
			return nil, false, err
		}
	}

	cutoff := float64(evt.BlockTimestampNs) - OwnershipWindow
	if err := a.ks.ZRemRangeByScore(ctx, tsKey, negInf, cutoff); err != nil {
		return nil, false, err
	}

	if opened {
		if _, err := a.ks.SAdd(ctx, store.KeyOpenRegions, coord.String()); err != nil {
			return nil, false, err
		}
	}

	return appliedPixels, opened, nil
}

const negInf = -1 << 62

func (a *Applier) publishApplied(ctx context.Context, evt model.DrawEvent, applied []model.Pixel) error {
	blockTsMs := evt.BlockTimestampNs / 1_000_000
	ae := model.AppliedEvent{
		Signer:           evt.Signer,
		BlockTimestampMs: blockTsMs,
		Pixels:           applied,
		TxID:             evt.TxID,
	}
	payload, err := json.Marshal(ae)
	if err != nil {
		return apperr.New(apperr.KindStateInconsistent, "apply.publishApplied", err)
	}
	if err := a.ks.ZAdd(ctx, store.KeyEventsRecent, string(payload), float64(blockTsMs)); err != nil {
		return err
	}
	nowMs := uint64(a.clock().UnixMilli())
	trimBefore := float64(nowMs) - float64(RecentEventsWindow.Milliseconds())
	if err := a.ks.ZRemRangeByScore(ctx, store.KeyEventsRecent, negInf, trimBefore); err != nil {
		return err
	}
	a.hub.PublishDraw(ae)
	if err := a.ks.Publish(ctx, store.ChannelDrawEvents, payload); err != nil {
		a.logger.WithError(err).Warn("apply: redis pub/sub publish failed; in-process subscribers still served")
	}
	return nil
}

// refreshQueueDepth samples draw_queue and processing_queue lengths for the
// A4 queue-depth gauge. Errors are logged and otherwise ignored: a stale
// metric reading is not worth failing the applier over.
func (a *Applier) refreshQueueDepth(ctx context.Context) {
	if n, err := a.ks.Len(ctx, store.KeyDrawQueue); err != nil {
		a.logger.WithError(err).Warn("applier: failed to sample draw_queue depth")
	} else {
		queueDepth.WithLabelValues(store.KeyDrawQueue).Set(float64(n))
	}
	if n, err := a.ks.Len(ctx, store.KeyProcessingQueue); err != nil {
		a.logger.WithError(err).Warn("applier: failed to sample processing_queue depth")
	} else {
		queueDepth.WithLabelValues(store.KeyProcessingQueue).Set(float64(n))
	}
}

func (a *Applier) ack(ctx context.Context, raw []byte) error {
	return a.ks.LRem(ctx, store.KeyProcessingQueue, 1, raw)
}

func memberKey(lx, ly int32) string {
	return fmt.Sprintf("%d,%d", lx, ly)
}

// groupByRegion groups pixels by their containing region, deduplicating
// repeated local coordinates within the group so that the last occurrence
// wins (stable overwrite in iteration order), and returns groups plus a
// deterministic (rx,ry)-sorted visiting order.
func groupByRegion(pixels []model.Pixel) (map[model.RegionCoord][]model.Pixel, []model.RegionCoord) {
	groups := make(map[model.RegionCoord][]model.Pixel)
	localIndex := make(map[model.RegionCoord]map[[2]int32]int)

	for _, px := range pixels {
		rx, ry := region.Of(px.X, px.Y)
		coord := model.RegionCoord{RX: rx, RY: ry}
		lx, ly := region.LocalOf(px.X, px.Y)
		key := [2]int32{lx, ly}

		idx, ok := localIndex[coord]
		if !ok {
			idx = make(map[[2]int32]int)
			localIndex[coord] = idx
		}
		if pos, exists := idx[key]; exists {
			groups[coord][pos] = px
			continue
		}
		groups[coord] = append(groups[coord], px)
		idx[key] = len(groups[coord]) - 1
	}

	order := make([]model.RegionCoord, 0, len(groups))
	for coord := range groups {
		order = append(order, coord)
	}
	sort.Slice(order, func(i, j int) bool {
		if order[i].RX != order[j].RX {
			return order[i].RX < order[j].RX
		}
		return order[i].RY < order[j].RY
	})
	return groups, order
}

// Package ingest implements the ingester (C3): it streams blocks from a
// block source, filters receipts down to draw calls against the configured
// contract, validates their arguments, and pushes DrawEvents into the KS
// draw queue, advancing a durable resume cursor one block at a time.
package ingest

import (
	"context"
	"encoding/json"
	"math/rand"
	"time"

	"github.com/sirupsen/logrus"

	"pixelcanvas/internal/apperr"
	"pixelcanvas/internal/model"
	"pixelcanvas/internal/region"
	"pixelcanvas/internal/store"
)

// MaxPixelsPerDraw bounds the size of a single draw call's pixel array.
const MaxPixelsPerDraw = 10000

// MaxBackoff caps the exponential backoff applied after a transient
// block-source or KS error.
const MaxBackoff = 30 * time.Second

const baseBackoff = 250 * time.Millisecond

// Receipt is one transaction receipt within a block, as delivered by the
// block source.
type Receipt struct {
	Receiver string
	Method   string
	Signer   string
	TxID     string
	ArgsJSON []byte
}

// Block is one block streamed by the block source.
type Block struct {
	Height      uint64
	TimestampNs uint64
	Receipts    []Receipt
}

// BlockSource is the external collaborator the ingester consumes: an
// abstraction over whatever chain-indexer or node RPC stream supplies
// blocks in height order starting from `from`.
type BlockSource interface {
	// Next blocks until the next block at or after the source's internal
	// cursor is available, or ctx is done. Implementations own their own
	// "from" bookkeeping across calls within one Ingester.Run.
	Next(ctx context.Context) (Block, error)
}

// drawArgs is the decoded JSON shape of a draw call's arguments.
type drawArgs struct {
	Pixels []model.Pixel `json:"pixels"`
}

// Ingester drives one BlockSource into the draw queue.
type Ingester struct {
	ks         store.KS
	source     BlockSource
	contractID string
	startBlock uint64
	logger     *logrus.Logger
}

// New constructs an Ingester. startBlock is used only when no
// last_processed_block cursor is present in ks. logger defaults to
// logrus's standard logger if nil.
func New(ks store.KS, source BlockSource, contractID string, startBlock uint64, logger *logrus.Logger) *Ingester {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Ingester{
		ks:         ks,
		source:     source,
		contractID: contractID,
		startBlock: startBlock,
		logger:     logger,
	}
}

// Run loads the resume cursor and then streams blocks from source forever,
// filtering, validating, and enqueuing draw events, until ctx is cancelled.
// Transient block-source and KS errors are retried with exponential backoff
// capped at MaxBackoff; the cursor only advances once a block's enqueues
// have all succeeded.
func (g *Ingester) Run(ctx context.Context) error {
	cursor, err := g.loadCursor(ctx)
	if err != nil {
		return err
	}
	g.logger.WithField("from_block", cursor).Info("ingester: starting stream")

	backoff := baseBackoff
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		blk, err := g.source.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			g.logger.WithError(err).WithField("backoff", backoff).Warn("ingester: block source error, retrying")
			if !sleepWithJitter(ctx, backoff) {
				return nil
			}
			backoff = nextBackoff(backoff)
			continue
		}
		backoff = baseBackoff

		if blk.Height < cursor {
			continue // already processed, e.g. a replaying block source
		}

		if err := g.processBlock(ctx, blk); err != nil {
			if e, ok := err.(*apperr.Error); ok && e.Kind.IsTransient() {
				g.logger.WithError(err).WithField("backoff", backoff).Warn("ingester: KS error applying block, retrying")
				if !sleepWithJitter(ctx, backoff) {
					return nil
				}
				backoff = nextBackoff(backoff)
				continue
			}
			return err
		}
		cursor = blk.Height + 1
	}
}

func (g *Ingester) loadCursor(ctx context.Context) (uint64, error) {
	raw, err := g.ks.Get(ctx, store.KeyLastProcessedBlk)
	if err != nil {
		return 0, err
	}
	if raw == nil {
		return g.startBlock, nil
	}
	var n uint64
	for _, c := range raw {
		if c < '0' || c > '9' {
			return g.startBlock, nil
		}
		n = n*10 + uint64(c-'0')
	}
	return n, nil
}

// processBlock filters, validates, and enqueues every draw receipt in blk,
// then advances the cursor past blk's height. Events are pushed in receipt
// order.
func (g *Ingester) processBlock(ctx context.Context, blk Block) error {
	for _, r := range blk.Receipts {
		if r.Receiver != g.contractID || r.Method != "draw" {
			continue
		}
		evt, ok := g.buildEvent(r, blk)
		if !ok {
			continue
		}
		payload, err := json.Marshal(evt)
		if err != nil {
			g.logger.WithError(err).Warn("ingester: dropping receipt that failed to re-encode")
			continue
		}
		if err := g.ks.LPush(ctx, store.KeyDrawQueue, payload); err != nil {
			return err
		}
	}
	return g.ks.Set(ctx, store.KeyLastProcessedBlk, []byte(uitoa(blk.Height)))
}

// buildEvent decodes and validates one receipt's draw arguments per
// spec.md §4.2 step 2.b, dropping (reporting ok=false for) any receipt that
// fails validation without aborting the rest of the block.
func (g *Ingester) buildEvent(r Receipt, blk Block) (model.DrawEvent, bool) {
	var args drawArgs
	if err := json.Unmarshal(r.ArgsJSON, &args); err != nil {
		g.logger.WithField("tx_id", r.TxID).Debug("ingester: dropping receipt with malformed args JSON")
		return model.DrawEvent{}, false
	}
	if len(args.Pixels) == 0 || len(args.Pixels) > MaxPixelsPerDraw {
		g.logger.WithField("tx_id", r.TxID).Debug("ingester: dropping receipt with empty/oversized pixel array")
		return model.DrawEvent{}, false
	}
	normalized := make([]model.Pixel, len(args.Pixels))
	for i, px := range args.Pixels {
		if !region.IsValidColorHex(px.Color) {
			g.logger.WithField("tx_id", r.TxID).Debug("ingester: dropping receipt with invalid pixel color")
			return model.DrawEvent{}, false
		}
		normalized[i] = model.Pixel{X: px.X, Y: px.Y, Color: upperHex(px.Color)}
	}
	return model.DrawEvent{
		Signer:           r.Signer,
		BlockTimestampNs: blk.TimestampNs,
		BlockHeight:      blk.Height,
		Pixels:           normalized,
		TxID:             r.TxID,
	}, true
}

func upperHex(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'a' && c <= 'f' {
			b[i] = c - 'a' + 'A'
		}
	}
	return string(b)
}

func uitoa(n uint64) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}

func nextBackoff(cur time.Duration) time.Duration {
	next := cur * 2
	if next > MaxBackoff {
		return MaxBackoff
	}
	return next
}

// sleepWithJitter sleeps for d plus up to 20% jitter, or returns false early
// if ctx is cancelled first.
func sleepWithJitter(ctx context.Context, d time.Duration) bool {
	jitter := time.Duration(rand.Int63n(int64(d) / 5))
	select {
	case <-time.After(d + jitter):
		return true
	case <-ctx.Done():
		return false
	}
}

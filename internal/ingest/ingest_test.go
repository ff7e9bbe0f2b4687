package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"pixelcanvas/internal/model"
	"pixelcanvas/internal/store"
	"pixelcanvas/internal/store/storetest"
)

// fakeSource replays a fixed slice of blocks, then blocks until ctx is
// cancelled (simulating an exhausted live stream).
type fakeSource struct {
	blocks []Block
	idx    int
}

func (f *fakeSource) Next(ctx context.Context) (Block, error) {
	if f.idx >= len(f.blocks) {
		<-ctx.Done()
		return Block{}, ctx.Err()
	}
	b := f.blocks[f.idx]
	f.idx++
	return b, nil
}

func drawReceipt(t *testing.T, receiver, signer, txID string, pixels []model.Pixel) Receipt {
	t.Helper()
	args, err := json.Marshal(struct {
		Pixels []model.Pixel `json:"pixels"`
	}{Pixels: pixels})
	if err != nil {
		t.Fatalf("marshal args: %v", err)
	}
	return Receipt{Receiver: receiver, Method: "draw", Signer: signer, TxID: txID, ArgsJSON: args}
}

func TestRunFiltersAndEnqueuesValidDraws(t *testing.T) {
	ks := storetest.New()
	src := &fakeSource{blocks: []Block{
		{
			Height:      10,
			TimestampNs: 1_000_000_000,
			Receipts: []Receipt{
				drawReceipt(t, "contract.near", "alice", "tx1", []model.Pixel{{X: 1, Y: 1, Color: "ff0000"}}),
				{Receiver: "other.near", Method: "draw", ArgsJSON: []byte(`{"pixels":[]}`)},
				drawReceipt(t, "contract.near", "bob", "tx2", nil), // empty pixels, dropped
			},
		},
	}}
	ing := New(ks, src, "contract.near", 0, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ing.Run(ctx) }()

	waitForQueueLen(t, ks, store.KeyDrawQueue, 1)
	cancel()
	<-done

	raw, err := ks.LRange(context.Background(), store.KeyDrawQueue, 0, -1)
	if err != nil {
		t.Fatalf("LRange: %v", err)
	}
	if len(raw) != 1 {
		t.Fatalf("len(draw_queue) = %d want 1", len(raw))
	}
	var evt model.DrawEvent
	if err := json.Unmarshal(raw[0], &evt); err != nil {
		t.Fatalf("unmarshal enqueued event: %v", err)
	}
	if evt.Signer != "alice" || evt.Pixels[0].Color != "FF0000" {
		t.Fatalf("unexpected event: %+v", evt)
	}

	gotCursor, err := ks.Get(context.Background(), store.KeyLastProcessedBlk)
	if err != nil {
		t.Fatalf("Get cursor: %v", err)
	}
	if string(gotCursor) != "11" {
		t.Fatalf("last_processed_block = %q want \"11\"", gotCursor)
	}
}

func TestRunResumesFromCursor(t *testing.T) {
	ks := storetest.New()
	if err := ks.Set(context.Background(), store.KeyLastProcessedBlk, []byte("5")); err != nil {
		t.Fatalf("seed cursor: %v", err)
	}
	src := &fakeSource{blocks: []Block{
		{Height: 4, Receipts: []Receipt{drawReceipt(t, "c", "alice", "tx-old", []model.Pixel{{X: 0, Y: 0, Color: "000000"}})}},
		{Height: 5, Receipts: []Receipt{drawReceipt(t, "c", "alice", "tx-new", []model.Pixel{{X: 0, Y: 0, Color: "111111"}})}},
	}}
	ing := New(ks, src, "c", 0, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ing.Run(ctx) }()

	waitForQueueLen(t, ks, store.KeyDrawQueue, 1)
	cancel()
	<-done

	raw, _ := ks.LRange(context.Background(), store.KeyDrawQueue, 0, -1)
	if len(raw) != 1 {
		t.Fatalf("len(draw_queue) = %d want 1 (block 4 should have been skipped as already processed)", len(raw))
	}
	var evt model.DrawEvent
	json.Unmarshal(raw[0], &evt)
	if evt.TxID != "tx-new" {
		t.Fatalf("tx_id = %q want tx-new", evt.TxID)
	}
}

type errSource struct{ err error }

func (e *errSource) Next(ctx context.Context) (Block, error) { return Block{}, e.err }

func TestRunStopsOnContextCancelDuringBackoff(t *testing.T) {
	ks := storetest.New()
	src := &errSource{err: errors.New("transient rpc failure")}
	ing := New(ks, src, "c", 0, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := ing.Run(ctx); err != nil {
		t.Fatalf("Run returned %v, want nil on cancellation", err)
	}
}

func waitForQueueLen(t *testing.T, ks store.KS, key string, n int) {
	t.Helper()
	for i := 0; i < 1000; i++ {
		raw, err := ks.LRange(context.Background(), key, 0, -1)
		if err != nil {
			t.Fatalf("LRange: %v", err)
		}
		if len(raw) >= n {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("queue %q never reached length %d", key, n)
}

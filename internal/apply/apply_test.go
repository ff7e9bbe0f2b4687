package apply

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"pixelcanvas/internal/broadcast"
	"pixelcanvas/internal/model"
	"pixelcanvas/internal/region"
	"pixelcanvas/internal/store"
	"pixelcanvas/internal/store/storetest"
)

func push(t *testing.T, ks store.KS, evt model.DrawEvent) {
	t.Helper()
	raw, err := json.Marshal(evt)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := ks.LPush(context.Background(), store.KeyDrawQueue, raw); err != nil {
		t.Fatalf("LPush: %v", err)
	}
}

func newApplier(ks store.KS) *Applier {
	hub := broadcast.New(ks, nil)
	return New(ks, hub, 50*time.Millisecond, nil, nil)
}

func regionBytes(t *testing.T, ks store.KS, rx, ry int32) []byte {
	t.Helper()
	b, err := ks.Get(context.Background(), store.RegionKey(rx, ry))
	if err != nil {
		t.Fatalf("Get region: %v", err)
	}
	return b
}

// applyDirect marshals evt and runs it through applyOne directly, without
// pushing it to draw_queue or going through Run's BRPopLPush loop, so tests
// stay deterministic without a background goroutine.
func applyDirect(t *testing.T, a *Applier, evt model.DrawEvent) {
	t.Helper()
	raw, err := json.Marshal(evt)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := a.applyOne(context.Background(), raw); err != nil {
		t.Fatalf("applyOne: %v", err)
	}
}

func TestScenario1InitialPaintOnEmptyRegion(t *testing.T) {
	ks := storetest.New()
	a := newApplier(ks)

	applyDirect(t, a, model.DrawEvent{
		Signer:           "alice.near",
		BlockTimestampNs: 1000,
		Pixels:           []model.Pixel{{X: 0, Y: 0, Color: "FF0000"}},
	})

	blob := regionBytes(t, ks, 0, 0)
	want := []byte{0xFF, 0x00, 0x00, 0x01, 0x00, 0x00}
	for i := range want {
		if blob[i] != want[i] {
			t.Fatalf("region 0:0 bytes[0:6] = % X want % X", blob[:6], want)
		}
	}

	score, ok, err := ks.ZScore(context.Background(), store.PixelTSKey(0, 0), "0,0")
	if err != nil || !ok {
		t.Fatalf("ZScore: ok=%v err=%v", ok, err)
	}
	if score != 1000 {
		t.Fatalf("pixel_ts score = %v want 1000", score)
	}

	lastUpdated, ok, err := ks.HGet(context.Background(), store.RegionMetaKey(0, 0), "last_updated")
	if err != nil || !ok || len(lastUpdated) == 0 {
		t.Fatalf("expected last_updated to be set, ok=%v err=%v", ok, err)
	}
}

func TestScenario2WithinWindowDifferentSignerRejected(t *testing.T) {
	ks := storetest.New()
	a := newApplier(ks)

	applyDirect(t, a, model.DrawEvent{Signer: "alice.near", BlockTimestampNs: 1000, Pixels: []model.Pixel{{X: 0, Y: 0, Color: "FF0000"}}})
	applyDirect(t, a, model.DrawEvent{Signer: "bob.near", BlockTimestampNs: 1500, Pixels: []model.Pixel{{X: 0, Y: 0, Color: "00FF00"}}})

	blob := regionBytes(t, ks, 0, 0)
	if blob[0] != 0xFF || blob[1] != 0x00 || blob[2] != 0x00 {
		t.Fatalf("bytes[0:3] = % X want FF 00 00 (bob's repaint must be rejected)", blob[:3])
	}
}

func TestScenario3SameSignerWithinWindowUpdates(t *testing.T) {
	ks := storetest.New()
	a := newApplier(ks)

	applyDirect(t, a, model.DrawEvent{Signer: "alice.near", BlockTimestampNs: 1000, Pixels: []model.Pixel{{X: 0, Y: 0, Color: "FF0000"}}})
	applyDirect(t, a, model.DrawEvent{Signer: "alice.near", BlockTimestampNs: 2000, Pixels: []model.Pixel{{X: 0, Y: 0, Color: "0000FF"}}})

	blob := regionBytes(t, ks, 0, 0)
	if blob[0] != 0x00 || blob[1] != 0x00 || blob[2] != 0xFF {
		t.Fatalf("bytes[0:3] = % X want 00 00 FF", blob[:3])
	}
	score, ok, err := ks.ZScore(context.Background(), store.PixelTSKey(0, 0), "0,0")
	if err != nil || !ok || score != 2000 {
		t.Fatalf("pixel_ts score = %v ok=%v want 2000", score, ok)
	}
}

func TestScenario4ExactBoundaryIsPermanent(t *testing.T) {
	ks := storetest.New()
	a := newApplier(ks)

	applyDirect(t, a, model.DrawEvent{Signer: "alice.near", BlockTimestampNs: 1000, Pixels: []model.Pixel{{X: 0, Y: 0, Color: "FF0000"}}})
	applyDirect(t, a, model.DrawEvent{
		Signer:           "bob.near",
		BlockTimestampNs: 1000 + OwnershipWindow,
		Pixels:           []model.Pixel{{X: 0, Y: 0, Color: "00FF00"}},
	})

	blob := regionBytes(t, ks, 0, 0)
	if blob[0] != 0xFF || blob[1] != 0x00 || blob[2] != 0x00 {
		t.Fatalf("exact boundary must remain permanent: bytes[0:3] = % X", blob[:3])
	}
}

func TestIdempotentReplayP3(t *testing.T) {
	ks := storetest.New()
	a := newApplier(ks)

	evt := model.DrawEvent{Signer: "alice.near", BlockTimestampNs: 1000, Pixels: []model.Pixel{{X: 5, Y: 5, Color: "123456"}}}
	applyDirect(t, a, evt)
	blobAfterFirst := append([]byte(nil), regionBytes(t, ks, 0, 0)...)
	scoreAfterFirst, _, _ := ks.ZScore(context.Background(), store.PixelTSKey(0, 0), "5,5")

	applyDirect(t, a, evt)
	blobAfterSecond := regionBytes(t, ks, 0, 0)
	scoreAfterSecond, _, _ := ks.ZScore(context.Background(), store.PixelTSKey(0, 0), "5,5")

	if string(blobAfterFirst) != string(blobAfterSecond) {
		t.Fatal("replaying the same event must not change the region blob")
	}
	if scoreAfterFirst != scoreAfterSecond {
		t.Fatal("replaying the same event must not change the timestamp")
	}
}

func TestOwnerDirectoryBijectionP6(t *testing.T) {
	ks := storetest.New()
	a := newApplier(ks)

	applyDirect(t, a, model.DrawEvent{Signer: "alice.near", BlockTimestampNs: 1000, Pixels: []model.Pixel{{X: 0, Y: 0, Color: "FF0000"}}})
	applyDirect(t, a, model.DrawEvent{Signer: "bob.near", BlockTimestampNs: 1000, Pixels: []model.Pixel{{X: 200, Y: 200, Color: "00FF00"}}})
	applyDirect(t, a, model.DrawEvent{Signer: "alice.near", BlockTimestampNs: 1000, Pixels: []model.Pixel{{X: 1, Y: 1, Color: "111111"}}})

	aliceID, _, err := ks.OwnerDirectory(context.Background(), "alice.near")
	if err != nil {
		t.Fatalf("OwnerDirectory: %v", err)
	}
	bobID, _, err := ks.OwnerDirectory(context.Background(), "bob.near")
	if err != nil {
		t.Fatalf("OwnerDirectory: %v", err)
	}
	if aliceID == bobID {
		t.Fatal("distinct accounts must receive distinct owner ids")
	}
	if aliceID == 0 || bobID == 0 {
		t.Fatal("owner ids must start at 1, 0 is reserved for undrawn")
	}
}

func TestNegativeCoordinateRegionScenario5(t *testing.T) {
	ks := storetest.New()
	a := newApplier(ks)

	applyDirect(t, a, model.DrawEvent{Signer: "alice.near", BlockTimestampNs: 1000, Pixels: []model.Pixel{{X: -1, Y: -1, Color: "ABCDEF"}}})

	blob := regionBytes(t, ks, -1, -1)
	if blob == nil {
		t.Fatal("expected region -1:-1 to be created")
	}
	lx, ly := region.LocalOf(-1, -1)
	off := region.Offset(lx, ly)
	if off != 98298 {
		t.Fatalf("offset = %d want 98298", off)
	}
	if blob[off] != 0xAB || blob[off+1] != 0xCD || blob[off+2] != 0xEF {
		t.Fatalf("bytes at offset = % X want AB CD EF", blob[off:off+3])
	}
}

func TestLockedRegionRejectsAllPixels(t *testing.T) {
	ks := storetest.New()
	a := newApplier(ks)

	if _, err := ks.SAdd(context.Background(), store.KeyLockedRegions, "0:0"); err != nil {
		t.Fatalf("SAdd locked_regions: %v", err)
	}
	applyDirect(t, a, model.DrawEvent{Signer: "alice.near", BlockTimestampNs: 1000, Pixels: []model.Pixel{{X: 0, Y: 0, Color: "FF0000"}}})

	blob := regionBytes(t, ks, 0, 0)
	if blob != nil {
		t.Fatal("a locked region must reject every pixel, never creating a blob")
	}
}

func TestReorderedSameOwnerRepaintStillAdmitted(t *testing.T) {
	ks := storetest.New()
	a := newApplier(ks)

	applyDirect(t, a, model.DrawEvent{Signer: "alice.near", BlockTimestampNs: 5000, Pixels: []model.Pixel{{X: 0, Y: 0, Color: "FF0000"}}})
	// A slightly reordered block (blockchains don't guarantee cross-block
	// timestamp monotonicity) delivers an earlier timestamp from the same
	// owner; this must not underflow the window comparison and must still
	// be admitted since curOwner == ownerID.
	applyDirect(t, a, model.DrawEvent{Signer: "alice.near", BlockTimestampNs: 4000, Pixels: []model.Pixel{{X: 0, Y: 0, Color: "00FF00"}}})

	blob := regionBytes(t, ks, 0, 0)
	if blob[0] != 0x00 || blob[1] != 0xFF || blob[2] != 0x00 {
		t.Fatalf("bytes[0:3] = % X want 00 FF 00 (reordered same-owner repaint must be admitted)", blob[:3])
	}
}

func TestNewRegionRecordedInOpenRegions(t *testing.T) {
	ks := storetest.New()
	a := newApplier(ks)

	applyDirect(t, a, model.DrawEvent{Signer: "alice.near", BlockTimestampNs: 1000, Pixels: []model.Pixel{{X: 0, Y: 0, Color: "FF0000"}}})

	isMember, err := ks.SIsMember(context.Background(), store.KeyOpenRegions, "0:0")
	if err != nil {
		t.Fatalf("SIsMember: %v", err)
	}
	if !isMember {
		t.Fatal("region 0:0 should be recorded in open_regions after its first mutation")
	}
}

func TestRefreshQueueDepthReflectsPendingEntries(t *testing.T) {
	ks := storetest.New()
	a := newApplier(ks)
	ctx := context.Background()

	push(t, ks, model.DrawEvent{Signer: "alice.near", BlockTimestampNs: 1000, Pixels: []model.Pixel{{X: 0, Y: 0, Color: "FF0000"}}})
	push(t, ks, model.DrawEvent{Signer: "bob.near", BlockTimestampNs: 1000, Pixels: []model.Pixel{{X: 1, Y: 1, Color: "00FF00"}}})

	a.refreshQueueDepth(ctx)
	if got := testutil.ToFloat64(queueDepth.WithLabelValues(store.KeyDrawQueue)); got != 2 {
		t.Fatalf("draw_queue depth gauge = %v, want 2", got)
	}
	if got := testutil.ToFloat64(queueDepth.WithLabelValues(store.KeyProcessingQueue)); got != 0 {
		t.Fatalf("processing_queue depth gauge = %v, want 0", got)
	}
}

func TestApplyOneCountsAppliedAndRejectedPixels(t *testing.T) {
	ks := storetest.New()
	a := newApplier(ks)

	before := testutil.ToFloat64(pixelsApplied)
	applyDirect(t, a, model.DrawEvent{Signer: "alice.near", BlockTimestampNs: 1000, Pixels: []model.Pixel{{X: 0, Y: 0, Color: "FF0000"}}})
	if got := testutil.ToFloat64(pixelsApplied); got != before+1 {
		t.Fatalf("pixelsApplied = %v, want %v", got, before+1)
	}

	beforeRejected := testutil.ToFloat64(pixelsRejected)
	// bob repaints the same pixel within the ownership window, before the
	// window has elapsed and while alice still owns it: rejected.
	applyDirect(t, a, model.DrawEvent{Signer: "bob.near", BlockTimestampNs: 2000, Pixels: []model.Pixel{{X: 0, Y: 0, Color: "0000FF"}}})
	if got := testutil.ToFloat64(pixelsRejected); got != beforeRejected+1 {
		t.Fatalf("pixelsRejected = %v, want %v", got, beforeRejected+1)
	}
}

package store

import "testing"

func TestRegionKeyFormatting(t *testing.T) {
	cases := []struct {
		rx, ry   int32
		wantBlob string
		wantMeta string
		wantTS   string
	}{
		{0, 0, "region:0:0", "region_meta:0:0", "pixel_ts:0:0"},
		{-1, -1, "region:-1:-1", "region_meta:-1:-1", "pixel_ts:-1:-1"},
		{42, -7, "region:42:-7", "region_meta:42:-7", "pixel_ts:42:-7"},
	}
	for _, c := range cases {
		if got := RegionKey(c.rx, c.ry); got != c.wantBlob {
			t.Fatalf("RegionKey(%d,%d) = %q want %q", c.rx, c.ry, got, c.wantBlob)
		}
		if got := RegionMetaKey(c.rx, c.ry); got != c.wantMeta {
			t.Fatalf("RegionMetaKey(%d,%d) = %q want %q", c.rx, c.ry, got, c.wantMeta)
		}
		if got := PixelTSKey(c.rx, c.ry); got != c.wantTS {
			t.Fatalf("PixelTSKey(%d,%d) = %q want %q", c.rx, c.ry, got, c.wantTS)
		}
	}
}

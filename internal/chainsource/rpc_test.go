package chainsource

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestNextReturnsDecodedBlock(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(wireBlock{
			Height:      7,
			TimestampNs: 123,
			Exists:      true,
			Receipts: []wireReceipt{
				{Receiver: "contract.near", Method: "draw", Signer: "alice.near", TxID: "tx1", Args: json.RawMessage(`{"pixels":[]}`)},
			},
		})
	}))
	defer srv.Close()

	src := NewRPCSource(srv.URL, 7, time.Second)
	blk, err := src.Next(context.Background())
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if blk.Height != 7 || len(blk.Receipts) != 1 {
		t.Fatalf("blk = %+v", blk)
	}
	if blk.Receipts[0].Signer != "alice.near" {
		t.Fatalf("signer = %q", blk.Receipts[0].Signer)
	}
}

func TestNextBlocksUntilExistsThenCancels(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(wireBlock{Exists: false})
	}))
	defer srv.Close()

	src := NewRPCSource(srv.URL, 1, time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if _, err := src.Next(ctx); err == nil {
		t.Fatal("expected context deadline error when block never appears")
	}
}

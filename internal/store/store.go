// Package store defines the keyed-store (KS) contract shared by the
// ingester and applier, and a Redis-backed implementation of it. KS is the
// only shared medium between those two components: durable key/value,
// lists (the two queues), sorted sets (timestamp indexes and recent
// events), hashes (region metadata and the owner directory), sets (the
// open/locked region sets), and pub/sub (the cross-process broadcast
// bridge).
package store

import (
	"context"
	"time"
)

// Key layout, authoritative per the wire contract shared across processes.
const (
	KeyDrawQueue        = "draw_queue"
	KeyProcessingQueue  = "processing_queue"
	KeyOpenRegions      = "open_regions"
	KeyLockedRegions    = "locked_regions"
	KeyEventsRecent     = "events_recent"
	KeyLastProcessedBlk = "last_processed_block"
	KeyAccountToID      = "account_to_id"
	KeyIDToAccount      = "id_to_account"
	KeyNextOwnerID      = "next_owner_id"

	ChannelDrawEvents = "pixelcanvas:draw_events"
)

// RegionKey returns the KS key holding a region's binary blob.
func RegionKey(rx, ry int32) string { return keyFmt("region", rx, ry) }

// RegionMetaKey returns the KS key holding a region's metadata hash.
func RegionMetaKey(rx, ry int32) string { return keyFmt("region_meta", rx, ry) }

// PixelTSKey returns the KS key holding a region's pixel timestamp sorted
// set.
func PixelTSKey(rx, ry int32) string { return keyFmt("pixel_ts", rx, ry) }

func keyFmt(prefix string, rx, ry int32) string {
	return prefix + ":" + itoa(rx) + ":" + itoa(ry)
}

// ScoredMember pairs a sorted-set member with its score, used for both
// pixel_ts:* entries and events_recent entries.
type ScoredMember struct {
	Member string
	Score  float64
}

// KS is the keyed-store contract. Implementations must make Eval-style
// multi-step updates (OwnerDirectory get-or-create) atomic with respect to
// each other, since it is the only synchronization point shared by
// independent processes.
type KS interface {
	// Strings / durable key-value.
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, val []byte) error

	// Lists.
	LPush(ctx context.Context, key string, val []byte) error
	// BRPopLPush atomically moves one element from src's tail to dst's
	// head, blocking up to timeout. Returns (nil, nil) on timeout.
	BRPopLPush(ctx context.Context, src, dst string, timeout time.Duration) ([]byte, error)
	// LRem removes up to count occurrences of val from key (count=0 removes
	// all occurrences).
	LRem(ctx context.Context, key string, count int, val []byte) error
	// LRange returns elements [start, stop] inclusive, -1 meaning last.
	LRange(ctx context.Context, key string, start, stop int64) ([][]byte, error)
	// Len returns the number of elements in a list, used to report queue
	// depth as a metric.
	Len(ctx context.Context, key string) (int64, error)

	// Hashes.
	HGet(ctx context.Context, key, field string) ([]byte, bool, error)
	HSet(ctx context.Context, key, field string, val []byte) error

	// Sorted sets.
	ZAdd(ctx context.Context, key string, member string, score float64) error
	ZScore(ctx context.Context, key, member string) (float64, bool, error)
	ZRangeByScore(ctx context.Context, key string, min, max float64) ([]ScoredMember, error)
	ZRemRangeByScore(ctx context.Context, key string, min, max float64) error

	// Sets.
	SAdd(ctx context.Context, key string, member string) (added bool, err error)
	SMembers(ctx context.Context, key string) ([]string, error)
	SIsMember(ctx context.Context, key string, member string) (bool, error)

	// OwnerDirectory performs the get-or-create of an account's owner id as
	// a single atomic step: if account is already mapped its id is
	// returned; otherwise next_owner_id is incremented and both directions
	// of the mapping are written before returning the new id.
	OwnerDirectory(ctx context.Context, account string) (ownerID uint32, created bool, err error)

	// Publish delivers payload to all current subscribers of channel. The
	// applier publishes each applied draw event here in addition to the
	// in-process broadcast hub; the hub itself does not subscribe to it.
	Publish(ctx context.Context, channel string, payload []byte) error
	// Subscribe returns a channel of raw payloads published to channel.
	// Callers must drain it until ctx is cancelled.
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)

	Close() error
}

func itoa(n int32) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [12]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

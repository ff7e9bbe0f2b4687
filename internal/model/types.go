// Package model holds the wire and domain types shared by the ingester,
// applier, broadcast hub, and serving layer.
package model

import "fmt"

// Pixel is the wire representation of a single paint instruction, as it
// arrives inside a draw call's JSON arguments and as it is re-emitted on the
// broadcast channel.
type Pixel struct {
	X     int32  `json:"x"`
	Y     int32  `json:"y"`
	Color string `json:"color"`
}

// DrawEvent is built by the ingester from one filtered, validated receipt.
type DrawEvent struct {
	Signer           string  `json:"signer"`
	BlockTimestampNs uint64  `json:"block_timestamp_ns"`
	BlockHeight      uint64  `json:"block_height"`
	Pixels           []Pixel `json:"pixels"`
	TxID             string  `json:"tx_id"`
}

// AppliedEvent is the subset of a DrawEvent that was actually admitted by the
// applier; only applied events are persisted to events_recent and broadcast.
type AppliedEvent struct {
	Signer           string  `json:"signer"`
	BlockTimestampMs uint64  `json:"block_timestamp_ms"`
	Pixels           []Pixel `json:"pixels"`
	TxID             string  `json:"tx_id,omitempty"`
}

// RegionCoord addresses a 128x128 tile of the infinite pixel plane.
type RegionCoord struct {
	RX int32 `json:"rx"`
	RY int32 `json:"ry"`
}

func (c RegionCoord) String() string { return fmt.Sprintf("%d:%d", c.RX, c.RY) }

// RegionMeta carries the wall-clock epoch-millisecond time of a region's most
// recent successful mutation.
type RegionMeta struct {
	RX            int32  `json:"rx"`
	RY            int32  `json:"ry"`
	LastUpdatedMs uint64 `json:"last_updated"`
}

// WSMessageType is the closed set of WebSocket message discriminators the
// server emits or accepts.
type WSMessageType string

const (
	WSTypeDraw          WSMessageType = "draw"
	WSTypeRegionsOpened WSMessageType = "regions_opened"
	WSTypeCatchUp       WSMessageType = "catch_up"
)

// WSDrawMessage is the server->client payload for an applied DrawEvent.
type WSDrawMessage struct {
	Type             WSMessageType `json:"type"`
	Signer           string        `json:"signer"`
	BlockTimestampMs uint64        `json:"block_timestamp_ms"`
	Pixels           []Pixel       `json:"pixels"`
	TxID             string        `json:"tx_id,omitempty"`
}

// WSRegionsOpenedMessage is the server->client notification that new regions
// became available for drawing.
type WSRegionsOpenedMessage struct {
	Type    WSMessageType `json:"type"`
	Regions []RegionCoord `json:"regions"`
}

// WSCatchUpRequest is the client->server request to replay missed events.
type WSCatchUpRequest struct {
	Type            WSMessageType `json:"type"`
	SinceTimestampMs uint64       `json:"since_timestamp_ms"`
}

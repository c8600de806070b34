package server

import (
	"encoding/json"
	"time"
)

// Request is one inbound frame. Data is left raw so each handler can decode
// the payload variant it expects.
type Request struct {
	Type     string          `json:"type"`
	Data     json.RawMessage `json:"data"`
	FutureID string          `json:"future_id,omitempty"`
}

// Broadcast event types.
const (
	EventUpdate       = "update"
	EventBulkUpdate   = "bulkupdate"
	EventStackUpdate  = "stackupdate"
	EventBulkAdd      = "bulk_add"
	EventBulkRemove   = "bulk_remove"
	EventBroadcastMsg = "broadcast_message"
	EventPresence     = "presence"
	EventReset        = "reset"
)

type replyFrame struct {
	Type     string      `json:"type"`
	Data     interface{} `json:"data"`
	Time     float64     `json:"time"`
	FutureID string      `json:"future_id,omitempty"`
}

type broadcastFrame struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
	Time float64     `json:"time"`
}

type errorFrame struct {
	Type string `json:"type"`
	Msg  string `json:"msg"`
}

type redirectFrame struct {
	Type string `json:"type"`
	Msg  string `json:"msg"`
	URL  string `json:"url"`
}

func nowSeconds() float64 {
	return float64(time.Now().UnixNano()) / float64(time.Second)
}

// Package ingest defines the event-source boundary: a channel of
// already-decoded chain events plus ack/resume. internal/ingest/fixture
// is the deterministic in-memory Source used by tests and
// cmd/hyperproj-bench; internal/ingest/wsclient and
// internal/ingest/reconnect together provide a live websocket-backed
// Source with automatic redial on disconnect.
package ingest

import "github.com/luxfi/hyperproj/internal/value"

// Event is one decoded account/instruction update flowing out of a
// Source, carrying its own total-order position.
type Event struct {
	Type        string
	Instruction string
	Slot        uint64
	SubIndex    uint32
	Ordering    int64
	BlockTime   int64
	Payload     value.Value
}

// Source is the ingest boundary every concrete event feed implements.
type Source interface {
	// Events returns the channel new events arrive on. Closed when the
	// source is exhausted or Close is called.
	Events() <-chan Event
	// Ack confirms ordering has been fully committed (state updated,
	// mutations fanned out), letting the source advance its own
	// resume checkpoint.
	Ack(ordering int64) error
	// Resume requests the source replay from just after the given
	// ordering, used when an engine restarts from a persisted
	// watermark.
	Resume(from int64) error
	Close() error
}

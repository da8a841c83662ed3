package walstore

import (
	"encoding/json"
	"time"

	"github.com/wilhg/strand/pkg/errmodel"
	"github.com/wilhg/strand/pkg/store"
	"github.com/wilhg/strand/pkg/wal"
)

// envelope is the JSON body of an event record. The binary frame already
// carries the global offset and stream sequence; everything else lives
// here.
type envelope struct {
	EventID       string          `json:"event_id"`
	StreamID      string          `json:"stream_id"`
	Type          string          `json:"type"`
	SchemaVersion int             `json:"schema_version"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	OccurredAt    time.Time       `json:"occurred_at"`
	CausationID   string          `json:"causation_id,omitempty"`
}

func encodeEnvelope(streamID string, e store.NewEvent) ([]byte, error) {
	return json.Marshal(envelope{
		EventID:       e.EventID,
		StreamID:      streamID,
		Type:          e.Type,
		SchemaVersion: e.SchemaVersion,
		Payload:       e.Payload,
		OccurredAt:    e.OccurredAt,
		CausationID:   e.CausationID,
	})
}

func decodeEnvelope(rec wal.Record) (store.EventRecord, error) {
	var env envelope
	if err := json.Unmarshal(rec.Payload, &env); err != nil {
		return store.EventRecord{}, errmodel.Corruption("bad_envelope", "event envelope is not valid JSON",
			map[string]any{"offset": rec.Offset})
	}
	return store.EventRecord{
		EventID:       env.EventID,
		StreamID:      env.StreamID,
		Sequence:      int64(rec.StreamSeq),
		GlobalOffset:  rec.Offset,
		Type:          env.Type,
		SchemaVersion: env.SchemaVersion,
		Payload:       env.Payload,
		OccurredAt:    env.OccurredAt,
		CausationID:   env.CausationID,
	}, nil
}

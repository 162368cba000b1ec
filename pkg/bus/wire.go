package bus

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spiderfoot/fabric/pkg/types"
)

// encodeFields flattens an envelope into the Redis stream entry field map.
// The topic is carried by the stream key, not the entry. Structured data and
// metadata are JSON-stringified; scores become decimal strings.
func encodeFields(env *types.Envelope) (map[string]any, error) {
	data, err := stringifyData(env.Data)
	if err != nil {
		return nil, fmt.Errorf("encode envelope data: %w", err)
	}
	fields := map[string]any{
		"scan_id":           env.ScanID,
		"event_type":        env.EventType,
		"module":            env.Module,
		"data":              data,
		"source_event_hash": env.SourceEventHash,
		"confidence":        strconv.Itoa(env.Confidence),
		"visibility":        strconv.Itoa(env.Visibility),
		"risk":              strconv.Itoa(env.Risk),
		"timestamp":         env.Timestamp.UTC().Format(time.RFC3339Nano),
	}
	if len(env.Metadata) > 0 {
		meta, err := json.Marshal(env.Metadata)
		if err != nil {
			return nil, fmt.Errorf("encode envelope metadata: %w", err)
		}
		fields["metadata"] = string(meta)
	}
	return fields, nil
}

// decodeFields rebuilds an envelope from a stream entry. The topic comes from
// the stream key the entry was read off.
func decodeFields(topic string, fields map[string]any) (*types.Envelope, error) {
	env := &types.Envelope{Topic: topic}
	for key, raw := range fields {
		val, ok := raw.(string)
		if !ok {
			return nil, fmt.Errorf("stream field %q is not a string", key)
		}
		switch key {
		case "scan_id":
			env.ScanID = val
		case "event_type":
			env.EventType = val
		case "module":
			env.Module = val
		case "data":
			env.Data = destringifyData(val)
		case "source_event_hash":
			env.SourceEventHash = val
		case "confidence", "visibility", "risk":
			n, err := strconv.Atoi(val)
			if err != nil {
				return nil, fmt.Errorf("stream field %q: %w", key, err)
			}
			switch key {
			case "confidence":
				env.Confidence = n
			case "visibility":
				env.Visibility = n
			case "risk":
				env.Risk = n
			}
		case "timestamp":
			ts, err := time.Parse(time.RFC3339Nano, val)
			if err != nil {
				return nil, fmt.Errorf("stream field timestamp: %w", err)
			}
			env.Timestamp = ts
		case "metadata":
			if err := json.Unmarshal([]byte(val), &env.Metadata); err != nil {
				return nil, fmt.Errorf("stream field metadata: %w", err)
			}
		}
	}
	return env, nil
}

// stringifyData passes strings through untouched and JSON-encodes anything
// structured.
func stringifyData(data any) (string, error) {
	switch d := data.(type) {
	case nil:
		return "", nil
	case string:
		return d, nil
	default:
		b, err := json.Marshal(d)
		if err != nil {
			return "", err
		}
		return string(b), nil
	}
}

// destringifyData reverses stringifyData on a best-effort basis: payloads
// that parse as JSON objects or arrays come back structured, everything else
// stays a string.
func destringifyData(val string) any {
	trimmed := strings.TrimSpace(val)
	if len(trimmed) == 0 {
		return val
	}
	if trimmed[0] != '{' && trimmed[0] != '[' {
		return val
	}
	var out any
	if err := json.Unmarshal([]byte(trimmed), &out); err != nil {
		return val
	}
	return out
}

// wireEnvelope is the JSON shape published to NATS subjects. The subject
// carries the topic, so it is not repeated in the payload.
type wireEnvelope struct {
	ScanID          string         `json:"scan_id"`
	EventType       string         `json:"event_type"`
	Module          string         `json:"module"`
	Data            any            `json:"data"`
	SourceEventHash string         `json:"source_event_hash"`
	Confidence      int            `json:"confidence"`
	Visibility      int            `json:"visibility"`
	Risk            int            `json:"risk"`
	Timestamp       time.Time      `json:"timestamp"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}

func encodeJSON(env *types.Envelope) ([]byte, error) {
	return json.Marshal(wireEnvelope{
		ScanID:          env.ScanID,
		EventType:       env.EventType,
		Module:          env.Module,
		Data:            env.Data,
		SourceEventHash: env.SourceEventHash,
		Confidence:      env.Confidence,
		Visibility:      env.Visibility,
		Risk:            env.Risk,
		Timestamp:       env.Timestamp.UTC(),
		Metadata:        env.Metadata,
	})
}

func decodeJSON(topic string, payload []byte) (*types.Envelope, error) {
	var w wireEnvelope
	if err := json.Unmarshal(payload, &w); err != nil {
		return nil, fmt.Errorf("decode envelope payload: %w", err)
	}
	return &types.Envelope{
		Topic:           topic,
		ScanID:          w.ScanID,
		EventType:       w.EventType,
		Module:          w.Module,
		Data:            w.Data,
		SourceEventHash: w.SourceEventHash,
		Confidence:      w.Confidence,
		Visibility:      w.Visibility,
		Risk:            w.Risk,
		Timestamp:       w.Timestamp,
		Metadata:        w.Metadata,
	}, nil
}

package storage

import (
	"encoding/json"
	"fmt"

	"github.com/ashita-ai/kansoku/internal/model"
)

// EncodeEventBody serializes the payload and artifacts columns of an event.
// Absent values encode as nil so they are stored as NULL.
func EncodeEventBody(e model.Event) (payload, artifacts []byte, err error) {
	if e.Payload != nil {
		if payload, err = json.Marshal(e.Payload); err != nil {
			return nil, nil, fmt.Errorf("storage: encode payload: %w", err)
		}
	}
	if len(e.Artifacts) > 0 {
		if artifacts, err = json.Marshal(e.Artifacts); err != nil {
			return nil, nil, fmt.Errorf("storage: encode artifacts: %w", err)
		}
	}
	return payload, artifacts, nil
}

// DecodeEventBody restores the payload union and artifacts of e.
func DecodeEventBody(e *model.Event, payload, artifacts []byte) error {
	p, err := model.DecodePayload(e.Kind, payload)
	if err != nil {
		return fmt.Errorf("storage: decode event %s: %w", e.EventID, err)
	}
	e.Payload = p
	if len(artifacts) > 0 {
		if err := json.Unmarshal(artifacts, &e.Artifacts); err != nil {
			return fmt.Errorf("storage: decode artifacts of %s: %w", e.EventID, err)
		}
	}
	return nil
}

// EncodeTags serializes topic tags, never as null.
func EncodeTags(tags []string) ([]byte, error) {
	if tags == nil {
		tags = []string{}
	}
	return json.Marshal(tags)
}

// DecodeTags restores topic tags.
func DecodeTags(raw []byte) ([]string, error) {
	tags := []string{}
	if len(raw) == 0 {
		return tags, nil
	}
	if err := json.Unmarshal(raw, &tags); err != nil {
		return nil, fmt.Errorf("storage: decode tags: %w", err)
	}
	return tags, nil
}

// StatusStrings converts run statuses for IN / ANY clauses.
func StatusStrings(statuses []model.RunStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

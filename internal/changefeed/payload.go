package changefeed

import "encoding/json"

// decodePayload converts a Change's loosely-typed payload (decoded from the
// wire as map[string]any, or already a concrete T in tests) into T via a
// JSON round-trip.
func decodePayload[T any](payload any) (T, error) {
	var out T
	if payload == nil {
		return out, nil
	}
	if typed, ok := payload.(T); ok {
		return typed, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return out, err
	}
	return out, nil
}

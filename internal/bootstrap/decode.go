package bootstrap

import (
	"encoding/json"
	"fmt"
)

// decodeAndApply converts a loosely-typed bootstrap listing item into T via
// a JSON round-trip and hands it to apply.
func decodeAndApply[T any](item any, apply func(T) error) error {
	var typed T
	if t, ok := item.(T); ok {
		typed = t
	} else {
		data, err := json.Marshal(item)
		if err != nil {
			return fmt.Errorf("bootstrap: marshal item: %w", err)
		}
		if err := json.Unmarshal(data, &typed); err != nil {
			return fmt.Errorf("bootstrap: decode item: %w", err)
		}
	}
	return apply(typed)
}

package tools

import (
	"encoding/json"
	"fmt"
)

// decodeArgs unmarshals raw tool arguments into the handler's typed
// struct. Schema validation already ran; this catches type drift between
// the schema and the struct.
func decodeArgs[T any](raw json.RawMessage) (*T, error) {
	var args T
	if len(raw) == 0 {
		return &args, nil
	}
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, fmt.Errorf("decode arguments: %w", err)
	}
	return &args, nil
}

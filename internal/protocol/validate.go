package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

// validClientTypes is the set of allowed client→server frame types.
var validClientTypes = map[string]bool{
	TypeMessage:  true,
	TypeCancel:   true,
	TypeSetModel: true,
}

// ValidateClientFrame parses and validates a raw JSON frame from a client.
func ValidateClientFrame(raw []byte) (*ClientFrame, error) {
	var f ClientFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}

	if f.Type == "" {
		return nil, fmt.Errorf("missing 'type' field")
	}
	if !validClientTypes[f.Type] {
		return nil, fmt.Errorf("unknown frame type: %s", f.Type)
	}

	switch f.Type {
	case TypeMessage:
		if strings.TrimSpace(f.Content) == "" {
			return nil, fmt.Errorf("missing required field 'content' in %s frame", f.Type)
		}
	case TypeSetModel:
		if strings.TrimSpace(f.Model) == "" {
			return nil, fmt.Errorf("missing required field 'model' in %s frame", f.Type)
		}
	}

	return &f, nil
}

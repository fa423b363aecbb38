package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// MaxSettingsLen bounds the compacted settings document of a room.
const MaxSettingsLen = 4096

// ParseSettings validates opaque room settings. The document must be a
// JSON object; empty input and null become {}.
func ParseSettings(raw []byte) (json.RawMessage, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return json.RawMessage("{}"), nil
	}
	if raw[0] != '{' {
		return nil, fmt.Errorf("%w: not an object", ErrInvalidSettings)
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSettings, err)
	}
	if buf.Len() > MaxSettingsLen {
		return nil, fmt.Errorf("%w: %d bytes", ErrInvalidSettings, buf.Len())
	}
	return json.RawMessage(buf.Bytes()), nil
}

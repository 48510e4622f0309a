package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/roach88/rfusync/internal/ledger"
)

// marshalCounts converts ledger counts to JSON TEXT for storage.
// HTML escaping is disabled so stored rows read the same as CLI output.
func marshalCounts(c ledger.Counts) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(c); err != nil {
		return "", fmt.Errorf("marshal counts: %w", err)
	}
	// Encoder adds a trailing newline
	return strings.TrimSpace(buf.String()), nil
}

// unmarshalCounts parses JSON TEXT written by marshalCounts.
func unmarshalCounts(data string) (ledger.Counts, error) {
	var c ledger.Counts
	if data == "" {
		return c, nil
	}
	if err := json.Unmarshal([]byte(data), &c); err != nil {
		return c, fmt.Errorf("unmarshal counts: %w", err)
	}
	return c, nil
}

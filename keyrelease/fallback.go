package keyrelease

import (
	"bytes"
	"encoding/json"
)

// DemoPlaceholderSize is the length of a demo substitution.
const DemoPlaceholderSize = 1024

// DemoPlaceholder returns the non-authoritative stand-in plaintext used when
// demo fallback is enabled. It is a pickle protocol header followed by a
// JSON marker naming the object, padded with spaces.
func DemoPlaceholder(objectID ID) []byte {
	marker, _ := json.Marshal(map[string]any{
		"demo_placeholder": true,
		"authoritative":    false,
		"object_id":        objectID.String(),
	})

	out := make([]byte, 0, DemoPlaceholderSize)
	out = append(out, 0x80, 0x03)
	out = append(out, marker...)
	if len(out) < DemoPlaceholderSize {
		out = append(out, bytes.Repeat([]byte{' '}, DemoPlaceholderSize-len(out))...)
	}
	return out
}

// IsDemoPlaceholder reports whether data was produced by DemoPlaceholder.
func IsDemoPlaceholder(data []byte) bool {
	return len(data) == DemoPlaceholderSize &&
		bytes.HasPrefix(data, []byte{0x80, 0x03}) &&
		bytes.Contains(data[:128], []byte(`"demo_placeholder":true`))
}

package filevault

import (
	"encoding/hex"
	"fmt"
	"time"
)

func toHex(b []byte) string {
	return hex.EncodeToString(b)
}

func fromHex(field, value string) ([]byte, error) {
	b, err := hex.DecodeString(value)
	if err != nil {
		return nil, fmt.Errorf("invalid hex in %s: %w", field, err)
	}
	return b, nil
}

// timestampNow returns the current time in the canonical on-disk form
func timestampNow() string {
	return time.Now().UTC().Format(time.RFC3339)
}

package query

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/flipledger/ledger-engine/internal/store"
)

// EncodeCursor returns the opaque token for a (timestamp, id) position.
func EncodeCursor(at time.Time, id string) string {
	raw := at.UTC().Format(time.RFC3339Nano) + "|" + id
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// DecodeCursor parses a token produced by EncodeCursor.
func DecodeCursor(token string) (*store.Cursor, error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed cursor", ErrInvalidFilter)
	}
	ts, id, ok := strings.Cut(string(raw), "|")
	if !ok {
		return nil, fmt.Errorf("%w: malformed cursor", ErrInvalidFilter)
	}
	// Row ids are UUIDs; stores compare them natively.
	if _, err := uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("%w: malformed cursor", ErrInvalidFilter)
	}
	at, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed cursor", ErrInvalidFilter)
	}
	return &store.Cursor{At: at, ID: id}, nil
}

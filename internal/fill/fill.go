// Package fill handles the trade-fill event wire format: the batch envelope a
// client submits, per-event decoding, and validation into a typed Fill.
package fill

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/flipledger/ledger-engine/internal/model"
)

// DefaultMaxBatch is the largest batch a client may submit.
const DefaultMaxBatch = 100

var (
	ErrInvalidFill  = errors.New("fill: invalid trade event")
	ErrInvalidBatch = errors.New("fill: invalid batch")
)

// ValidationError names the offending field of a rejected event.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "invalid trade event: " + e.Reason
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrInvalidFill }

// Event is one trade-fill event as sent by the client.
// Filled and remaining quantities are pointers so a missing field is
// distinguishable from zero.
type Event struct {
	ExternalEventID   string            `json:"external_event_id"`
	ItemID            int64             `json:"item_id"`
	ItemName          string            `json:"item_name"`
	OfferType         model.OfferType   `json:"offer_type"`
	Price             int64             `json:"price"`
	Quantity          int64             `json:"quantity"`
	FilledQuantity    *int64            `json:"filled_quantity"`
	RemainingQuantity *int64            `json:"remaining_quantity"`
	Status            model.EventStatus `json:"status"`
	Timestamp         string            `json:"timestamp"`
}

// Fill is a validated event.
type Fill struct {
	ExternalEventID   string
	ItemID            int64
	ItemName          string
	OfferType         model.OfferType
	Price             int64
	Quantity          int64
	FilledQuantity    int64
	RemainingQuantity int64
	Status            model.EventStatus
	Timestamp         time.Time
}

// Update returns the mutable fill fields.
func (f *Fill) Update() model.FillUpdate {
	return model.FillUpdate{
		FilledQuantity:    f.FilledQuantity,
		RemainingQuantity: f.RemainingQuantity,
		Status:            f.Status,
	}
}

// Batch is the submission envelope. Trades stay raw so one malformed event
// is reported on its own instead of failing the whole batch.
type Batch struct {
	ClientID string            `json:"client_id"`
	Username *string           `json:"username,omitempty"`
	Trades   []json.RawMessage `json:"trades"`
}

// Validate checks the envelope: a UUID client id and 1..maxSize events.
// A blank username is treated as absent.
func (b *Batch) Validate(maxSize int) error {
	if maxSize <= 0 {
		maxSize = DefaultMaxBatch
	}
	if _, err := uuid.Parse(b.ClientID); err != nil {
		return fmt.Errorf("%w: client_id must be a UUID", ErrInvalidBatch)
	}
	if len(b.Trades) == 0 {
		return fmt.Errorf("%w: at least one trade is required", ErrInvalidBatch)
	}
	if len(b.Trades) > maxSize {
		return fmt.Errorf("%w: %d trades exceeds the maximum of %d", ErrInvalidBatch, len(b.Trades), maxSize)
	}
	if b.Username != nil && strings.TrimSpace(*b.Username) == "" {
		b.Username = nil
	}
	return nil
}

// ExternalID best-effort extracts the event id from a raw event, so errors
// for undecodable events can still be correlated by the client.
func ExternalID(raw json.RawMessage) string {
	var head struct {
		ExternalEventID string `json:"external_event_id"`
	}
	_ = json.Unmarshal(raw, &head)
	return head.ExternalEventID
}

// Decode unmarshals and validates one raw event.
func Decode(raw json.RawMessage) (*Fill, error) {
	var ev Event
	if err := json.Unmarshal(raw, &ev); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) {
			return nil, &ValidationError{Field: typeErr.Field, Reason: "must be " + typeName(typeErr.Type.Kind().String())}
		}
		return nil, &ValidationError{Reason: "malformed JSON"}
	}
	return Validate(&ev)
}

// Validate checks every field constraint and parses the timestamp.
func Validate(ev *Event) (*Fill, error) {
	switch {
	case ev.ExternalEventID == "":
		return nil, &ValidationError{Field: "external_event_id", Reason: "is required"}
	case ev.ItemID <= 0:
		return nil, &ValidationError{Field: "item_id", Reason: "must be a positive integer"}
	case ev.ItemName == "":
		return nil, &ValidationError{Field: "item_name", Reason: "is required"}
	case !ev.OfferType.Valid():
		return nil, &ValidationError{Field: "offer_type", Reason: "must be buy or sell"}
	case ev.Price <= 0:
		return nil, &ValidationError{Field: "price", Reason: "must be a positive integer"}
	case ev.Quantity <= 0:
		return nil, &ValidationError{Field: "quantity", Reason: "must be a positive integer"}
	case ev.FilledQuantity == nil || *ev.FilledQuantity < 0:
		return nil, &ValidationError{Field: "filled_quantity", Reason: "must be a non-negative integer"}
	case ev.RemainingQuantity == nil || *ev.RemainingQuantity < 0:
		return nil, &ValidationError{Field: "remaining_quantity", Reason: "must be a non-negative integer"}
	case !ev.Status.Valid():
		return nil, &ValidationError{Field: "status", Reason: "must be pending, completed or canceled"}
	}

	ts, err := time.Parse(time.RFC3339Nano, ev.Timestamp)
	if err != nil {
		return nil, &ValidationError{Field: "timestamp", Reason: "must be an ISO-8601 date-time"}
	}

	return &Fill{
		ExternalEventID:   ev.ExternalEventID,
		ItemID:            ev.ItemID,
		ItemName:          ev.ItemName,
		OfferType:         ev.OfferType,
		Price:             ev.Price,
		Quantity:          ev.Quantity,
		FilledQuantity:    *ev.FilledQuantity,
		RemainingQuantity: *ev.RemainingQuantity,
		Status:            ev.Status,
		Timestamp:         ts.UTC(),
	}, nil
}

func typeName(kind string) string {
	switch kind {
	case "int64":
		return "an integer"
	case "string":
		return "a string"
	default:
		return "a " + kind
	}
}

// Package model defines the core domain types shared across the flip ledger.
// Prices and profits are whole game coins (gp) and are kept as int64.
package model

import (
	"time"
)

// OfferType is the side of a Grand Exchange offer.
type OfferType string

const (
	OfferBuy  OfferType = "buy"
	OfferSell OfferType = "sell"
)

// Valid reports whether t is a known offer type.
func (t OfferType) Valid() bool {
	return t == OfferBuy || t == OfferSell
}

// EventStatus is the lifecycle state of an offer as reported by the client.
type EventStatus string

const (
	StatusPending   EventStatus = "pending"
	StatusCompleted EventStatus = "completed"
	StatusCanceled  EventStatus = "canceled"
)

// Valid reports whether s is a known status.
func (s EventStatus) Valid() bool {
	switch s {
	case StatusPending, StatusCompleted, StatusCanceled:
		return true
	}
	return false
}

// Terminal reports whether the offer is finished (completed or canceled).
func (s EventStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusCanceled
}

// Account binds an external plugin client to an internal user.
// Unique per (UserID, ClientID).
type Account struct {
	ID        string    `json:"id" db:"id"`
	UserID    int64     `json:"user_id" db:"user_id"`
	ClientID  string    `json:"client_id" db:"client_id"`
	Username  *string   `json:"username,omitempty" db:"username"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// TradeEvent is one reported fill/offer state. Rows are created on the first
// sighting of ExternalEventID and mutated in place afterwards; never deleted.
type TradeEvent struct {
	ID                string      `json:"id" db:"id"`
	ExternalEventID   string      `json:"external_event_id" db:"external_event_id"`
	AccountID         string      `json:"account_id" db:"account_id"`
	UserID            int64       `json:"user_id" db:"user_id"`
	ItemID            int64       `json:"item_id" db:"item_id"`
	ItemName          string      `json:"item_name" db:"item_name"`
	OfferType         OfferType   `json:"offer_type" db:"offer_type"`
	Price             int64       `json:"price" db:"price"`
	Quantity          int64       `json:"quantity" db:"quantity"`
	FilledQuantity    int64       `json:"filled_quantity" db:"filled_quantity"`
	RemainingQuantity int64       `json:"remaining_quantity" db:"remaining_quantity"`
	Status            EventStatus `json:"status" db:"status"`
	Timestamp         time.Time   `json:"timestamp" db:"timestamp"` // client-reported
	CreatedAt         time.Time   `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time   `json:"updated_at" db:"updated_at"`
}

// FillUpdate carries the mutable fields of a re-sighted event.
type FillUpdate struct {
	FilledQuantity    int64
	RemainingQuantity int64
	Status            EventStatus
}

// Regresses reports whether applying upd would move e backwards: a lower
// filled quantity, or a terminal status back to pending.
func (e *TradeEvent) Regresses(upd FillUpdate) bool {
	if upd.FilledQuantity < e.FilledQuantity {
		return true
	}
	return e.Status.Terminal() && upd.Status == StatusPending
}

// OpenPosition is one lot of unmatched buy quantity. Quantity is always > 0;
// a lot that reaches zero is deleted.
type OpenPosition struct {
	ID              string    `json:"id" db:"id"`
	UserID          int64     `json:"user_id" db:"user_id"`
	AccountID       string    `json:"account_id" db:"account_id"`
	ItemID          int64     `json:"item_id" db:"item_id"`
	BuyEventID      string    `json:"buy_event_id" db:"buy_event_id"`
	Quantity        int64     `json:"quantity" db:"quantity"`
	AverageBuyPrice int64     `json:"average_buy_price" db:"average_buy_price"`
	CreatedAt       time.Time `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time `json:"updated_at" db:"updated_at"`
}

// Lot is an open position paired with the reported timestamp of its buy
// event, which is the FIFO ordering key.
type Lot struct {
	OpenPosition
	BuyTimestamp time.Time `json:"buy_timestamp"`
}

// TradeMatch is an immutable realized-profit record. Once created it is
// never modified or deleted.
type TradeMatch struct {
	ID             string    `json:"id" db:"id"`
	UserID         int64     `json:"user_id" db:"user_id"`
	AccountID      string    `json:"account_id" db:"account_id"`
	ItemID         int64     `json:"item_id" db:"item_id"`
	BuyEventID     string    `json:"buy_event_id" db:"buy_event_id"`
	SellEventID    string    `json:"sell_event_id" db:"sell_event_id"`
	BuyPrice       int64     `json:"buy_price" db:"buy_price"`
	SellPrice      int64     `json:"sell_price" db:"sell_price"`
	Quantity       int64     `json:"quantity" db:"quantity"`
	Profit         int64     `json:"profit" db:"profit"`                     // pre-tax, may be negative
	ProfitAfterTax int64     `json:"profit_after_tax" db:"profit_after_tax"` // floor(profit * 0.98)
	ROI            int64     `json:"roi" db:"roi"`                           // floor(profit / buyPrice * 10000)
	MatchedAt      time.Time `json:"matched_at" db:"matched_at"`
}

// PositionView is an open lot joined with its originating buy event.
type PositionView struct {
	Position OpenPosition `json:"position"`
	BuyEvent *TradeEvent  `json:"buy_event,omitempty"`
}

// Security event severities.
const (
	SeverityLow    = "low"
	SeverityMedium = "medium"
	SeverityHigh   = "high"
)

// SecurityEvent is an append-only audit record.
type SecurityEvent struct {
	ID        string         `json:"id" db:"id"`
	UserID    int64          `json:"user_id" db:"user_id"`
	EventType string         `json:"event_type" db:"event_type"`
	Severity  string         `json:"severity" db:"severity"`
	Details   map[string]any `json:"details" db:"details"`
	CreatedAt time.Time      `json:"created_at" db:"created_at"`
}

// AdminTrade is the administrative mirror of an ingested trade event.
type AdminTrade struct {
	ID              string      `json:"id" db:"id"`
	UserID          int64       `json:"user_id" db:"user_id"`
	AccountID       string      `json:"account_id" db:"account_id"`
	ExternalEventID string      `json:"external_event_id" db:"external_event_id"`
	ItemID          int64       `json:"item_id" db:"item_id"`
	ItemName        string      `json:"item_name" db:"item_name"`
	OfferType       OfferType   `json:"offer_type" db:"offer_type"`
	Price           int64       `json:"price" db:"price"`
	Quantity        int64       `json:"quantity" db:"quantity"`
	FilledQuantity  int64       `json:"filled_quantity" db:"filled_quantity"`
	Status          EventStatus `json:"status" db:"status"`
	Timestamp       time.Time   `json:"timestamp" db:"timestamp"`
	CreatedAt       time.Time   `json:"created_at" db:"created_at"`
}

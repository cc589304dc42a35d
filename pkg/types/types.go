// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the bridge — ingress trade
// events from the MT5 expert advisor, event kinds, trade sides, pending
// order types, and the per-account risk sizing modes. It has no
// dependencies on internal packages, so it can be imported by any layer.
package types

import "strings"

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// EventKind classifies an ingress trade event after normalization.
type EventKind string

const (
	EventOpen          EventKind = "OPEN"
	EventPendingOpen   EventKind = "PENDING_OPEN"
	EventModify        EventKind = "MODIFY"
	EventClose         EventKind = "CLOSE"
	EventPendingCancel EventKind = "PENDING_CANCEL"
)

// Side represents the direction of a trade: BUY or SELL.
type Side string

const (
	BUY  Side = "BUY"
	SELL Side = "SELL"
)

// ParseSide normalizes MT5 side spellings. "LONG" is an accepted alias
// for BUY; anything that isn't a buy is treated as SELL, matching the
// upstream EA behavior.
func ParseSide(s string) Side {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "BUY", "LONG":
		return BUY
	default:
		return SELL
	}
}

// PendingType enumerates the pending order flavors MT5 can request.
type PendingType string

const (
	PendingLimit     PendingType = "limit"
	PendingStop      PendingType = "stop"
	PendingStopLimit PendingType = "stop_limit"
)

// RiskMode selects how follower lot size is derived from the source trade.
type RiskMode string

const (
	// RiskSourceVolume mirrors the source lots scaled by lot_multiplier.
	RiskSourceVolume RiskMode = "SOURCE_VOLUME"
	// RiskFixedLot always trades the configured fixed_lot size.
	RiskFixedLot RiskMode = "FIXED_LOT"
	// RiskFixedUSD sizes so that hitting the stop loses fixed_usd_risk.
	RiskFixedUSD RiskMode = "FIXED_USD"
	// RiskPercentEquity sizes so that hitting the stop loses risk_percent
	// of the account's risk reference (equity or balance).
	RiskPercentEquity RiskMode = "PERCENT_EQUITY"
)

// RiskReference is the monetary base used by PERCENT_EQUITY sizing.
type RiskReference string

const (
	RefEquity  RiskReference = "EQUITY"
	RefBalance RiskReference = "BALANCE"
)

// ————————————————————————————————————————————————————————————————————————
// Ingress trade events
// ————————————————————————————————————————————————————————————————————————

// TradeEvent is the JSON body the MT5 expert advisor posts to the ingress.
// Older EA builds used different field names; the alias fields are folded
// into the canonical ones by Normalize before the event is routed.
//
// Volume semantics: lots. A zero volume on CLOSE means "close everything";
// the EA omits the field in that case.
type TradeEvent struct {
	EventType  string  `json:"event_type"`
	Ticket     int64   `json:"ticket"`
	Symbol     string  `json:"symbol"`
	Side       string  `json:"side"`
	Volume     float64 `json:"volume"`
	StopLoss   float64 `json:"sl"`
	TakeProfit float64 `json:"tp"`
	Magic      int64   `json:"magic"`

	// Pending order fields
	PendingType  string  `json:"pending_type"`
	EntryPrice   float64 `json:"entry_price"`
	StopPrice    float64 `json:"stop_price"`
	LimitPrice   float64 `json:"limit_price"`
	ExpirationMS int64   `json:"expiration_ms"`

	// MT5-side instrument hints, used for CLOSE unit conversion when the
	// follower volume is unknown
	ContractSize float64 `json:"mt5_contract_size"`
	VolumeMin    float64 `json:"mt5_volume_min"`
	VolumeStep   float64 `json:"mt5_volume_step"`

	// Backward-compat aliases from older EA builds
	Event  string `json:"event,omitempty"`
	Action string `json:"action,omitempty"`
	Type   string `json:"type,omitempty"`
}

// Normalize folds the backward-compat aliases into the canonical fields:
// event→event_type, action→event_type, type→side.
func (e *TradeEvent) Normalize() {
	if e.EventType == "" {
		if e.Event != "" {
			e.EventType = e.Event
		} else if e.Action != "" {
			e.EventType = e.Action
		}
	}
	if e.Side == "" && e.Type != "" {
		e.Side = e.Type
	}
	e.EventType = strings.ToUpper(strings.TrimSpace(e.EventType))
}

// Kind maps the normalized event type onto an EventKind.
// PENDING_CLOSE is a legacy alias for PENDING_CANCEL.
func (e *TradeEvent) Kind() (EventKind, bool) {
	switch e.EventType {
	case "OPEN":
		return EventOpen, true
	case "PENDING_OPEN":
		return EventPendingOpen, true
	case "MODIFY":
		return EventModify, true
	case "CLOSE":
		return EventClose, true
	case "PENDING_CANCEL", "PENDING_CLOSE":
		return EventPendingCancel, true
	default:
		return "", false
	}
}

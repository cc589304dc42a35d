// Package broker implements the cTrader Open API connection layer.
//
// The wire protocol is a persistent websocket carrying JSON envelopes:
// each frame is {clientMsgId, payloadType, payload}. Requests carry a
// fresh clientMsgId; the matching response echoes it. Frames without a
// known clientMsgId are push events (executions, spots, trader updates).
//
// Message contracts are narrowed to the named fields the replication core
// uses — optional proto fields become zero values here.
package broker

import (
	"encoding/json"
	"fmt"
)

// Payload type identifiers on the wire.
const (
	TypeApplicationAuthReq = "APPLICATION_AUTH_REQ"
	TypeApplicationAuthRes = "APPLICATION_AUTH_RES"
	TypeAccountAuthReq     = "ACCOUNT_AUTH_REQ"
	TypeAccountAuthRes     = "ACCOUNT_AUTH_RES"
	TypeSymbolsListReq     = "SYMBOLS_LIST_REQ"
	TypeSymbolsListRes     = "SYMBOLS_LIST_RES"
	TypeSymbolByIDReq      = "SYMBOL_BY_ID_REQ"
	TypeSymbolByIDRes      = "SYMBOL_BY_ID_RES"
	TypeReconcileReq       = "RECONCILE_REQ"
	TypeReconcileRes       = "RECONCILE_RES"
	TypeTraderReq          = "TRADER_REQ"
	TypeTraderRes          = "TRADER_RES"
	TypeNewOrderReq        = "NEW_ORDER_REQ"
	TypeAmendPositionReq   = "AMEND_POSITION_SLTP_REQ"
	TypeClosePositionReq   = "CLOSE_POSITION_REQ"
	TypeCancelOrderReq     = "CANCEL_ORDER_REQ"
	TypeExecutionEvent     = "EXECUTION_EVENT"
	TypeSpotEvent          = "SPOT_EVENT"
	TypeTraderUpdateEvent  = "TRADER_UPDATE_EVENT"
	TypeErrorRes           = "ERROR_RES"
)

// Message is implemented by every payload that can cross the wire.
type Message interface {
	MessageType() string
}

// Envelope is the wire framing around every payload.
type Envelope struct {
	ClientMsgID string          `json:"clientMsgId,omitempty"`
	PayloadType string          `json:"payloadType"`
	Payload     json.RawMessage `json:"payload"`
}

// ————————————————————————————————————————————————————————————————————————
// Auth
// ————————————————————————————————————————————————————————————————————————

// ApplicationAuthReq authenticates the API application (first request on
// every new connection).
type ApplicationAuthReq struct {
	ClientID     string `json:"clientId"`
	ClientSecret string `json:"clientSecret"`
}

type ApplicationAuthRes struct{}

// AccountAuthReq authorizes one trading account on an app-authed
// connection.
type AccountAuthReq struct {
	AccountID   int64  `json:"ctidTraderAccountId"`
	AccessToken string `json:"accessToken"`
}

type AccountAuthRes struct {
	AccountID int64 `json:"ctidTraderAccountId"`
}

// ————————————————————————————————————————————————————————————————————————
// Symbols
// ————————————————————————————————————————————————————————————————————————

// LightSymbol is the name/id pair returned by the symbols list.
type LightSymbol struct {
	SymbolID   int64  `json:"symbolId"`
	SymbolName string `json:"symbolName"`
}

// Symbol carries the full instrument specification. Volumes are in the
// broker's native integral unit ("cents of units": one hundredth of a
// base unit); LotSize is the size of one lot in that same unit.
type Symbol struct {
	SymbolID    int64   `json:"symbolId"`
	Digits      int     `json:"digits"`
	PipPosition int     `json:"pipPosition"`
	LotSize     int64   `json:"lotSize"`
	MinVolume   int64   `json:"minVolume"`
	MaxVolume   int64   `json:"maxVolume"`
	StepVolume  int64   `json:"stepVolume"`
	TickValue   float64 `json:"tickValue"`
}

type SymbolsListReq struct {
	AccountID int64 `json:"ctidTraderAccountId"`
}

type SymbolsListRes struct {
	AccountID int64         `json:"ctidTraderAccountId"`
	Symbols   []LightSymbol `json:"symbol"`
}

// SymbolByIDReq fetches full specifications for a batch of symbol ids.
type SymbolByIDReq struct {
	AccountID int64   `json:"ctidTraderAccountId"`
	SymbolIDs []int64 `json:"symbolId"`
}

type SymbolByIDRes struct {
	AccountID int64    `json:"ctidTraderAccountId"`
	Symbols   []Symbol `json:"symbol"`
}

// ————————————————————————————————————————————————————————————————————————
// Trading
// ————————————————————————————————————————————————————————————————————————

// OrderType mirrors the broker's order type enum.
type OrderType string

const (
	OrderMarket    OrderType = "MARKET"
	OrderLimit     OrderType = "LIMIT"
	OrderStop      OrderType = "STOP"
	OrderStopLimit OrderType = "STOP_LIMIT"
)

// TimeInForce for pending orders. GOOD_TILL_DATE requires an expiration
// timestamp.
type TimeInForce string

const (
	GoodTillCancel TimeInForce = "GOOD_TILL_CANCEL"
	GoodTillDate   TimeInForce = "GOOD_TILL_DATE"
)

// NewOrderReq places a market or pending order. StopLoss/TakeProfit are
// pointers so "not set" is distinguishable from an explicit zero.
type NewOrderReq struct {
	AccountID   int64       `json:"ctidTraderAccountId"`
	SymbolID    int64       `json:"symbolId"`
	OrderType   OrderType   `json:"orderType"`
	TradeSide   string      `json:"tradeSide"` // "BUY" or "SELL"
	Volume      int64       `json:"volume"`    // broker units
	LimitPrice  float64     `json:"limitPrice,omitempty"`
	StopPrice   float64     `json:"stopPrice,omitempty"`
	StopLoss    *float64    `json:"stopLoss,omitempty"`
	TakeProfit  *float64    `json:"takeProfit,omitempty"`
	Label       string      `json:"label,omitempty"`
	TimeInForce TimeInForce `json:"timeInForce,omitempty"`
	// Unix milliseconds; only meaningful with GOOD_TILL_DATE.
	ExpirationTimestamp int64 `json:"expirationTimestamp,omitempty"`
}

// AmendPositionSLTPReq replaces a position's stop loss / take profit.
// A nil side leaves that side unset on the broker.
type AmendPositionSLTPReq struct {
	AccountID  int64    `json:"ctidTraderAccountId"`
	PositionID int64    `json:"positionId"`
	StopLoss   *float64 `json:"stopLoss,omitempty"`
	TakeProfit *float64 `json:"takeProfit,omitempty"`
}

// ClosePositionReq closes Volume units of an open position.
type ClosePositionReq struct {
	AccountID  int64 `json:"ctidTraderAccountId"`
	PositionID int64 `json:"positionId"`
	Volume     int64 `json:"volume"`
}

// CancelOrderReq cancels an unfilled pending order.
type CancelOrderReq struct {
	AccountID int64 `json:"ctidTraderAccountId"`
	OrderID   int64 `json:"orderId"`
}

// ————————————————————————————————————————————————————————————————————————
// Reconcile, trader, push events
// ————————————————————————————————————————————————————————————————————————

// TradeData is the creation-time trade attributes shared by positions and
// orders. Label carries the correlation tag.
type TradeData struct {
	SymbolID int64  `json:"symbolId"`
	Volume   int64  `json:"volume"`
	Label    string `json:"label"`
}

// Position as reported in execution events and reconcile snapshots.
// Volume may be reported either in TradeData or at the top level
// depending on the message; Units() resolves it.
type Position struct {
	PositionID int64     `json:"positionId"`
	TradeData  TradeData `json:"tradeData"`
	Volume     int64     `json:"volume,omitempty"`
}

// Units returns the position volume in broker units, preferring the
// trade-data value, or 0 when neither is reported.
func (p *Position) Units() int64 {
	if p.TradeData.Volume > 0 {
		return p.TradeData.Volume
	}
	if p.Volume > 0 {
		return p.Volume
	}
	return 0
}

// Order as reported in execution events and reconcile snapshots.
type Order struct {
	OrderID   int64     `json:"orderId"`
	TradeData TradeData `json:"tradeData"`
}

type ReconcileReq struct {
	AccountID int64 `json:"ctidTraderAccountId"`
}

// ReconcileRes is the authoritative snapshot of open positions and
// pending orders at the moment it was produced.
type ReconcileRes struct {
	AccountID int64      `json:"ctidTraderAccountId"`
	Positions []Position `json:"position"`
	Orders    []Order    `json:"order"`
}

type TraderReq struct {
	AccountID int64 `json:"ctidTraderAccountId"`
}

// Trader carries the account's money state. Balance and Equity are in
// cents of the deposit currency.
type Trader struct {
	Balance int64 `json:"balance"`
	Equity  int64 `json:"equity"`
}

type TraderRes struct {
	AccountID int64  `json:"ctidTraderAccountId"`
	Trader    Trader `json:"trader"`
}

// ExecutionEvent is pushed on every order/position lifecycle transition.
// Order and Position are both optional.
type ExecutionEvent struct {
	AccountID     int64     `json:"ctidTraderAccountId"`
	ExecutionType string    `json:"executionType"`
	Order         *Order    `json:"order,omitempty"`
	Position      *Position `json:"position,omitempty"`
}

// SpotEvent is a price tick for a subscribed symbol. Zero bid/ask means
// that side was not present in the tick.
type SpotEvent struct {
	AccountID int64   `json:"ctidTraderAccountId"`
	SymbolID  int64   `json:"symbolId"`
	Bid       float64 `json:"bid,omitempty"`
	Ask       float64 `json:"ask,omitempty"`
}

// TraderUpdateEvent is pushed when the account's money state changes.
type TraderUpdateEvent struct {
	AccountID int64  `json:"ctidTraderAccountId"`
	Trader    Trader `json:"trader"`
}

// ErrorRes is the broker's business error. When it carries the
// clientMsgId of an outstanding request it fails that request only.
type ErrorRes struct {
	ErrorCode   string `json:"errorCode"`
	Description string `json:"description"`
}

// RequestError surfaces an ErrorRes on the originating call.
type RequestError struct {
	Code        string
	Description string
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("broker error %s: %s", e.Code, e.Description)
}

// ————————————————————————————————————————————————————————————————————————
// Codec
// ————————————————————————————————————————————————————————————————————————

func (ApplicationAuthReq) MessageType() string   { return TypeApplicationAuthReq }
func (ApplicationAuthRes) MessageType() string   { return TypeApplicationAuthRes }
func (AccountAuthReq) MessageType() string       { return TypeAccountAuthReq }
func (AccountAuthRes) MessageType() string       { return TypeAccountAuthRes }
func (SymbolsListReq) MessageType() string       { return TypeSymbolsListReq }
func (SymbolsListRes) MessageType() string       { return TypeSymbolsListRes }
func (SymbolByIDReq) MessageType() string        { return TypeSymbolByIDReq }
func (SymbolByIDRes) MessageType() string        { return TypeSymbolByIDRes }
func (ReconcileReq) MessageType() string         { return TypeReconcileReq }
func (ReconcileRes) MessageType() string         { return TypeReconcileRes }
func (TraderReq) MessageType() string            { return TypeTraderReq }
func (TraderRes) MessageType() string            { return TypeTraderRes }
func (NewOrderReq) MessageType() string          { return TypeNewOrderReq }
func (AmendPositionSLTPReq) MessageType() string { return TypeAmendPositionReq }
func (ClosePositionReq) MessageType() string     { return TypeClosePositionReq }
func (CancelOrderReq) MessageType() string       { return TypeCancelOrderReq }
func (ExecutionEvent) MessageType() string       { return TypeExecutionEvent }
func (SpotEvent) MessageType() string            { return TypeSpotEvent }
func (TraderUpdateEvent) MessageType() string    { return TypeTraderUpdateEvent }
func (ErrorRes) MessageType() string             { return TypeErrorRes }

// Marshal wraps a message in its wire envelope.
func Marshal(msgID string, msg Message) ([]byte, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", msg.MessageType(), err)
	}
	env := Envelope{
		ClientMsgID: msgID,
		PayloadType: msg.MessageType(),
		Payload:     payload,
	}
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}
	return data, nil
}

// Unmarshal decodes a wire frame into its envelope and typed payload.
func Unmarshal(data []byte) (Envelope, Message, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, nil, fmt.Errorf("unmarshal envelope: %w", err)
	}

	msg := newPayload(env.PayloadType)
	if msg == nil {
		return env, nil, fmt.Errorf("unknown payload type %q", env.PayloadType)
	}
	if err := json.Unmarshal(env.Payload, msg); err != nil {
		return env, nil, fmt.Errorf("unmarshal %s payload: %w", env.PayloadType, err)
	}
	return env, msg, nil
}

func newPayload(payloadType string) Message {
	switch payloadType {
	case TypeApplicationAuthReq:
		return &ApplicationAuthReq{}
	case TypeApplicationAuthRes:
		return &ApplicationAuthRes{}
	case TypeAccountAuthReq:
		return &AccountAuthReq{}
	case TypeAccountAuthRes:
		return &AccountAuthRes{}
	case TypeSymbolsListReq:
		return &SymbolsListReq{}
	case TypeSymbolsListRes:
		return &SymbolsListRes{}
	case TypeSymbolByIDReq:
		return &SymbolByIDReq{}
	case TypeSymbolByIDRes:
		return &SymbolByIDRes{}
	case TypeReconcileReq:
		return &ReconcileReq{}
	case TypeReconcileRes:
		return &ReconcileRes{}
	case TypeTraderReq:
		return &TraderReq{}
	case TypeTraderRes:
		return &TraderRes{}
	case TypeNewOrderReq:
		return &NewOrderReq{}
	case TypeAmendPositionReq:
		return &AmendPositionSLTPReq{}
	case TypeClosePositionReq:
		return &ClosePositionReq{}
	case TypeCancelOrderReq:
		return &CancelOrderReq{}
	case TypeExecutionEvent:
		return &ExecutionEvent{}
	case TypeSpotEvent:
		return &SpotEvent{}
	case TypeTraderUpdateEvent:
		return &TraderUpdateEvent{}
	case TypeErrorRes:
		return &ErrorRes{}
	default:
		return nil
	}
}

// Package broker implements the OAuth1-RSA signed client for the
// brokerage's web API: live-session-token derivation, request signing,
// the keep-alive tickler, and typed wrappers for symbol resolution,
// market data snapshots, order placement and account/position queries.
package broker

import (
	"crypto/rsa"
	"math/big"
	"time"

	"github.com/shopspring/decimal"
)

// TicklerState tracks the keep-alive goroutine's lifecycle.
type TicklerState int

const (
	TicklerIdle TicklerState = iota
	TicklerRunning
	TicklerStopped
)

func (s TicklerState) String() string {
	switch s {
	case TicklerIdle:
		return "idle"
	case TicklerRunning:
		return "running"
	case TicklerStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// liveSession is the immutable snapshot published each time the LST is
// (re)derived. Readers take a snapshot via Client.currentSession(); the
// tickler never observes a half-derived token because the swap
// publishes a brand new *liveSession rather than mutating one in
// place.
type liveSession struct {
	token      []byte // raw bytes, HMAC-SHA256 key for request signing
	tokenB64   string
	expiration time.Time
}

func (s *liveSession) validAt(now time.Time, refreshThreshold time.Duration) bool {
	if s == nil {
		return false
	}
	return now.Add(refreshThreshold).Before(s.expiration)
}

// Credentials bundles the long-lived OAuth1 identity used to derive
// and sign against a live session token.
type Credentials struct {
	ConsumerKey       string
	AccessToken       string
	AccessTokenSecret string // base64 ciphertext, OAEP-decrypted on LST derivation
	Realm             string
	DHPrime           *big.Int
	SignatureKey      *rsa.PrivateKey
	EncryptionKey     *rsa.PrivateKey
}

// Snapshot is the last/bid/ask view of an instrument at a point in
// time (IBKR field codes 31/84/86).
type Snapshot struct {
	Conid string
	Last  decimal.NullDecimal
	Bid   decimal.NullDecimal
	Ask   decimal.NullDecimal
}

// Mid returns the bid/ask midpoint, if both sides are present.
func (s Snapshot) Mid() (decimal.Decimal, bool) {
	if !s.Bid.Valid || !s.Ask.Valid {
		return decimal.Zero, false
	}
	return s.Bid.Decimal.Add(s.Ask.Decimal).Div(decimal.NewFromInt(2)), true
}

// Side and OrderType mirror the small enumerations the order
// submission payload accepts; the recurring pipeline only ever
// produces Buy/Market/Day, and nothing else in this repository
// submits SideSell or OrderTypeLimit.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

type OrderType string

const (
	OrderTypeMarket OrderType = "MKT"
	OrderTypeLimit  OrderType = "LMT"
)

type TimeInForce string

const TimeInForceDay TimeInForce = "DAY"

// OrderRequest is the payload submitted to
// POST /iserver/account/{acct}/orders.
type OrderRequest struct {
	Conid    string
	Side     Side
	Quantity int
	Type     OrderType
	TIF      TimeInForce
	Price    *decimal.Decimal // only meaningful for LMT
}

// OrderResult is the terminal outcome of PlaceOrder once the
// confirmation-reply loop resolves.
type OrderResult struct {
	OrderID string
}

// Position is one row of a paginated /portfolio/{acct}/positions/{page} response.
type Position struct {
	Conid       string
	Symbol      string
	Position    decimal.Decimal
	AvgCost     decimal.Decimal
	MarketValue decimal.Decimal
}

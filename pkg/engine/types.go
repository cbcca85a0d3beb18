// Package engine implements the recurring-order execution pipeline
// (§4.5): due-set computation, per-order resolve/price/quantity/place,
// write-back, and result aggregation. It depends on Broker and Sheet
// as narrow interfaces rather than concrete clients, so the pipeline
// can be driven against fakes in tests.
package engine

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/castlepeak/ibkr-recurring/pkg/broker"
)

// Status of a recurring-order row, compared case-insensitively.
type Status string

const (
	StatusActive   Status = "active"
	StatusInactive Status = "inactive"
)

// Frequency a recurring order fires on, compared case-insensitively.
type Frequency string

const (
	FrequencyDaily   Frequency = "daily"
	FrequencyWeekly  Frequency = "weekly"
	FrequencyMonthly Frequency = "monthly"
)

// RecurringOrder is one row of the external declarative table (§3).
type RecurringOrder struct {
	RowIndex   int
	Status     Status
	Symbol     string
	PriceHint  decimal.NullDecimal
	AmountUSD  decimal.NullDecimal
	QtyToBuy   *int
	Frequency  Frequency
	Log        string
}

// IsActive reports whether the row should be considered for due-set
// membership at all.
func (o RecurringOrder) IsActive() bool {
	return Status(normalize(string(o.Status))) == StatusActive
}

// Outcome is the terminal classification of one execution attempt.
type Outcome string

const (
	OutcomePlaced  Outcome = "Placed"
	OutcomeRejected Outcome = "Rejected"
	OutcomeSkipped Outcome = "Skipped"
	OutcomeError   Outcome = "Error"
)

// ExecutionResult is the transient record of one order attempt (§3).
type ExecutionResult struct {
	RowIndex     int
	Symbol       string
	RequestedQty int
	FillPrice    decimal.Decimal
	OrderID      string
	Outcome      Outcome
	Message      string
	Timestamp    time.Time
}

// Notional returns FillPrice * RequestedQty, the per-order contribution
// to the aggregate's total notional.
func (r ExecutionResult) Notional() decimal.Decimal {
	return r.FillPrice.Mul(decimal.NewFromInt(int64(r.RequestedQty)))
}

// AggregateResult summarizes one execute_due invocation (§4.5, plus
// the skipped_shutdown/busy counters the status endpoint wants beyond
// the distilled spec's plain pass/fail counts).
type AggregateResult struct {
	Total           int
	Success         int
	Failure         int
	SkippedShutdown int
	Busy            bool
	TotalNotional   decimal.Decimal
	Results         []ExecutionResult
	Timestamp       time.Time
}

// Broker is the narrow surface the engine pipeline consumes — accept
// interfaces, return structs: the engine never depends on
// *broker.Client directly, so it can run its tests against a fake.
type Broker interface {
	ResolveSymbol(ctx context.Context, symbol string) (string, error)
	GetSnapshot(ctx context.Context, conid string) (broker.Snapshot, error)
	PlaceOrder(ctx context.Context, req broker.OrderRequest) (broker.OrderResult, error)
}

// Sheet is the narrow surface the engine needs from the C3 adapter.
type Sheet interface {
	ListOrders(ctx context.Context) ([]RecurringOrder, error)
	AppendLog(ctx context.Context, rowIndex int, message string) error
}

// Notifier is the narrow surface the engine needs from the C4 adapter.
type Notifier interface {
	Notify(ctx context.Context, result AggregateResult) error
}

func normalize(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c >= 'A' && c <= 'Z' {
			c += 'a' - 'A'
		}
		if c != ' ' && c != '\t' {
			out = append(out, c)
		}
	}
	return string(out)
}

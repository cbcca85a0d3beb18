package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/castlepeak/ibkr-recurring/pkg/broker"
	"github.com/castlepeak/ibkr-recurring/pkg/clock"
	"github.com/castlepeak/ibkr-recurring/pkg/errs"
)

// Engine owns EngineState (§3) and drives execute_due against the
// Broker/Sheet/Notifier collaborators. It is constructed once at
// startup and shared by the scheduler (C6) and the HTTP surface (C8) —
// both contend for the same in_flight guard.
type Engine struct {
	broker   Broker
	sheet    Sheet
	notifier Notifier
	clock    clock.Clock
	log      *zap.Logger
	account  string

	mu         sync.Mutex
	inFlight   bool
	lastRunAt  time.Time
	lastResult AggregateResult
}

// New constructs an Engine. account is the brokerage account id used
// on every PlaceOrder call.
func New(b Broker, s Sheet, n Notifier, account string, c clock.Clock, log *zap.Logger) *Engine {
	if c == nil {
		c = clock.RealClock{}
	}
	return &Engine{broker: b, sheet: s, notifier: n, account: account, clock: c, log: log}
}

// LastRun returns the timestamp and aggregate result of the most
// recently completed invocation, for the status endpoint (§4.8).
func (e *Engine) LastRun() (time.Time, AggregateResult) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastRunAt, e.lastResult
}

// ExecuteDue computes the due set against now, runs the per-order
// pipeline in ascending row order, and notifies once at the end
// (§4.5). Concurrent invocations observe Busy and perform no broker
// calls (§4.5.3, §8 invariant 2).
func (e *Engine) ExecuteDue(ctx context.Context, now time.Time) (AggregateResult, error) {
	if !e.tryLock() {
		return AggregateResult{Busy: true, Timestamp: now}, errs.ErrBusy
	}
	defer e.unlock()

	orders, err := e.sheet.ListOrders(ctx)
	if err != nil {
		result := AggregateResult{Timestamp: now}
		e.notifyBestEffort(ctx, result)
		e.record(now, result)
		return result, fmt.Errorf("list orders: %w", err)
	}

	due := dueSet(orders, now)

	result := AggregateResult{Timestamp: now, TotalNotional: decimal.Zero}

	for i, order := range due {
		if ctx.Err() != nil {
			result.SkippedShutdown++
			result.Results = append(result.Results, ExecutionResult{
				RowIndex: order.RowIndex,
				Symbol:   order.Symbol,
				Outcome:  OutcomeSkipped,
				Message:  "shutdown",
				Timestamp: now,
			})
			continue
		}

		res := e.executeOne(ctx, order, now)
		result.Total++
		result.Results = append(result.Results, res)

		switch res.Outcome {
		case OutcomePlaced:
			result.Success++
			result.TotalNotional = result.TotalNotional.Add(res.Notional())
		default:
			result.Failure++
		}

		if err := e.sheet.AppendLog(ctx, order.RowIndex, formatLogLine(res, order.Frequency, now)); err != nil && e.log != nil {
			e.log.Warn("append_log_failed", zap.Int("row_index", order.RowIndex), zap.Error(err))
		}

		_ = i
	}

	e.notifyBestEffort(ctx, result)
	e.record(now, result)
	return result, nil
}

func (e *Engine) tryLock() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.inFlight {
		return false
	}
	e.inFlight = true
	return true
}

func (e *Engine) unlock() {
	e.mu.Lock()
	e.inFlight = false
	e.mu.Unlock()
}

func (e *Engine) record(now time.Time, result AggregateResult) {
	e.mu.Lock()
	e.lastRunAt = now
	e.lastResult = result
	e.mu.Unlock()
}

func (e *Engine) notifyBestEffort(ctx context.Context, result AggregateResult) {
	if e.notifier == nil {
		return
	}
	if err := e.notifier.Notify(ctx, result); err != nil && e.log != nil {
		e.log.Warn("notify_failed", zap.Error(err))
	}
}

// dueSet filters to Active rows whose frequency matches now (§4.5.1).
// Well-formedness is not checked here: a row with an unrecognized
// frequency is never due, and any other malformed row that is due
// (empty symbol, no quantity or amount) reaches executeOne, which
// records it as Rejected.
func dueSet(orders []RecurringOrder, now time.Time) []RecurringOrder {
	var due []RecurringOrder
	for _, o := range orders {
		if !o.IsActive() {
			continue
		}
		if !isDue(o.Frequency, now) {
			continue
		}
		due = append(due, o)
	}
	return due
}

func isDue(freq Frequency, now time.Time) bool {
	switch Frequency(normalize(string(freq))) {
	case FrequencyDaily:
		return true
	case FrequencyWeekly:
		return now.Weekday() == time.Monday
	case FrequencyMonthly:
		return now.Day() == 1
	default:
		return false
	}
}

// wellFormed checks the §3 invariant: non-empty symbol, recognized
// frequency, and either qty_to_buy >= 1 or amount_usd > 0.
func wellFormed(o RecurringOrder) (string, bool) {
	if o.Symbol == "" {
		return "empty symbol", false
	}
	switch Frequency(normalize(string(o.Frequency))) {
	case FrequencyDaily, FrequencyWeekly, FrequencyMonthly:
	default:
		return "unrecognized frequency", false
	}
	if o.QtyToBuy != nil && *o.QtyToBuy >= 1 {
		return "", true
	}
	if o.AmountUSD.Valid && o.AmountUSD.Decimal.GreaterThan(decimal.Zero) {
		return "", true
	}
	return "neither qty_to_buy nor amount_usd set", false
}

// executeOne runs the §4.5.2 resolve -> price -> quantity -> place
// pipeline for a single due order. It never returns an error: every
// failure path is captured as an ExecutionResult so the batch
// continues.
func (e *Engine) executeOne(ctx context.Context, order RecurringOrder, now time.Time) ExecutionResult {
	base := ExecutionResult{RowIndex: order.RowIndex, Symbol: order.Symbol, Timestamp: now}

	if reason, ok := wellFormed(order); !ok {
		base.Outcome = OutcomeRejected
		base.Message = reason
		return base
	}

	conid, err := e.broker.ResolveSymbol(ctx, order.Symbol)
	if err != nil || conid == "" {
		base.Outcome = OutcomeRejected
		base.Message = "unresolved symbol"
		return base
	}

	snapshot, err := e.broker.GetSnapshot(ctx, conid)
	if err != nil {
		base.Outcome = OutcomeRejected
		base.Message = "no price"
		return base
	}

	fillPrice, ok := resolvePrice(snapshot, order.PriceHint)
	if !ok {
		base.Outcome = OutcomeRejected
		base.Message = "no price"
		return base
	}
	base.FillPrice = fillPrice

	qty, ok := resolveQuantity(order, fillPrice)
	if !ok {
		base.Outcome = OutcomeRejected
		base.Message = "sub-share notional"
		return base
	}
	base.RequestedQty = qty

	orderResult, err := e.broker.PlaceOrder(ctx, broker.OrderRequest{
		Conid:    conid,
		Side:     broker.SideBuy,
		Quantity: qty,
		Type:     broker.OrderTypeMarket,
		TIF:      broker.TimeInForceDay,
	})
	if err != nil {
		base.Outcome = OutcomeError
		base.Message = err.Error()
		return base
	}

	base.OrderID = orderResult.OrderID
	base.Outcome = OutcomePlaced
	base.Message = "placed"
	return base
}

// resolvePrice implements fill_price = last ?? mid(bid,ask) ?? hint.
func resolvePrice(s broker.Snapshot, hint decimal.NullDecimal) (decimal.Decimal, bool) {
	if s.Last.Valid {
		return s.Last.Decimal, true
	}
	if mid, ok := s.Mid(); ok {
		return mid, true
	}
	if hint.Valid {
		return hint.Decimal, true
	}
	return decimal.Zero, false
}

// resolveQuantity implements qty = qty_to_buy if present else
// floor(amount_usd / fill_price); qty < 1 is rejected.
func resolveQuantity(o RecurringOrder, fillPrice decimal.Decimal) (int, bool) {
	if o.QtyToBuy != nil {
		if *o.QtyToBuy < 1 {
			return 0, false
		}
		return *o.QtyToBuy, true
	}
	if !o.AmountUSD.Valid || fillPrice.LessThanOrEqual(decimal.Zero) {
		return 0, false
	}
	qty := int(o.AmountUSD.Decimal.Div(fillPrice).IntPart())
	if qty < 1 {
		return 0, false
	}
	return qty, true
}

// formatLogLine renders the §4.5.2 step-5 append_log message.
func formatLogLine(r ExecutionResult, freq Frequency, now time.Time) string {
	icon := "OK"
	switch r.Outcome {
	case OutcomeRejected:
		icon = "SKIP"
	case OutcomeError:
		icon = "ERR"
	case OutcomeSkipped:
		icon = "SKIP"
	}
	orderID := r.OrderID
	if orderID == "" {
		orderID = "-"
	}
	if r.Outcome != OutcomePlaced {
		return fmt.Sprintf("%s %s: %s | %s | %s", icon, now.Format(time.RFC3339), r.Symbol, r.Message, freq)
	}
	return fmt.Sprintf("%s %s: %s %d @ $%s | id=%s | %s",
		icon, now.Format(time.RFC3339), r.Symbol, r.RequestedQty, r.FillPrice.StringFixed(2), orderID, freq)
}

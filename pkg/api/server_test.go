package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/castlepeak/ibkr-recurring/pkg/broker"
	"github.com/castlepeak/ibkr-recurring/pkg/engine"
	"github.com/castlepeak/ibkr-recurring/pkg/errs"
)

// fakeBroker exercises the /broker/* proxy endpoints; it never touches
// the real IBKR gateway.
type fakeBroker struct {
	conid     string
	resolveErr error

	positions    []broker.Position
	positionsErr error
}

func (f *fakeBroker) ResolveSymbol(ctx context.Context, symbol string) (string, error) {
	if f.resolveErr != nil {
		return "", f.resolveErr
	}
	return f.conid, nil
}

func (f *fakeBroker) GetAccountPositions(ctx context.Context) ([]broker.Position, error) {
	if f.positionsErr != nil {
		return nil, f.positionsErr
	}
	return f.positions, nil
}

// fakeSheet and fakeNotifier satisfy engine.Sheet/engine.Notifier so a
// real *engine.Engine can be driven end to end through the HTTP layer.
type fakeSheet struct {
	orders     []engine.RecurringOrder
	err        error
	blockUntil <-chan struct{} // if set, ListOrders waits for it to close before returning
}

func (f *fakeSheet) ListOrders(ctx context.Context) ([]engine.RecurringOrder, error) {
	if f.blockUntil != nil {
		<-f.blockUntil
	}
	return f.orders, f.err
}

func (f *fakeSheet) AppendLog(ctx context.Context, rowIndex int, message string) error { return nil }

type fakeNotifier struct{}

func (fakeNotifier) Notify(ctx context.Context, result engine.AggregateResult) error { return nil }

// fakeEngineBroker satisfies engine.Broker for wiring a real engine
// into the server under test.
type fakeEngineBroker struct{}

func (fakeEngineBroker) ResolveSymbol(ctx context.Context, symbol string) (string, error) {
	return "", errors.New("symbol not found")
}

func (fakeEngineBroker) GetSnapshot(ctx context.Context, conid string) (broker.Snapshot, error) {
	return broker.Snapshot{}, errors.New("no snapshot")
}

func (fakeEngineBroker) PlaceOrder(ctx context.Context, req broker.OrderRequest) (broker.OrderResult, error) {
	return broker.OrderResult{}, errors.New("should not be called")
}

type fakeScheduler struct{ next time.Time }

func (f fakeScheduler) NextFireTime() time.Time { return f.next }

func newTestServer(sheet *fakeSheet, b *fakeBroker, sched StatusProvider) (*Server, *httptest.Server) {
	e := engine.New(fakeEngineBroker{}, sheet, fakeNotifier{}, "U123", nil, zap.NewNop())
	s := New(e, b, sched, zap.NewNop())
	return s, httptest.NewServer(s.Handler())
}

func TestHandleExecute_NoOrdersDueSucceeds(t *testing.T) {
	_, ts := newTestServer(&fakeSheet{}, &fakeBroker{}, fakeScheduler{})
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/recurring/execute", "application/json", nil)
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var result engine.AggregateResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if result.Total != 0 {
		t.Fatalf("expected no due orders, got total=%d", result.Total)
	}
}

func TestHandleExecute_BusyReturns409(t *testing.T) {
	sheet := &fakeSheet{}
	e := engine.New(fakeEngineBroker{}, sheet, fakeNotifier{}, "U123", nil, zap.NewNop())
	s := New(e, &fakeBroker{}, fakeScheduler{}, zap.NewNop())
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	var wg sync.WaitGroup
	codes := make([]int, 2)
	release := make(chan struct{})
	sheet.blockUntil = release
	for i := range codes {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp, err := http.Post(ts.URL+"/recurring/execute", "application/json", nil)
			if err != nil {
				t.Errorf("POST: %v", err)
				return
			}
			codes[i] = resp.StatusCode
			resp.Body.Close()
		}(i)
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	sawOK, sawBusy := false, false
	for _, c := range codes {
		switch c {
		case http.StatusOK:
			sawOK = true
		case http.StatusConflict:
			sawBusy = true
		}
	}
	if !sawOK || !sawBusy {
		t.Fatalf("expected one 200 and one 409, got %v", codes)
	}
}

func TestHandleExecute_ListOrdersErrorReturns502(t *testing.T) {
	_, ts := newTestServer(&fakeSheet{err: errors.New("sheets unavailable")}, &fakeBroker{}, fakeScheduler{})
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/recurring/execute", "application/json", nil)
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", resp.StatusCode)
	}

	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "error" {
		t.Fatalf("expected status=error, got %v", body)
	}
}

func TestHandleStatus_ReportsLastRunAndNextFireTime(t *testing.T) {
	next := time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC)
	_, ts := newTestServer(&fakeSheet{}, &fakeBroker{}, fakeScheduler{next: next})
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/recurring/status")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var body map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	got, ok := body["next_fire_time"].(string)
	if !ok {
		t.Fatalf("expected next_fire_time string field, got %v", body["next_fire_time"])
	}
	gotTime, err := time.Parse(time.RFC3339, got)
	if err != nil {
		t.Fatalf("parse next_fire_time: %v", err)
	}
	if !gotTime.Equal(next) {
		t.Fatalf("expected next fire time %v, got %v", next, gotTime)
	}
}

func TestHandleResolveSymbol_Success(t *testing.T) {
	_, ts := newTestServer(&fakeSheet{}, &fakeBroker{conid: "265598"}, fakeScheduler{})
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/broker/resolve/AAPL")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["conid"] != "265598" || body["symbol"] != "AAPL" {
		t.Fatalf("unexpected body: %v", body)
	}
}

func TestHandleResolveSymbol_BrokerErrorReturns502(t *testing.T) {
	_, ts := newTestServer(&fakeSheet{}, &fakeBroker{resolveErr: &errs.BrokerError{Status: 502, Body: "gateway down"}}, fakeScheduler{})
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/broker/resolve/AAPL")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", resp.StatusCode)
	}
}

func TestHandlePositions_ProxiesBrokerPositions(t *testing.T) {
	want := []broker.Position{
		{Conid: "265598", Symbol: "AAPL", Position: decimal.NewFromInt(10),
			AvgCost: decimal.NewFromFloat(150.25), MarketValue: decimal.NewFromFloat(1502.50)},
	}
	_, ts := newTestServer(&fakeSheet{}, &fakeBroker{positions: want}, fakeScheduler{})
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/broker/positions")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var got []broker.Position
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got) != 1 || got[0].Symbol != "AAPL" {
		t.Fatalf("unexpected positions: %+v", got)
	}
}

func TestHandleHealth_Returns200(t *testing.T) {
	_, ts := newTestServer(&fakeSheet{}, &fakeBroker{}, fakeScheduler{})
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}

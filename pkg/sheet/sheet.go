// Package sheet implements the C3 Sheet Adapter against Google Sheets:
// header-name column discovery, row-indexed reads, and bounded
// rotating log-column writes, serialized through a single mutex since
// the underlying API client is not assumed re-entrant (§4.3).
package sheet

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/option"
	"google.golang.org/api/sheets/v4"

	"github.com/castlepeak/ibkr-recurring/pkg/engine"
	"github.com/castlepeak/ibkr-recurring/pkg/errs"
)

// firstDataRow: the header is row 1; data begins at row 2 (§4.3).
const firstDataRow = 2

// logColumns is the bounded rotation of log cell columns (G, H, I, ...)
// the adapter writes into in order, overwriting the last one with a
// truncation marker once all are full.
var logColumns = []string{"G", "H", "I", "J", "K"}

var requiredColumns = []string{"status", "symbol", "frequency"}

// Adapter is the concrete C3 Sheet Adapter. It satisfies engine.Sheet.
type Adapter struct {
	svc           *sheets.Service
	spreadsheetID string
	sheetName     string

	mu  sync.Mutex
	log *zap.Logger

	// columns caches the header->letter mapping discovered on the most
	// recent ListOrders call, so AppendLog doesn't need to re-read the
	// header row on every write.
	columns map[string]string
}

// New constructs an Adapter from a service-account JSON credential
// file, a full spreadsheet URL (the id is extracted from it), and a
// zero-based worksheet index, which is resolved to a sheet name here,
// at construction.
func New(ctx context.Context, serviceAccountJSONPath, spreadsheetURL string, worksheetIndex int, log *zap.Logger) (*Adapter, error) {
	svc, err := sheets.NewService(ctx, option.WithCredentialsFile(serviceAccountJSONPath), option.WithScopes(sheets.SpreadsheetsScope))
	if err != nil {
		return nil, &errs.SheetIOError{Op: "new_service", Err: err}
	}

	spreadsheetID, err := extractSpreadsheetID(spreadsheetURL)
	if err != nil {
		return nil, &errs.SheetIOError{Op: "parse_url", Err: err}
	}

	meta, err := svc.Spreadsheets.Get(spreadsheetID).Do()
	if err != nil {
		return nil, &errs.SheetIOError{Op: "get_spreadsheet", Err: err}
	}
	if worksheetIndex < 0 || worksheetIndex >= len(meta.Sheets) {
		return nil, &errs.SheetIOError{Op: "resolve_worksheet", Err: fmt.Errorf("worksheet index %d out of range (%d sheets)", worksheetIndex, len(meta.Sheets))}
	}
	sheetName := meta.Sheets[worksheetIndex].Properties.Title

	return &Adapter{svc: svc, spreadsheetID: spreadsheetID, sheetName: sheetName, log: log}, nil
}

// NewFromService wraps an already-constructed *sheets.Service, e.g.
// one pointed at a fake/local HTTP server instead of the real Google
// API. No test in this repository uses it.
func NewFromService(svc *sheets.Service, spreadsheetID, sheetName string, log *zap.Logger) *Adapter {
	return &Adapter{svc: svc, spreadsheetID: spreadsheetID, sheetName: sheetName, log: log}
}

func extractSpreadsheetID(rawURL string) (string, error) {
	const marker = "/d/"
	idx := strings.Index(rawURL, marker)
	if idx < 0 {
		return "", fmt.Errorf("no spreadsheet id in url %q", rawURL)
	}
	rest := rawURL[idx+len(marker):]
	if end := strings.IndexByte(rest, '/'); end >= 0 {
		rest = rest[:end]
	}
	if rest == "" {
		return "", fmt.Errorf("empty spreadsheet id in url %q", rawURL)
	}
	return rest, nil
}

// ListOrders reads the full worksheet, discovers columns by header
// name (case-insensitive, whitespace-trimmed), and decodes every data
// row into a RecurringOrder preserving row index. Unknown columns are
// ignored; a missing required column fails the whole read with
// SheetSchemaError.
func (a *Adapter) ListOrders(ctx context.Context) ([]engine.RecurringOrder, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	resp, err := a.svc.Spreadsheets.Values.Get(a.spreadsheetID, a.sheetName).Context(ctx).Do()
	if err != nil {
		return nil, &errs.SheetIOError{Op: "values_get", Err: err}
	}
	if len(resp.Values) == 0 {
		return nil, &errs.SheetSchemaError{MissingColumns: requiredColumns}
	}

	columns, missing := discoverColumns(resp.Values[0])
	if len(missing) > 0 {
		return nil, &errs.SheetSchemaError{MissingColumns: missing}
	}
	a.columns = columns

	var orders []engine.RecurringOrder
	for i, row := range resp.Values {
		if i == 0 {
			continue
		}
		orders = append(orders, decodeRow(row, columns, i+1))
	}
	return orders, nil
}

// discoverColumns maps normalized header name -> spreadsheet column
// letter, validating that every required column is present.
func discoverColumns(header []interface{}) (map[string]string, []string) {
	columns := make(map[string]string, len(header))
	for i, cell := range header {
		name := normalizeHeader(fmt.Sprint(cell))
		if name == "" {
			continue
		}
		columns[name] = columnLetter(i)
	}

	var missing []string
	for _, req := range requiredColumns {
		if _, ok := columns[req]; !ok {
			missing = append(missing, req)
		}
	}
	return columns, missing
}

func normalizeHeader(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// columnLetter converts a zero-based column index to spreadsheet
// A1-style letters (0 -> "A", 25 -> "Z", 26 -> "AA").
func columnLetter(index int) string {
	letters := ""
	n := index + 1
	for n > 0 {
		n--
		letters = string(rune('A'+n%26)) + letters
		n /= 26
	}
	return letters
}

func decodeRow(row []interface{}, columns map[string]string, rowIndex int) engine.RecurringOrder {
	cell := func(name string) string {
		letter, ok := columns[name]
		if !ok {
			return ""
		}
		idx := columnIndex(letter)
		if idx >= len(row) {
			return ""
		}
		return strings.TrimSpace(fmt.Sprint(row[idx]))
	}

	order := engine.RecurringOrder{
		RowIndex:  rowIndex,
		Status:    engine.Status(strings.ToLower(cell("status"))),
		Symbol:    strings.ToUpper(cell("symbol")),
		Frequency: engine.Frequency(strings.ToLower(cell("frequency"))),
		Log:       cell("log"),
	}

	if v := cell("price_hint"); v != "" {
		if d, err := decimal.NewFromString(v); err == nil {
			order.PriceHint = decimal.NewNullDecimal(d)
		}
	}
	if v := cell("amount_usd"); v != "" {
		if d, err := decimal.NewFromString(v); err == nil {
			order.AmountUSD = decimal.NewNullDecimal(d)
		}
	}
	if v := cell("qty_to_buy"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			order.QtyToBuy = &n
		}
	}

	return order
}

func columnIndex(letter string) int {
	idx := 0
	for _, c := range letter {
		idx = idx*26 + int(c-'A'+1)
	}
	return idx - 1
}

// AppendLog finds the first empty log column (G, H, I, ...) for
// rowIndex and writes message there; if all are full, the last column
// is overwritten with a truncation marker (§4.3). Writes are
// at-least-once — the caller is expected to include a timestamp in
// message so duplicate appends are distinguishable.
func (a *Adapter) AppendLog(ctx context.Context, rowIndex int, message string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	rangeSpec := fmt.Sprintf("%s!%s%d:%s%d", a.sheetName, logColumns[0], rowIndex, logColumns[len(logColumns)-1], rowIndex)
	resp, err := a.svc.Spreadsheets.Values.Get(a.spreadsheetID, rangeSpec).Context(ctx).Do()
	if err != nil {
		return &errs.SheetIOError{Op: "values_get_log_row", Err: err}
	}

	var existing []interface{}
	if len(resp.Values) > 0 {
		existing = resp.Values[0]
	}

	targetCol := logColumns[len(logColumns)-1]
	value := message
	for i, col := range logColumns {
		if i >= len(existing) || strings.TrimSpace(fmt.Sprint(existing[i])) == "" {
			targetCol = col
			break
		}
		if i == len(logColumns)-1 {
			value = "[truncated] " + message
		}
	}

	writeRange := fmt.Sprintf("%s!%s%d", a.sheetName, targetCol, rowIndex)
	_, err = a.svc.Spreadsheets.Values.Update(a.spreadsheetID, writeRange, &sheets.ValueRange{
		Values: [][]interface{}{{value}},
	}).ValueInputOption("USER_ENTERED").Context(ctx).Do()
	if err != nil {
		return &errs.SheetIOError{Op: "values_update_log", Err: err}
	}
	if a.log != nil {
		a.log.Debug("log_appended", zap.Int("row_index", rowIndex), zap.String("column", targetCol))
	}
	return nil
}

package sheet

import "testing"

func TestExtractSpreadsheetID(t *testing.T) {
	cases := map[string]string{
		"https://docs.google.com/spreadsheets/d/1AbCdEf123/edit#gid=0": "1AbCdEf123",
		"https://docs.google.com/spreadsheets/d/1AbCdEf123":            "1AbCdEf123",
	}
	for url, want := range cases {
		got, err := extractSpreadsheetID(url)
		if err != nil {
			t.Fatalf("extractSpreadsheetID(%q) error: %v", url, err)
		}
		if got != want {
			t.Errorf("extractSpreadsheetID(%q) = %q, want %q", url, got, want)
		}
	}
}

func TestExtractSpreadsheetID_Invalid(t *testing.T) {
	if _, err := extractSpreadsheetID("https://example.com/nope"); err == nil {
		t.Fatal("expected error for URL with no /d/ segment")
	}
}

func TestColumnLetter(t *testing.T) {
	cases := map[int]string{0: "A", 6: "G", 25: "Z", 26: "AA", 27: "AB"}
	for idx, want := range cases {
		if got := columnLetter(idx); got != want {
			t.Errorf("columnLetter(%d) = %q, want %q", idx, got, want)
		}
	}
}

func TestColumnIndex_RoundTrips(t *testing.T) {
	for idx := 0; idx < 40; idx++ {
		letter := columnLetter(idx)
		if got := columnIndex(letter); got != idx {
			t.Errorf("columnIndex(columnLetter(%d)=%q) = %d, want %d", idx, letter, got, idx)
		}
	}
}

func TestDiscoverColumns_MissingRequired(t *testing.T) {
	header := []interface{}{"Symbol", "Frequency"} // missing "status"
	_, missing := discoverColumns(header)
	if len(missing) != 1 || missing[0] != "status" {
		t.Fatalf("expected missing=[status], got %v", missing)
	}
}

func TestDiscoverColumns_CaseAndWhitespaceInsensitive(t *testing.T) {
	header := []interface{}{" Status ", "SYMBOL", "Frequency", "Amount_USD"}
	columns, missing := discoverColumns(header)
	if len(missing) != 0 {
		t.Fatalf("expected no missing columns, got %v", missing)
	}
	if columns["status"] != "A" || columns["symbol"] != "B" || columns["amount_usd"] != "D" {
		t.Fatalf("unexpected column map: %+v", columns)
	}
}

func TestDecodeRow_ParsesBothQtyToBuyAndAmount(t *testing.T) {
	columns, _ := discoverColumns([]interface{}{"status", "symbol", "frequency", "amount_usd", "qty_to_buy"})
	row := []interface{}{"Active", "aapl", "Daily", "500", "3"}
	order := decodeRow(row, columns, 2)

	if order.Symbol != "AAPL" || order.RowIndex != 2 {
		t.Fatalf("unexpected order: %+v", order)
	}
	if order.QtyToBuy == nil || *order.QtyToBuy != 3 {
		t.Fatalf("expected qty_to_buy=3, got %+v", order.QtyToBuy)
	}
	if !order.AmountUSD.Valid {
		t.Fatalf("expected amount_usd to still be parsed even though qty_to_buy wins downstream")
	}
}

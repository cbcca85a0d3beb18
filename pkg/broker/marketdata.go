package broker

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/shopspring/decimal"
)

const (
	fieldLast = "31"
	fieldBid  = "84"
	fieldAsk  = "86"
)

type secdefSearchResult struct {
	Conid       string `json:"conid"`
	AssetClass  string `json:"secType"`
	CompanyName string `json:"companyName"`
}

// ResolveSymbol looks up the conid for symbol via
// GET /iserver/secdef/search, taking the first US stock (STK) match,
// per §6.1. Results are cached in-memory for the life of the process.
func (c *Client) ResolveSymbol(ctx context.Context, symbol string) (string, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if conid, ok := c.cachedConid(symbol); ok {
		return conid, nil
	}

	var results []secdefSearchResult
	err := c.do(ctx, authedRequest{
		method: http.MethodGet,
		path:   "/iserver/secdef/search",
		query:  url.Values{"symbol": {symbol}},
	}, &results)
	if err != nil {
		return "", err
	}

	for _, r := range results {
		if strings.EqualFold(r.AssetClass, "STK") {
			c.cacheConid(symbol, r.Conid)
			return r.Conid, nil
		}
	}
	return "", fmt.Errorf("no US stock match for symbol %q", symbol)
}

type snapshotEntry struct {
	Conid string `json:"conid"`
	Last  string `json:"31"`
	Bid   string `json:"84"`
	Ask   string `json:"86"`
}

// GetSnapshot fetches last/bid/ask for conid via
// GET /iserver/marketdata/snapshot.
func (c *Client) GetSnapshot(ctx context.Context, conid string) (Snapshot, error) {
	var entries []snapshotEntry
	err := c.do(ctx, authedRequest{
		method: http.MethodGet,
		path:   "/iserver/marketdata/snapshot",
		query: url.Values{
			"conids": {conid},
			"fields": {strings.Join([]string{fieldLast, fieldBid, fieldAsk}, ",")},
		},
	}, &entries)
	if err != nil {
		return Snapshot{}, err
	}
	if len(entries) == 0 {
		return Snapshot{}, fmt.Errorf("empty snapshot response for conid %s", conid)
	}

	e := entries[0]
	snap := Snapshot{Conid: conid}
	if d, ok := parsePriceField(e.Last); ok {
		snap.Last = decimal.NewNullDecimal(d)
	}
	if d, ok := parsePriceField(e.Bid); ok {
		snap.Bid = decimal.NewNullDecimal(d)
	}
	if d, ok := parsePriceField(e.Ask); ok {
		snap.Ask = decimal.NewNullDecimal(d)
	}
	return snap, nil
}

// parsePriceField strips IBKR's occasional "C"/"H" price-condition
// suffixes before parsing a snapshot field as decimal.
func parsePriceField(raw string) (decimal.Decimal, bool) {
	raw = strings.TrimSpace(raw)
	raw = strings.TrimRight(raw, "CH")
	if raw == "" {
		return decimal.Decimal{}, false
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Decimal{}, false
	}
	return d, true
}

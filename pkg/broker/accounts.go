package broker

import (
	"context"
	"fmt"
	"net/http"

	"github.com/shopspring/decimal"
)

type accountsResponse struct {
	Accounts []string `json:"accounts"`
}

// DiscoverAccountID fetches the brokerage account id via
// GET /iserver/accounts and returns the first one listed. Nothing in
// this repository calls it; the daemon uses the configured
// broker.account_id.
func (c *Client) DiscoverAccountID(ctx context.Context) (string, error) {
	var resp accountsResponse
	if err := c.do(ctx, authedRequest{method: http.MethodGet, path: "/iserver/accounts"}, &resp); err != nil {
		return "", err
	}
	if len(resp.Accounts) == 0 {
		return "", fmt.Errorf("broker returned no accounts")
	}
	return resp.Accounts[0], nil
}

type liveOrder struct {
	OrderID string `json:"orderId"`
	Symbol  string `json:"ticker"`
	Status  string `json:"status"`
	Side    string `json:"side"`
}

type ordersResponse struct {
	Orders []liveOrder `json:"orders"`
}

// GetOrders lists live orders via GET /iserver/account/orders.
func (c *Client) GetOrders(ctx context.Context) ([]liveOrder, error) {
	var resp ordersResponse
	if err := c.do(ctx, authedRequest{method: http.MethodGet, path: "/iserver/account/orders"}, &resp); err != nil {
		return nil, err
	}
	return resp.Orders, nil
}

type positionEntry struct {
	Conid       string  `json:"conid"`
	Symbol      string  `json:"contractDesc"`
	Position    float64 `json:"position"`
	AvgCost     float64 `json:"avgCost"`
	MarketValue float64 `json:"mktValue"`
}

// GetAccountPositions pages through /portfolio/{acct}/positions/{page}
// until a short (< 100 row) page is returned, per §6.1.
func (c *Client) GetAccountPositions(ctx context.Context) ([]Position, error) {
	const pageSize = 100

	var all []Position
	for page := 0; ; page++ {
		var entries []positionEntry
		err := c.do(ctx, authedRequest{
			method: http.MethodGet,
			path:   fmt.Sprintf("/portfolio/%s/positions/%d", c.accountID, page),
		}, &entries)
		if err != nil {
			return nil, err
		}

		for _, e := range entries {
			all = append(all, Position{
				Conid:       e.Conid,
				Symbol:      e.Symbol,
				Position:    decimal.NewFromFloat(e.Position),
				AvgCost:     decimal.NewFromFloat(e.AvgCost),
				MarketValue: decimal.NewFromFloat(e.MarketValue),
			})
		}

		if len(entries) < pageSize {
			break
		}
	}
	return all, nil
}

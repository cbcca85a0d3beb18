package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/castlepeak/ibkr-recurring/pkg/errs"
)

const maxConfirmationReplies = 5

type orderPayload struct {
	Conid    string  `json:"conid"`
	OrderType string `json:"orderType"`
	Side      string `json:"side"`
	TIF       string `json:"tif"`
	Quantity  int    `json:"quantity"`
	Price     float64 `json:"price,omitempty"`
}

type placeOrdersRequest struct {
	Orders []orderPayload `json:"orders"`
}

// confirmationPrompt is one entry of the list the broker may return
// instead of (or before) an order acknowledgement.
type confirmationPrompt struct {
	ID string `json:"id"`
}

// orderAck is the terminal shape once the reply loop resolves: either
// an order id or an error object.
type orderAck struct {
	OrderID string `json:"order_id"`
	Error   string `json:"error"`
}

type replyRequest struct {
	Confirmed bool `json:"confirmed"`
}

// wrapOrderResponse decodes the broker's polymorphic order-submission
// response: a JSON array whose elements are either confirmation
// prompts (carry "id") or the terminal order/error object. Exactly
// one of prompts/ack ends up populated per response.
type wrapOrderResponse struct {
	prompts *[]confirmationPrompt
	ack     *orderAck
}

func (w *wrapOrderResponse) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		// Some broker responses come back as a bare object rather
		// than a single-element array.
		var single orderAck
		if err2 := json.Unmarshal(data, &single); err2 != nil {
			return err
		}
		*w.ack = single
		return nil
	}

	var prompts []confirmationPrompt
	for _, item := range raw {
		var probe struct {
			ID      string `json:"id"`
			OrderID string `json:"order_id"`
			Error   string `json:"error"`
		}
		if err := json.Unmarshal(item, &probe); err != nil {
			continue
		}
		switch {
		case probe.OrderID != "" || probe.Error != "":
			*w.ack = orderAck{OrderID: probe.OrderID, Error: probe.Error}
		case probe.ID != "":
			prompts = append(prompts, confirmationPrompt{ID: probe.ID})
		}
	}
	*w.prompts = prompts
	return nil
}

// replyState is the bounded confirmation-reply state machine from
// §9: Awaiting -> Replying(id) -> Done(orderID) | Failed(reason),
// with an explicit reply budget instead of the source's ad hoc
// substring-matched "answers" loop.
type replyState int

const (
	replyAwaiting replyState = iota
	replyReplying
	replyDone
	replyFailed
)

// PlaceOrder submits payload to
// POST /iserver/account/{account}/orders and drives the confirmation
// reply loop (§4.2.5) to completion, capped at maxConfirmationReplies.
func (c *Client) PlaceOrder(ctx context.Context, req OrderRequest) (OrderResult, error) {
	payload := orderPayload{
		Conid:     req.Conid,
		OrderType: string(req.Type),
		Side:      string(req.Side),
		TIF:       string(req.TIF),
		Quantity:  req.Quantity,
	}
	if req.Price != nil {
		payload.Price, _ = req.Price.Float64()
	}

	var prompts []confirmationPrompt
	var ack orderAck

	err := c.do(ctx, authedRequest{
		method: http.MethodPost,
		path:   fmt.Sprintf("/iserver/account/%s/orders", c.accountID),
		body:   placeOrdersRequest{Orders: []orderPayload{payload}},
	}, &wrapOrderResponse{prompts: &prompts, ack: &ack})
	if err != nil {
		return OrderResult{}, err
	}

	state := replyAwaiting
	if ack.OrderID != "" {
		state = replyDone
	} else if ack.Error != "" {
		return OrderResult{}, &errs.BrokerError{Status: 0, Body: ack.Error}
	}

	for i := 0; state == replyAwaiting && len(prompts) > 0; i++ {
		if i >= maxConfirmationReplies {
			return OrderResult{}, &errs.OrderProtocolError{Reason: "confirmation reply cap exceeded"}
		}

		prompt := prompts[0]
		state = replyReplying

		prompts = nil
		ack = orderAck{}
		err := c.do(ctx, authedRequest{
			method: http.MethodPost,
			path:   fmt.Sprintf("/iserver/reply/%s", prompt.ID),
			body:   replyRequest{Confirmed: true},
		}, &wrapOrderResponse{prompts: &prompts, ack: &ack})
		if err != nil {
			return OrderResult{}, err
		}

		if ack.OrderID != "" {
			state = replyDone
		} else if ack.Error != "" {
			state = replyFailed
			return OrderResult{}, &errs.BrokerError{Status: 0, Body: ack.Error}
		} else {
			state = replyAwaiting
		}
	}

	if state != replyDone || ack.OrderID == "" {
		return OrderResult{}, &errs.OrderProtocolError{Reason: "no order_id after reply loop"}
	}
	return OrderResult{OrderID: ack.OrderID}, nil
}

// Package notify implements the C4 Notifier: one webhook dispatch per
// scheduler tick, built on the wire shape {content, embeds} (§6.3),
// which is literally a Discord webhook execution payload. Discord-
// shaped URLs are dispatched through discordgo's webhook execution
// call; anything else falls back to a plain POST of the same JSON
// shape (see DESIGN.md for why both paths are kept).
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"time"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"

	"github.com/castlepeak/ibkr-recurring/pkg/engine"
	"github.com/castlepeak/ibkr-recurring/pkg/errs"
)

// discordWebhookPattern matches Discord's canonical webhook URL shape
// and captures the webhook id and token.
var discordWebhookPattern = regexp.MustCompile(`discord(?:app)?\.com/api(?:/v\d+)?/webhooks/(\d+)/([^/?]+)`)

// Notifier is the concrete C4 adapter. It satisfies engine.Notifier.
type Notifier struct {
	webhookURLs []string
	httpClient  *http.Client
	discord     *discordgo.Session
	log         *zap.Logger
	sleep       func(time.Duration)
}

// New constructs a Notifier dispatching to every URL in webhookURLs.
// timeout bounds each individual dispatch attempt (§5: default 5s).
func New(webhookURLs []string, timeout time.Duration, log *zap.Logger) *Notifier {
	// WebhookExecute needs no bot authorization; an empty-token session
	// is the documented way to use discordgo purely for webhook calls.
	dg, _ := discordgo.New("")
	if dg != nil {
		dg.Client = &http.Client{Timeout: timeout}
	}
	return &Notifier{
		webhookURLs: webhookURLs,
		httpClient:  &http.Client{Timeout: timeout},
		discord:     dg,
		log:         log,
		sleep:       time.Sleep,
	}
}

// payload mirrors the generic rich-embed schema of §6.3 for the
// non-Discord fallback path.
type payload struct {
	Content string          `json:"content,omitempty"`
	Embeds  []embed         `json:"embeds,omitempty"`
}

type embed struct {
	Title       string       `json:"title"`
	Description string       `json:"description,omitempty"`
	Fields      []embedField `json:"fields,omitempty"`
	Timestamp   string       `json:"timestamp,omitempty"`
}

type embedField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline,omitempty"`
}

// rateLimitedError carries the delay a 429 response asked the caller to
// wait, so the single allowed retry honors Retry-After instead of the
// flat 2s default (§6.3).
type rateLimitedError struct {
	err        error
	retryAfter time.Duration
}

func (e *rateLimitedError) Error() string { return e.err.Error() }
func (e *rateLimitedError) Unwrap() error { return e.err }

// parseRetryAfter parses the Retry-After header, which per RFC 9110
// is either a delay in seconds or an HTTP-date.
func parseRetryAfter(header string, now time.Time) (time.Duration, bool) {
	if header == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(header); err == nil {
		if secs < 0 {
			return 0, false
		}
		return time.Duration(secs) * time.Second, true
	}
	if t, err := http.ParseTime(header); err == nil {
		if d := t.Sub(now); d > 0 {
			return d, true
		}
	}
	return 0, false
}

// Notify sends one webhook dispatch per configured URL, summarizing
// result (§4.4). A failed dispatch is retried once, after Retry-After
// if the failure was a 429 that named one, otherwise after 2s; a
// second failure is logged and does not fail the engine run (§4.4, §7).
func (n *Notifier) Notify(ctx context.Context, result engine.AggregateResult) error {
	content, fields := render(result)

	var lastErr error
	for _, url := range n.webhookURLs {
		if err := n.dispatchWithRetry(ctx, url, content, fields); err != nil {
			lastErr = err
			if n.log != nil {
				n.log.Warn("notify_dispatch_failed", zap.String("webhook_url", redactURL(url)), zap.Error(err))
			}
		}
	}
	if lastErr != nil {
		return &errs.NotifyError{Err: lastErr}
	}
	return nil
}

func (n *Notifier) dispatchWithRetry(ctx context.Context, url, content string, fields []embedField) error {
	err := n.dispatchOnce(ctx, url, content, fields)
	if err == nil {
		return nil
	}

	delay := 2 * time.Second
	var rl *rateLimitedError
	if errors.As(err, &rl) && rl.retryAfter > 0 {
		delay = rl.retryAfter
	}
	n.sleep(delay)
	return n.dispatchOnce(ctx, url, content, fields)
}

func (n *Notifier) dispatchOnce(ctx context.Context, url, content string, fields []embedField) error {
	if id, token, ok := parseDiscordWebhook(url); ok && n.discord != nil {
		// discordgo's own Session already waits out Retry-After internally
		// before a rate-limited call returns, so there is no 429 left for
		// dispatchWithRetry to see on this path.
		_, err := n.discord.WebhookExecute(id, token, false, &discordgo.WebhookParams{
			Content: content,
			Embeds:  toDiscordEmbeds(fields),
		})
		return err
	}
	return n.postGeneric(ctx, url, content, fields)
}

func (n *Notifier) postGeneric(ctx context.Context, url, content string, fields []embedField) error {
	body, err := json.Marshal(payload{
		Content: content,
		Embeds: []embed{{
			Title:     "Recurring order run",
			Fields:    fields,
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		}},
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		statusErr := fmt.Errorf("webhook returned status %d", resp.StatusCode)
		if resp.StatusCode == http.StatusTooManyRequests {
			retryAfter, _ := parseRetryAfter(resp.Header.Get("Retry-After"), time.Now())
			return &rateLimitedError{err: statusErr, retryAfter: retryAfter}
		}
		return statusErr
	}
	return nil
}

func parseDiscordWebhook(url string) (id, token string, ok bool) {
	m := discordWebhookPattern.FindStringSubmatch(url)
	if m == nil {
		return "", "", false
	}
	return m[1], m[2], true
}

// render builds the summary line and per-order fields from §4.4: "no
// orders today" when the due set was empty.
func render(result engine.AggregateResult) (string, []embedField) {
	if result.Total == 0 {
		return "No orders today.", nil
	}

	summary := fmt.Sprintf("Recurring run: %d total, %d success, %d failure, notional $%s",
		result.Total, result.Success, result.Failure, result.TotalNotional.StringFixed(2))

	fields := make([]embedField, 0, len(result.Results))
	for _, r := range result.Results {
		orderID := r.OrderID
		if orderID == "" {
			orderID = r.Message
		}
		value := fmt.Sprintf("qty=%d fill=$%s %s=%s", r.RequestedQty, r.FillPrice.StringFixed(2), idOrError(r), orderID)
		fields = append(fields, embedField{Name: fmt.Sprintf("%s (%s)", r.Symbol, r.Outcome), Value: value})
	}
	return summary, fields
}

func idOrError(r engine.ExecutionResult) string {
	if r.Outcome == engine.OutcomePlaced {
		return "id"
	}
	return "reason"
}

func toDiscordEmbeds(fields []embedField) []*discordgo.MessageEmbed {
	if len(fields) == 0 {
		return nil
	}
	df := make([]*discordgo.MessageEmbedField, 0, len(fields))
	for _, f := range fields {
		df = append(df, &discordgo.MessageEmbedField{Name: f.Name, Value: f.Value, Inline: f.Inline})
	}
	return []*discordgo.MessageEmbed{{
		Title:     "Recurring order run",
		Fields:    df,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}}
}

// redactURL shortens a webhook URL for log output, since the path
// segment carries the webhook token: a Discord URL is reduced to its
// webhook id, and any other URL longer than 40 characters is cut to
// its first 40.
func redactURL(url string) string {
	if m := discordWebhookPattern.FindStringSubmatch(url); m != nil {
		return "discord webhook id=" + m[1]
	}
	if len(url) > 40 {
		return url[:40] + "..."
	}
	return url
}

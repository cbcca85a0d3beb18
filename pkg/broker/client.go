package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"github.com/castlepeak/ibkr-recurring/pkg/clock"
	"github.com/castlepeak/ibkr-recurring/pkg/errs"
)

// refreshThreshold is how far ahead of expiration a held LST is
// considered stale and proactively re-derived (§3 LiveSession
// invariant).
const refreshThreshold = 60 * time.Second

// Client is the single long-lived authenticated session against the
// broker's web API. It is constructed once at startup and passed by
// reference to the order engine and HTTP surface — there is no
// process-global singleton (§9 redesign note).
type Client struct {
	creds      Credentials
	baseURL    string
	accountID  string
	httpClient *http.Client
	clock      clock.Clock
	log        *zap.Logger

	mu      sync.Mutex
	session *liveSession

	conidCacheMu sync.RWMutex
	conidCache   map[string]string

	ticklerMu    sync.Mutex
	ticklerState TicklerState
	ticklerFails int
}

// New constructs a Client. requestTimeout bounds every individual
// broker HTTP call (§5: default 15s).
func New(creds Credentials, baseURL, accountID string, requestTimeout time.Duration, c clock.Clock, log *zap.Logger) *Client {
	if c == nil {
		c = clock.RealClock{}
	}
	return &Client{
		creds:      creds,
		baseURL:    baseURL,
		accountID:  accountID,
		httpClient: &http.Client{Timeout: requestTimeout},
		clock:      c,
		log:        log,
		conidCache: make(map[string]string),
	}
}

func (c *Client) now() time.Time { return c.clock.Now() }

// cachedConid returns a previously resolved symbol->conid mapping, if
// any. This is a pure in-memory optimization (adapted from the
// teacher's thread-safe registry shape) — it holds no state the
// process needs to survive a restart.
func (c *Client) cachedConid(symbol string) (string, bool) {
	c.conidCacheMu.RLock()
	defer c.conidCacheMu.RUnlock()
	conid, ok := c.conidCache[symbol]
	return conid, ok
}

func (c *Client) cacheConid(symbol, conid string) {
	c.conidCacheMu.Lock()
	defer c.conidCacheMu.Unlock()
	c.conidCache[symbol] = conid
}

// currentSession returns a valid LST snapshot, deriving a new one if none is
// held or the held one is within refreshThreshold of expiring.
func (c *Client) currentSession(ctx context.Context) (*liveSession, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.session != nil && c.session.validAt(c.now(), refreshThreshold) {
		return c.session, nil
	}

	s, err := c.deriveLST(ctx)
	if err != nil {
		return nil, err
	}
	c.session = s
	return s, nil
}

// invalidateSession discards the held LST, forcing re-derivation on
// the next authenticated call. Used on 401 replay and on tickler
// failure thresholds.
func (c *Client) invalidateSession() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.session = nil
}

// authedRequest describes one logical authenticated call so do() can
// rebuild and re-sign it on a 401 replay without the caller
// duplicating that logic.
type authedRequest struct {
	method string
	path   string
	query  url.Values
	body   any // marshaled to JSON if non-nil
}

func (r authedRequest) url(baseURL string) string {
	u := baseURL + r.path
	if len(r.query) > 0 {
		u += "?" + r.query.Encode()
	}
	return u
}

// do signs and sends an authenticated request, handling 401 replay
// (one re-derivation + one retry) and transient 5xx/network retry with
// exponential backoff. 4xx other than 401 surfaces immediately as
// BrokerError without retry (§4.2.6).
func (c *Client) do(ctx context.Context, r authedRequest, out any) error {
	status, bodyBytes, err := c.attempt(ctx, r)
	if err != nil {
		return err
	}

	if authExpired(status, bodyBytes) {
		c.invalidateSession()
		status, bodyBytes, err = c.attempt(ctx, r)
		if err != nil {
			return &errs.AuthError{Op: "replay_after_401", Err: err}
		}
		if authExpired(status, bodyBytes) {
			return &errs.AuthError{Op: "replay_after_401", Err: fmt.Errorf("still unauthorized after re-derivation")}
		}
	}

	if status >= 400 {
		return &errs.BrokerError{Status: status, Body: string(bodyBytes)}
	}

	if out != nil && len(bodyBytes) > 0 {
		if err := json.Unmarshal(bodyBytes, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

// attempt performs one signed round trip (itself retried for
// transport/5xx failures by doOnce) and returns the raw status/body
// for do() to interpret.
func (c *Client) attempt(ctx context.Context, r authedRequest) (status int, body []byte, err error) {
	resp, err := c.doOnce(ctx, r)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("read response: %w", err)
	}
	return resp.StatusCode, b, nil
}

func authExpired(status int, body []byte) bool {
	return status == http.StatusUnauthorized || bytes.Contains(body, []byte("Session expired"))
}

// doOnce signs r against the current LST and performs one HTTP round
// trip, retrying transport/5xx failures per the backoff policy in
// §4.2.6 (base 500ms, factor 2, jitter, cap 3 attempts).
func (c *Client) doOnce(ctx context.Context, r authedRequest) (*http.Response, error) {
	op := func() (*http.Response, error) {
		sess, err := c.currentSession(ctx)
		if err != nil {
			return nil, backoff.Permanent(err)
		}

		req, err := c.signedRequest(ctx, r, sess)
		if err != nil {
			return nil, backoff.Permanent(err)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, err // transient, retry
		}
		if resp.StatusCode >= 500 {
			resp.Body.Close()
			return nil, fmt.Errorf("broker: transient status %d", resp.StatusCode)
		}
		return resp, nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.Multiplier = 2
	bo.RandomizationFactor = 0.2 // jitter +/-20%

	return backoff.Retry(ctx, op,
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(3),
	)
}

func (c *Client) signedRequest(ctx context.Context, r authedRequest, sess *liveSession) (*http.Request, error) {
	var bodyBytes []byte
	if r.body != nil {
		b, err := json.Marshal(r.body)
		if err != nil {
			return nil, err
		}
		bodyBytes = b
	}

	rawURL := r.url(c.baseURL)

	n, err := nonce()
	if err != nil {
		return nil, err
	}

	oauth := oauthParams{
		"oauth_consumer_key":     c.creds.ConsumerKey,
		"oauth_nonce":            n,
		"oauth_signature_method": string(methodHMACSHA256),
		"oauth_timestamp":        timestamp(c.now()),
		"oauth_token":            c.creds.AccessToken,
	}

	base := signatureBaseString(r.method, c.baseURL+r.path, oauth, r.query)
	sig := signHMACSHA256(base, sess.token)

	headerParams := map[string]string{
		"oauth_consumer_key":     oauth["oauth_consumer_key"],
		"oauth_nonce":            oauth["oauth_nonce"],
		"oauth_signature_method": oauth["oauth_signature_method"],
		"oauth_timestamp":        oauth["oauth_timestamp"],
		"oauth_token":            oauth["oauth_token"],
		"oauth_signature":        sig,
	}
	authHeader := authorizationHeader(c.creds.Realm, headerParams)

	var bodyReader io.Reader
	if bodyBytes != nil {
		bodyReader = bytes.NewReader(bodyBytes)
	}
	req, err := http.NewRequestWithContext(ctx, r.method, rawURL, bodyReader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", authHeader)
	if bodyBytes != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}


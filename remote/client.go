package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
)

const defaultTimeout = 15 * time.Second

// Client implements Authority over the server's JSON API:
//
//	POST /auth/apple     {identity_token, user_id}
//	GET  /user/status    ?user_id=
//	POST /payment/subscribe {user_id, explicit_expiry}
//	POST /user/redeem    {user_id, invite_code}
type Client struct {
	baseURL string
	httpc   *http.Client
	log     logrus.FieldLogger
}

// ClientOpt configures a Client.
type ClientOpt func(*Client)

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(h *http.Client) ClientOpt {
	return func(c *Client) {
		if h != nil {
			c.httpc = h
		}
	}
}

// WithTokenSource wires an OAuth2 token source so every request carries a
// bearer token, for deployments that front the API with an identity proxy.
func WithTokenSource(ts oauth2.TokenSource) ClientOpt {
	return func(c *Client) {
		if ts != nil {
			base := c.httpc
			c.httpc = oauth2.NewClient(
				context.WithValue(context.Background(), oauth2.HTTPClient, base), ts)
			c.httpc.Timeout = base.Timeout
		}
	}
}

// WithLogger attaches a structured logger.
func WithLogger(log logrus.FieldLogger) ClientOpt {
	return func(c *Client) {
		if log != nil {
			c.log = log
		}
	}
}

// NewClient builds a client for the given server base URL.
func NewClient(baseURL string, opts ...ClientOpt) (*Client, error) {
	trimmed := strings.TrimRight(baseURL, "/")
	if trimmed == "" {
		return nil, errors.New("remote: base url is empty")
	}
	c := &Client{
		baseURL: trimmed,
		httpc:   &http.Client{Timeout: defaultTimeout},
		log:     discardLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

type statusPayload struct {
	Status                string  `json:"status,omitempty"`
	IsSubscribed          bool    `json:"is_subscribed"`
	SubscriptionExpiresAt *string `json:"subscription_expires_at,omitempty"`
	Error                 string  `json:"error,omitempty"`
}

func (p statusPayload) entitlement() (Entitlement, error) {
	ent := Entitlement{Active: p.IsSubscribed}
	if p.SubscriptionExpiresAt == nil || *p.SubscriptionExpiresAt == "" {
		return ent, nil
	}
	t, err := parseExpiry(*p.SubscriptionExpiresAt)
	if err != nil {
		return Entitlement{}, fmt.Errorf("remote: bad expiry %q: %w", *p.SubscriptionExpiresAt, err)
	}
	ent.Expiry = &t
	return ent, nil
}

// parseExpiry accepts RFC 3339 and the date-only form older servers emit.
func parseExpiry(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02", s)
}

func (c *Client) Authenticate(ctx context.Context, identityToken, accountID string) (Entitlement, error) {
	body := map[string]string{"identity_token": identityToken, "user_id": accountID}
	var out statusPayload
	if err := c.post(ctx, "/auth/apple", body, &out); err != nil {
		return Entitlement{}, err
	}
	return out.entitlement()
}

func (c *Client) QueryStatus(ctx context.Context, accountID string) (Entitlement, error) {
	u := c.baseURL + "/user/status?user_id=" + url.QueryEscape(accountID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return Entitlement{}, err
	}
	var out statusPayload
	if err := c.do(req, "query status", &out); err != nil {
		return Entitlement{}, err
	}
	return out.entitlement()
}

func (c *Client) ReportPurchase(ctx context.Context, accountID string, expiry *time.Time) error {
	body := map[string]any{"user_id": accountID}
	if expiry != nil {
		body["explicit_expiry"] = expiry.UTC().Format(time.RFC3339)
	} else {
		// Servers without an explicit expiry fall back to a granted window.
		body["days"] = 31
	}
	return c.post(ctx, "/payment/subscribe", body, nil)
}

func (c *Client) Redeem(ctx context.Context, accountID, code string) (Entitlement, error) {
	body := map[string]string{"user_id": accountID, "invite_code": code}
	var out statusPayload
	if err := c.post(ctx, "/user/redeem", body, &out); err != nil {
		return Entitlement{}, err
	}
	return out.entitlement()
}

func (c *Client) post(ctx context.Context, path string, body any, out *statusPayload) error {
	buf, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, strings.TrimPrefix(path, "/"), out)
}

func (c *Client) do(req *http.Request, op string, out *statusPayload) error {
	resp, err := c.httpc.Do(req)
	if err != nil {
		c.log.WithField("op", op).WithError(err).Warn("request failed")
		return &NetworkError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return &NetworkError{Op: op, Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		// A non-200 from redeem is a definitive rejection, not a
		// transport failure; the body carries the user-facing message.
		if op == "user/redeem" && resp.StatusCode < 500 {
			var p statusPayload
			_ = json.Unmarshal(raw, &p)
			return &RedeemError{Message: p.Error}
		}
		return &NetworkError{Op: op, Err: fmt.Errorf("unexpected status %s", resp.Status)}
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return &NetworkError{Op: op, Err: err}
	}
	return nil
}

func discardLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

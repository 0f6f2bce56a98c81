// Package binance implements the Binance spot REST transport and the market and
// user data websocket streams used by the quoting bot.
package binance

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"golang.org/x/time/rate"

	"github.com/coachpo/stablebot/errs"
)

// Param is one query parameter. Params keep the caller's order, which is the
// order the signature is computed over.
type Param struct {
	Key   string
	Value string
}

// Params is an ordered query string.
type Params []Param

// Add appends key=value and returns the extended list.
func (p Params) Add(key, value string) Params {
	return append(p, Param{Key: key, Value: value})
}

// Encode renders key=value pairs joined by '&' with values query-escaped.
func (p Params) Encode() string {
	if len(p) == 0 {
		return ""
	}
	var b strings.Builder
	for i, kv := range p {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(url.QueryEscape(kv.Key))
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(kv.Value))
	}
	return b.String()
}

// Client issues public, API-key and signed requests against the spot REST API.
type Client struct {
	opts    Options
	limiter *rate.Limiter
	metrics *clientMetrics
}

// NewClient validates credentials and builds a Client.
func NewClient(opts Options) (*Client, error) {
	opts = withDefaults(opts)
	if strings.TrimSpace(opts.Config.APIKey) == "" || strings.TrimSpace(opts.Config.APISecret) == "" {
		return nil, errs.New(venueName, errs.CodeConfig,
			errs.WithMessage("api key and secret are required"),
			errs.WithCanonicalCode(errs.CanonicalMissingCredentials))
	}
	return &Client{
		opts:    opts,
		limiter: rate.NewLimiter(rate.Limit(opts.Config.RequestsPerSecond), opts.Config.RequestBurst),
		metrics: newClientMetrics(),
	}, nil
}

// Options exposes the resolved options, including the websocket base URL.
func (c *Client) Options() Options {
	return c.opts
}

// PublicRequest calls an unauthenticated endpoint.
func (c *Client) PublicRequest(ctx context.Context, method, path string, params Params, out any) error {
	return c.do(ctx, method, path, params.Encode(), false, out)
}

// APIKeyRequest calls an endpoint that needs the API key header but no signature.
func (c *Client) APIKeyRequest(ctx context.Context, method, path string, params Params, out any) error {
	return c.do(ctx, method, path, params.Encode(), true, out)
}

// SignedRequest appends recvWindow and timestamp, signs the query with
// HMAC-SHA256 and sends the hex digest as the trailing signature parameter.
func (c *Client) SignedRequest(ctx context.Context, method, path string, params Params, out any) error {
	signed := make(Params, 0, len(params)+3)
	signed = append(signed, params...)
	if rw := c.opts.Config.RecvWindow; rw > 0 {
		signed = signed.Add("recvWindow", strconv.FormatInt(rw.Milliseconds(), 10))
	}
	signed = signed.Add("timestamp", strconv.FormatInt(c.opts.Clock().UnixMilli(), 10))
	query := signed.Encode()
	query += "&signature=" + signPayload(query, c.opts.Config.APISecret)
	return c.do(ctx, method, path, query, true, out)
}

func (c *Client) do(ctx context.Context, method, path, query string, withKey bool, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return errs.New(venueName, errs.CodeRateLimited,
			errs.WithMessage("client-side throttle"),
			errs.WithField("endpoint", path),
			errs.WithCause(err))
	}

	endpoint := c.opts.restEndpoint(path)
	if query != "" {
		endpoint += "?" + query
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, nil)
	if err != nil {
		return fmt.Errorf("binance: create %s %s request: %w", method, path, err)
	}
	if withKey {
		req.Header.Set("X-MBX-APIKEY", c.opts.Config.APIKey)
	}

	start := time.Now()
	resp, err := c.opts.HTTPClient.Do(req)
	if err != nil {
		c.metrics.recordRequest(ctx, path, "network", time.Since(start))
		return errs.New(venueName, errs.CodeNetwork,
			errs.WithMessage(method+" "+path),
			errs.WithField("endpoint", path),
			errs.WithCause(err))
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyLimit))
		c.metrics.recordRequest(ctx, path, strconv.Itoa(resp.StatusCode), time.Since(start))
		return venueError(resp.StatusCode, body, method, path)
	}
	c.metrics.recordRequest(ctx, path, "ok", time.Since(start))

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errs.New(venueName, errs.CodeExchange,
			errs.WithHTTP(resp.StatusCode),
			errs.WithMessage("decode response"),
			errs.WithField("endpoint", path),
			errs.WithCause(err))
	}
	return nil
}

func signPayload(payload, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

// venueError classifies a non-2xx response. The {code,msg} body is kept verbatim when present.
func venueError(status int, body []byte, method, path string) error {
	opts := []errs.Option{
		errs.WithHTTP(status),
		errs.WithField("endpoint", path),
		errs.WithMessage(method + " " + path),
	}
	var apiErr binanceError
	parsed := json.Unmarshal(body, &apiErr) == nil && (apiErr.Code != 0 || apiErr.Msg != "")
	if parsed {
		opts = append(opts,
			errs.WithRawCode(strconv.Itoa(apiErr.Code)),
			errs.WithRawMessage(apiErr.Msg))
	} else if trimmed := strings.TrimSpace(string(body)); trimmed != "" {
		opts = append(opts, errs.WithRawMessage(trimmed))
	}

	code := errs.CodeInvalid
	canonical := errs.CanonicalUnknown
	switch {
	case status == http.StatusTooManyRequests || status == http.StatusTeapot:
		code, canonical = errs.CodeRateLimited, errs.CanonicalRateLimited
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		code = errs.CodeAuth
	case status >= 500:
		code = errs.CodeUnavailable
	}
	if parsed {
		switch apiErr.Code {
		case -1003:
			code, canonical = errs.CodeRateLimited, errs.CanonicalRateLimited
		case -1121:
			canonical = errs.CanonicalInvalidSymbol
		case -2011, -2013:
			code, canonical = errs.CodeNotFound, errs.CanonicalOrderNotFound
		case -2010:
			if strings.Contains(strings.ToLower(apiErr.Msg), "insufficient balance") {
				canonical = errs.CanonicalInsufficientBalance
			}
		case -1022, -2014, -2015:
			code = errs.CodeAuth
		}
	}
	opts = append(opts, errs.WithCanonicalCode(canonical))
	return errs.New(venueName, code, opts...)
}

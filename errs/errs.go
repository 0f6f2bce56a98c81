// Package errs defines the error envelope shared by the venue client, the streams and the bot.
package errs

import (
	"errors"
	"sort"
	"strconv"
	"strings"
)

// Code classifies a failure by where it came from.
type Code string

const (
	// CodeRateLimited means the venue throttled the request.
	CodeRateLimited Code = "rate_limited"
	// CodeAuth means the API key or signature was rejected.
	CodeAuth Code = "auth"
	// CodeInvalid means the request itself was malformed.
	CodeInvalid Code = "invalid_request"
	// CodeExchange is a venue-side rejection that fits no narrower bucket.
	CodeExchange Code = "exchange_error"
	// CodeNetwork is a transport failure before a response arrived.
	CodeNetwork Code = "network"
	// CodeNotFound means the referenced resource does not exist.
	CodeNotFound Code = "not_found"
	// CodeUnavailable means the venue is temporarily unable to serve.
	CodeUnavailable Code = "unavailable"
	// CodeConfig marks operator configuration problems found at startup.
	CodeConfig Code = "config"
)

// CanonicalCode is the venue-neutral reason a caller can branch on.
type CanonicalCode string

const (
	CanonicalUnknown             CanonicalCode = "unknown"
	CanonicalOrderNotFound       CanonicalCode = "order_not_found"
	CanonicalInsufficientBalance CanonicalCode = "insufficient_balance"
	CanonicalInvalidSymbol       CanonicalCode = "invalid_symbol"
	CanonicalRateLimited         CanonicalCode = "rate_limited"
	CanonicalMissingCredentials  CanonicalCode = "missing_credentials"
)

// E is the structured error returned by venue calls and startup checks.
type E struct {
	Exchange  string
	Code      Code
	HTTP      int
	RawCode   string
	RawMsg    string
	Message   string
	Canonical CanonicalCode
	Fields    map[string]string

	cause error
}

// Option mutates an envelope under construction.
type Option func(*E)

// New builds an envelope for exchange with the given code.
func New(exchange string, code Code, opts ...Option) *E {
	e := &E{
		Exchange:  strings.TrimSpace(exchange),
		Code:      code,
		Canonical: CanonicalUnknown,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

func WithMessage(message string) Option {
	trimmed := strings.TrimSpace(message)
	return func(e *E) { e.Message = trimmed }
}

func WithHTTP(status int) Option {
	return func(e *E) { e.HTTP = status }
}

// WithRawCode records the venue's numeric error code verbatim.
func WithRawCode(code string) Option {
	trimmed := strings.TrimSpace(code)
	return func(e *E) { e.RawCode = trimmed }
}

func WithRawMessage(msg string) Option {
	return func(e *E) { e.RawMsg = msg }
}

func WithCause(err error) Option {
	return func(e *E) { e.cause = err }
}

// WithCanonicalCode sets the venue-neutral reason. Blank values keep CanonicalUnknown.
func WithCanonicalCode(code CanonicalCode) Option {
	trimmed := strings.TrimSpace(string(code))
	return func(e *E) {
		if trimmed == "" {
			e.Canonical = CanonicalUnknown
			return
		}
		e.Canonical = CanonicalCode(trimmed)
	}
}

// WithField attaches one key/value of request context such as symbol or endpoint.
func WithField(key, value string) Option {
	return func(e *E) {
		k := strings.TrimSpace(key)
		if k == "" {
			return
		}
		if e.Fields == nil {
			e.Fields = make(map[string]string, 2)
		}
		e.Fields[k] = strings.TrimSpace(value)
	}
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	var b strings.Builder
	exchange := e.Exchange
	if exchange == "" {
		exchange = "unknown"
	}
	code := string(e.Code)
	if code == "" {
		code = "unknown"
	}
	b.WriteString("exchange=" + exchange + " code=" + code)
	if e.Canonical != "" && e.Canonical != CanonicalUnknown {
		b.WriteString(" canonical=" + string(e.Canonical))
	}
	if e.HTTP > 0 {
		b.WriteString(" http=" + strconv.Itoa(e.HTTP))
	}
	if e.Message != "" {
		b.WriteString(" message=" + strconv.Quote(e.Message))
	}
	if e.RawCode != "" {
		b.WriteString(" raw_code=" + strconv.Quote(e.RawCode))
	}
	if e.RawMsg != "" {
		b.WriteString(" raw_msg=" + strconv.Quote(e.RawMsg))
	}
	if len(e.Fields) > 0 {
		keys := make([]string, 0, len(e.Fields))
		for k := range e.Fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		pairs := make([]string, 0, len(keys))
		for _, k := range keys {
			pairs = append(pairs, k+"="+strconv.Quote(e.Fields[k]))
		}
		b.WriteString(" fields=" + strings.Join(pairs, ","))
	}
	if e.cause != nil {
		b.WriteString(" cause=" + strconv.Quote(e.cause.Error()))
	}
	return b.String()
}

func (e *E) Unwrap() error { return e.cause }

// IsCanonical reports whether any envelope in err's chain carries code.
func IsCanonical(err error, code CanonicalCode) bool {
	var e *E
	if !errors.As(err, &e) {
		return false
	}
	return e.Canonical == code
}

// IsCode reports whether the first envelope in err's chain has the given Code.
func IsCode(err error, code Code) bool {
	var e *E
	if !errors.As(err, &e) {
		return false
	}
	return e.Code == code
}

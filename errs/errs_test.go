package errs

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestErrorStringCarriesVenueDetail(t *testing.T) {
	err := New(
		"binance",
		CodeInvalid,
		WithHTTP(400),
		WithMessage("cancel rejected"),
		WithRawCode("-2011"),
		WithRawMessage("Unknown order sent."),
		WithCanonicalCode(CanonicalOrderNotFound),
		WithField("symbol", "USDCUSDT"),
		WithField("endpoint", "/api/v3/order"),
		WithCause(errors.New("binance http 400")),
	)

	out := err.Error()
	for _, want := range []string{
		"exchange=binance",
		"code=invalid_request",
		"canonical=order_not_found",
		"http=400",
		`raw_code="-2011"`,
		`fields=endpoint="/api/v3/order",symbol="USDCUSDT"`,
		`cause="binance http 400"`,
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in %s", want, out)
		}
	}
}

func TestBlankCanonicalStaysUnknown(t *testing.T) {
	err := New("binance", CodeExchange, WithCanonicalCode("  "))
	if err.Canonical != CanonicalUnknown {
		t.Fatalf("expected unknown canonical code, got %q", err.Canonical)
	}
	if strings.Contains(err.Error(), "canonical=") {
		t.Fatalf("unknown canonical code should be omitted: %s", err.Error())
	}
}

func TestIsCanonicalThroughWrapping(t *testing.T) {
	base := New("binance", CodeInvalid, WithCanonicalCode(CanonicalInvalidSymbol))
	wrapped := fmt.Errorf("bot init: %w", base)

	if !IsCanonical(wrapped, CanonicalInvalidSymbol) {
		t.Fatalf("expected canonical match through wrap")
	}
	if IsCanonical(wrapped, CanonicalInsufficientBalance) {
		t.Fatalf("unexpected canonical match")
	}
	if !IsCode(wrapped, CodeInvalid) {
		t.Fatalf("expected code match through wrap")
	}
	if IsCanonical(errors.New("plain"), CanonicalInvalidSymbol) {
		t.Fatalf("plain errors never match")
	}
}

func TestUnwrapExposesCause(t *testing.T) {
	cause := errors.New("dial tcp: refused")
	err := New("binance", CodeNetwork, WithCause(cause))
	if !errors.Is(err, cause) {
		t.Fatalf("expected cause to be reachable via errors.Is")
	}
}

func TestNilErrorString(t *testing.T) {
	var e *E
	if got := e.Error(); got != "<nil>" {
		t.Fatalf("expected <nil>, got %q", got)
	}
}

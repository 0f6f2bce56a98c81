package binance

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/coachpo/stablebot/errs"
	"github.com/coachpo/stablebot/internal/domain/schema"
)

// ExchangeInfo returns trading metadata for symbol. An unknown symbol yields an
// error carrying errs.CanonicalInvalidSymbol.
func (c *Client) ExchangeInfo(ctx context.Context, symbol string) (schema.SymbolInfo, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	var payload exchangeInfoResponse
	if err := c.PublicRequest(ctx, http.MethodGet, exchangeInfoPath, Params{}.Add("symbol", symbol), &payload); err != nil {
		return schema.SymbolInfo{}, err
	}
	for _, s := range payload.Symbols {
		if s.Symbol == symbol {
			return s.toSchema(), nil
		}
	}
	return schema.SymbolInfo{}, errs.New(venueName, errs.CodeNotFound,
		errs.WithMessage("symbol not listed"),
		errs.WithField("symbol", symbol),
		errs.WithCanonicalCode(errs.CanonicalInvalidSymbol))
}

// UserAssets lists non-zero wallet assets, optionally filtered to one asset.
func (c *Client) UserAssets(ctx context.Context, asset string) ([]schema.AssetBalance, error) {
	var params Params
	if a := strings.ToUpper(strings.TrimSpace(asset)); a != "" {
		params = params.Add("asset", a)
	}
	var payload []userAsset
	if err := c.SignedRequest(ctx, http.MethodPost, userAssetPath, params, &payload); err != nil {
		return nil, err
	}
	out := make([]schema.AssetBalance, 0, len(payload))
	for _, a := range payload {
		out = append(out, a.toSchema())
	}
	return out, nil
}

// AccountBalances lists spot balances from the account endpoint.
func (c *Client) AccountBalances(ctx context.Context) ([]schema.AssetBalance, error) {
	var payload accountInfoResponse
	if err := c.SignedRequest(ctx, http.MethodGet, accountPath, nil, &payload); err != nil {
		return nil, err
	}
	out := make([]schema.AssetBalance, 0, len(payload.Balances))
	for _, a := range payload.Balances {
		out = append(out, a.toSchema())
	}
	return out, nil
}

// Balances returns free balances. The testnet has no wallet (sapi) endpoints,
// so it is served from the account endpoint instead.
func (c *Client) Balances(ctx context.Context) ([]schema.AssetBalance, error) {
	if c.opts.Config.Testnet {
		return c.AccountBalances(ctx)
	}
	return c.UserAssets(ctx, "")
}

// OpenOrders lists resting orders for symbol.
func (c *Client) OpenOrders(ctx context.Context, symbol string) ([]schema.Order, error) {
	var payload []orderResponse
	if err := c.SignedRequest(ctx, http.MethodGet, openOrdersPath, Params{}.Add("symbol", symbol), &payload); err != nil {
		return nil, err
	}
	out := make([]schema.Order, 0, len(payload))
	for _, o := range payload {
		out = append(out, o.toSchema())
	}
	return out, nil
}

// NewOrder submits req and returns the venue's view of the created order.
func (c *Client) NewOrder(ctx context.Context, req schema.OrderRequest) (schema.Order, error) {
	if (req.Quantity == "") == (req.QuoteOrderQty == "") {
		return schema.Order{}, errs.New(venueName, errs.CodeInvalid,
			errs.WithMessage("exactly one of quantity and quoteOrderQty is required"),
			errs.WithField("symbol", req.Symbol))
	}
	params := Params{}.
		Add("symbol", req.Symbol).
		Add("side", string(req.Side)).
		Add("type", string(req.Type))
	if req.TimeInForce != "" {
		params = params.Add("timeInForce", req.TimeInForce)
	}
	if req.Quantity != "" {
		params = params.Add("quantity", req.Quantity)
	} else {
		params = params.Add("quoteOrderQty", req.QuoteOrderQty)
	}
	if req.Price != "" {
		params = params.Add("price", req.Price)
	}
	if req.NewClientOrderID != "" {
		params = params.Add("newClientOrderId", req.NewClientOrderID)
	}
	if req.ResponseType != "" {
		params = params.Add("newOrderRespType", req.ResponseType)
	}
	var payload orderResponse
	if err := c.SignedRequest(ctx, http.MethodPost, orderPath, params, &payload); err != nil {
		return schema.Order{}, err
	}
	return payload.toSchema(), nil
}

// GetOrder fetches the current state of one order by venue id.
func (c *Client) GetOrder(ctx context.Context, symbol string, orderID int64) (schema.Order, error) {
	params := Params{}.Add("symbol", symbol).Add("orderId", strconv.FormatInt(orderID, 10))
	var payload orderResponse
	if err := c.SignedRequest(ctx, http.MethodGet, orderPath, params, &payload); err != nil {
		return schema.Order{}, err
	}
	return payload.toSchema(), nil
}

// CancelOrder cancels one order by venue id.
func (c *Client) CancelOrder(ctx context.Context, symbol string, orderID int64) (schema.Order, error) {
	params := Params{}.Add("symbol", symbol).Add("orderId", strconv.FormatInt(orderID, 10))
	var payload orderResponse
	if err := c.SignedRequest(ctx, http.MethodDelete, orderPath, params, &payload); err != nil {
		return schema.Order{}, err
	}
	return payload.toSchema(), nil
}

// CancelAllOpenOrders cancels every resting order on symbol.
func (c *Client) CancelAllOpenOrders(ctx context.Context, symbol string) ([]schema.Order, error) {
	var payload []orderResponse
	if err := c.SignedRequest(ctx, http.MethodDelete, openOrdersPath, Params{}.Add("symbol", symbol), &payload); err != nil {
		return nil, err
	}
	out := make([]schema.Order, 0, len(payload))
	for _, o := range payload {
		out = append(out, o.toSchema())
	}
	return out, nil
}

// CreateListenKey opens a user data stream session.
func (c *Client) CreateListenKey(ctx context.Context) (string, error) {
	var payload listenKeyResponse
	if err := c.APIKeyRequest(ctx, http.MethodPost, userDataStreamPath, nil, &payload); err != nil {
		return "", err
	}
	if payload.ListenKey == "" {
		return "", errs.New(venueName, errs.CodeExchange, errs.WithMessage("empty listen key"))
	}
	return payload.ListenKey, nil
}

// KeepAliveListenKey extends key's validity. It returns the key named in the
// response, or "" when the venue answered with an empty object.
func (c *Client) KeepAliveListenKey(ctx context.Context, key string) (string, error) {
	var payload listenKeyResponse
	if err := c.APIKeyRequest(ctx, http.MethodPut, userDataStreamPath, Params{}.Add("listenKey", key), &payload); err != nil {
		return "", err
	}
	return payload.ListenKey, nil
}

// CloseListenKey invalidates key server-side.
func (c *Client) CloseListenKey(ctx context.Context, key string) error {
	return c.APIKeyRequest(ctx, http.MethodDelete, userDataStreamPath, Params{}.Add("listenKey", key), nil)
}

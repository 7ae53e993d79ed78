package kraken

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	json "github.com/goccy/go-json"

	"github.com/coachpo/krakenperp/internal/config"
	"github.com/coachpo/krakenperp/internal/domain/schema"
	"github.com/coachpo/krakenperp/internal/reconcile"
	"github.com/coachpo/krakenperp/internal/userstream"
)

const (
	maxHistoryPages = 5
	historyPageSize = 500
)

// PrivateAPI serves the signed REST endpoints and normalizes their responses.
type PrivateAPI struct {
	rest       *RESTClient
	normalizer *userstream.Normalizer
}

var _ reconcile.StatusSource = (*PrivateAPI)(nil)

// NewPrivateAPI builds the private REST surface.
func NewPrivateAPI(rest *RESTClient, normalizer *userstream.Normalizer) *PrivateAPI {
	return &PrivateAPI{rest: rest, normalizer: normalizer}
}

// records is the flattened content of a normalized response.
type records struct {
	orders    []schema.OrderUpdate
	trades    []schema.TradeUpdate
	positions *userstream.PositionEvents
	balances  *userstream.BalanceEvents
	notFound  []userstream.OrderRef
}

func split(ev userstream.Event) records {
	var out records
	for _, item := range userstream.Flatten(ev) {
		switch typed := item.(type) {
		case userstream.OrderEvents:
			out.orders = append(out.orders, typed.Updates...)
		case userstream.TradeEvents:
			out.trades = append(out.trades, typed.Trades...)
		case userstream.PositionEvents:
			out.positions = &typed
		case userstream.BalanceEvents:
			out.balances = &typed
		case userstream.NotFoundEvents:
			out.notFound = append(out.notFound, typed.Orders...)
		}
	}
	return out
}

func (p *PrivateAPI) call(ctx context.Context, req Request) (records, error) {
	req.Auth = true
	raw, err := p.rest.Execute(ctx, req)
	if err != nil {
		return records{}, err
	}
	ev, err := p.normalizer.Normalize(raw)
	if err != nil {
		return records{}, fmt.Errorf("%s: %w", req.Path, err)
	}
	return split(ev), nil
}

// OrderStatus queries the status endpoint for refs.
func (p *PrivateAPI) OrderStatus(ctx context.Context, refs []userstream.OrderRef) ([]schema.OrderUpdate, error) {
	params := url.Values{}
	for _, ref := range refs {
		if ref.ExchangeOrderID != "" {
			params.Add("orderIds", ref.ExchangeOrderID)
		} else if ref.ClientOrderID != "" {
			params.Add("cliOrdIds", ref.ClientOrderID)
		}
	}
	if len(params) == 0 {
		return nil, nil
	}
	out, err := p.call(ctx, Request{
		Method: http.MethodPost,
		Path:   krakenEndpoints.orderStatus,
		Params: params,
		Bucket: config.BucketPrivate,
	})
	if err != nil {
		return nil, err
	}
	return out.orders, nil
}

type historyCursor struct {
	ContinuationToken string `json:"continuationToken"`
}

// OrderHistory replays order events since the given time, following continuation
// tokens for a bounded number of pages.
func (p *PrivateAPI) OrderHistory(ctx context.Context, since time.Time) ([]schema.OrderUpdate, error) {
	var (
		updates []schema.OrderUpdate
		token   string
	)
	for page := 0; page < maxHistoryPages; page++ {
		params := url.Values{
			"since": {strconv.FormatInt(since.UnixMilli(), 10)},
			"sort":  {"asc"},
			"count": {strconv.Itoa(historyPageSize)},
		}
		if token != "" {
			params.Set("continuation_token", token)
		}
		raw, err := p.rest.Execute(ctx, Request{
			Path:    krakenEndpoints.orderHistory,
			Params:  params,
			Auth:    true,
			Bucket:  config.BucketHistory,
			History: true,
		})
		if err != nil {
			return nil, err
		}
		ev, err := p.normalizer.Normalize(raw)
		if err != nil {
			return nil, fmt.Errorf("order history: %w", err)
		}
		updates = append(updates, split(ev).orders...)

		var cursor historyCursor
		if err := json.Unmarshal(raw, &cursor); err != nil || cursor.ContinuationToken == "" || cursor.ContinuationToken == token {
			break
		}
		token = cursor.ContinuationToken
	}
	return updates, nil
}

// Fills lists recent fills at or after since.
func (p *PrivateAPI) Fills(ctx context.Context, since time.Time) ([]schema.TradeUpdate, error) {
	out, err := p.call(ctx, Request{Path: krakenEndpoints.fills, Bucket: config.BucketPrivate})
	if err != nil {
		return nil, err
	}
	trades := out.trades[:0]
	for _, trade := range out.trades {
		if trade.FillTimestamp.Before(since) {
			continue
		}
		trades = append(trades, trade)
	}
	return trades, nil
}

// OpenPositions returns the full position snapshot.
func (p *PrivateAPI) OpenPositions(ctx context.Context) ([]schema.PositionSnapshot, error) {
	out, err := p.call(ctx, Request{Path: krakenEndpoints.openPositions, Bucket: config.BucketPrivate})
	if err != nil {
		return nil, err
	}
	if out.positions == nil {
		return nil, nil
	}
	return out.positions.Positions, nil
}

// Accounts returns the balances of every margin account.
func (p *PrivateAPI) Accounts(ctx context.Context) ([]schema.BalanceUpdate, error) {
	out, err := p.call(ctx, Request{Path: krakenEndpoints.accounts, Bucket: config.BucketPrivate})
	if err != nil {
		return nil, err
	}
	if out.balances == nil {
		return nil, nil
	}
	return out.balances.Balances, nil
}

// SendOrder submits an order and returns the raw send-status response.
func (p *PrivateAPI) SendOrder(ctx context.Context, params url.Values) (json.RawMessage, error) {
	return p.rest.Execute(ctx, Request{
		Method: http.MethodPost,
		Path:   krakenEndpoints.sendOrder,
		Params: params,
		Auth:   true,
		Bucket: config.BucketOrders,
	})
}

// CancelOrder cancels by exchange id, or by client id when the exchange id is unknown.
func (p *PrivateAPI) CancelOrder(ctx context.Context, ref userstream.OrderRef) (json.RawMessage, error) {
	params := url.Values{}
	if ref.ExchangeOrderID != "" {
		params.Set("order_id", ref.ExchangeOrderID)
	} else {
		params.Set("cliOrdId", ref.ClientOrderID)
	}
	return p.rest.Execute(ctx, Request{
		Method: http.MethodPost,
		Path:   krakenEndpoints.cancelOrder,
		Params: params,
		Auth:   true,
		Bucket: config.BucketOrders,
	})
}

package exchange

import (
	"context"
	"errors"
	"testing"
	"time"

	ccxt "github.com/ccxt/ccxt/go/v4"

	"delta-volume/internal/config"
)

type mockCCXTClient struct {
	book       ccxt.OrderBook
	openOrders []ccxt.Order
	created    []createdOrder
	cancelled  []string
	leverage   []int64
	createErr  error
}

type createdOrder struct {
	symbol string
	typ    string
	side   string
	amount float64
}

func (m *mockCCXTClient) FetchOrderBook(symbol string, options ...ccxt.FetchOrderBookOptions) (ccxt.OrderBook, error) {
	return m.book, nil
}

func (m *mockCCXTClient) CreateOrder(symbol string, typeVar string, side string, amount float64, options ...ccxt.CreateOrderOptions) (ccxt.Order, error) {
	if m.createErr != nil {
		return ccxt.Order{}, m.createErr
	}
	m.created = append(m.created, createdOrder{symbol: symbol, typ: typeVar, side: side, amount: amount})
	id := "oid-1"
	return ccxt.Order{Id: &id}, nil
}

func (m *mockCCXTClient) CancelOrder(id string, options ...ccxt.CancelOrderOptions) (ccxt.Order, error) {
	m.cancelled = append(m.cancelled, id)
	return ccxt.Order{Id: &id}, nil
}

func (m *mockCCXTClient) FetchOpenOrders(options ...ccxt.FetchOpenOrdersOptions) ([]ccxt.Order, error) {
	return m.openOrders, nil
}

func (m *mockCCXTClient) SetLeverage(leverage int64, options ...ccxt.SetLeverageOptions) (map[string]interface{}, error) {
	m.leverage = append(m.leverage, leverage)
	return map[string]interface{}{}, nil
}

func (m *mockCCXTClient) FetchBalance(params ...interface{}) (ccxt.Balances, error) {
	free := 321.5
	return ccxt.Balances{Free: map[string]*float64{"USDC": &free}}, nil
}

func (m *mockCCXTClient) FetchPositions(options ...ccxt.FetchPositionsOptions) ([]ccxt.Position, error) {
	size := 0.5
	zero := 0.0
	return []ccxt.Position{{Contracts: &size}, {Contracts: &zero}}, nil
}

type mockCatalog struct {
	markets map[string]map[string]interface{}
	loads   int
}

func (m *mockCatalog) LoadMarkets() error {
	m.loads++
	return nil
}

func (m *mockCatalog) Market(symbol string) map[string]interface{} {
	return m.markets[symbol]
}

func newTestVenue(client *mockCCXTClient) (*CCXTVenue, *mockCatalog) {
	catalog := &mockCatalog{markets: map[string]map[string]interface{}{
		"BTC/USDC:USDC": {
			"symbol":    "BTC/USDC:USDC",
			"precision": map[string]interface{}{"amount": 0.00001, "price": 1.0},
			"limits":    map[string]interface{}{"leverage": map[string]interface{}{"max": 40.0}},
		},
		"ETH/USDC:USDC": {
			"symbol": "ETH/USDC:USDC",
			"info":   map[string]interface{}{"szDecimals": "4", "maxLeverage": "25"},
		},
	}}
	cfg := config.ExchangeConfig{
		Symbols: []string{"BTC/USDC:USDC", "ETH/USDC:USDC"},
		Retry:   config.RetryConfig{MaxAttempts: 1, MinDelay: time.Millisecond, MaxDelay: time.Millisecond},
	}
	return newCCXTVenue(client, catalog, cfg, 0.02, nil), catalog
}

func TestCCXTVenue_MarketsFromCatalog(t *testing.T) {
	venue, catalog := newTestVenue(&mockCCXTClient{})

	details, err := venue.Markets(context.Background())
	if err != nil {
		t.Fatalf("Markets returned error: %v", err)
	}
	if catalog.loads != 1 {
		t.Errorf("expected markets loaded once, got %d", catalog.loads)
	}
	if len(details) != 2 {
		t.Fatalf("expected 2 markets, got %d", len(details))
	}

	btc := details[0]
	if btc.ID != 0 || btc.SizeDecimals != 5 || btc.PriceDecimals != 0 || btc.MaxLeverage != 40 || !btc.PrecisionKnown {
		t.Errorf("unexpected BTC detail %+v", btc)
	}
	eth := details[1]
	if eth.SizeDecimals != 4 || eth.PriceDecimals != 2 || eth.MaxLeverage != 25 {
		t.Errorf("unexpected ETH detail %+v", eth)
	}

	if _, err := venue.Markets(context.Background()); err != nil {
		t.Fatalf("second Markets returned error: %v", err)
	}
	if catalog.loads != 1 {
		t.Errorf("markets should only be loaded once, got %d", catalog.loads)
	}
}

func TestCCXTVenue_StatusAbsentMeansFilled(t *testing.T) {
	other := "other"
	client := &mockCCXTClient{openOrders: []ccxt.Order{{Id: &other}}}
	venue, _ := newTestVenue(client)
	account := NewAccount("long", venue, nil)

	reply := account.Status(context.Background(), OrderStatus{Market: 0, OrderID: "mine"})
	if !reply.Success || !reply.Filled {
		t.Fatalf("order missing from open orders should be filled, got %+v", reply)
	}

	reply = account.Status(context.Background(), OrderStatus{Market: 0, OrderID: "other"})
	if !reply.Success || reply.Filled {
		t.Fatalf("open order should be unfilled, got %+v", reply)
	}
}

func TestCCXTVenue_MarketOrderUsesBookSide(t *testing.T) {
	client := &mockCCXTClient{book: ccxt.OrderBook{
		Bids: [][]float64{{95000, 1}},
		Asks: [][]float64{{95010, 1}},
	}}
	venue, _ := newTestVenue(client)
	account := NewAccount("long", venue, nil)

	reply := account.PlaceMarket(context.Background(), MarketOrder{
		Market:     0,
		BaseAmount: 2632,
		PriceBound: 999999999,
		Side:       SideBuy,
		Scale:      Scale{SizeDecimals: 5},
	})
	if !reply.Success || reply.OrderID != "oid-1" {
		t.Fatalf("unexpected reply %+v", reply)
	}
	if len(client.created) != 1 {
		t.Fatalf("expected one order, got %d", len(client.created))
	}
	order := client.created[0]
	if order.typ != "market" || order.side != "buy" || order.amount != 0.02632 {
		t.Errorf("unexpected order %+v", order)
	}
}

func TestCCXTVenue_PlacementErrorIsFailedReply(t *testing.T) {
	client := &mockCCXTClient{createErr: errors.New("insufficient margin")}
	venue, _ := newTestVenue(client)
	account := NewAccount("short", venue, nil)

	reply := account.PlaceLimit(context.Background(), LimitOrder{Market: 1, BaseAmount: 1, Price: 1, Side: SideSell})
	if reply.Success || reply.Error != "insufficient margin" {
		t.Fatalf("unexpected reply %+v", reply)
	}

	if out := account.Cancel(context.Background(), CancelOrder{Market: 5, OrderID: "x"}); out.Success {
		t.Fatal("unknown market must fail")
	}
}

func TestCCXTVenue_Inspect(t *testing.T) {
	venue, _ := newTestVenue(&mockCCXTClient{})
	snapshot, err := venue.Inspect(context.Background())
	if err != nil {
		t.Fatalf("Inspect returned error: %v", err)
	}
	if snapshot.Available != 321.5 || snapshot.OpenPositions != 1 {
		t.Errorf("unexpected snapshot %+v", snapshot)
	}
}

func TestIsRetryable(t *testing.T) {
	if !IsRetryable(&StatusError{Code: 503}) {
		t.Error("503 should be retryable")
	}
	if !IsRetryable(&StatusError{Code: 429}) {
		t.Error("429 should be retryable")
	}
	if IsRetryable(&StatusError{Code: 400}) {
		t.Error("400 should not be retryable")
	}
	if IsRetryable(errors.New("plain")) {
		t.Error("plain errors should not be retryable")
	}
}

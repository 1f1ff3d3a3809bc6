package exchange

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"delta-volume/internal/config"
)

const detailsBody = `{
  "code": 200,
  "order_book_details": [
    {"market_id": 0, "symbol": "ETH", "size_decimals": 4, "price_decimals": 2, "min_initial_margin_fraction": 400},
    {"market_id": 1, "symbol": "BTC", "size_decimals": 5, "price_decimals": 1, "min_initial_margin_fraction": 500},
    {"market_id": 7, "symbol": "NEW", "min_initial_margin_fraction": 0}
  ]
}`

func newLighterServer(t *testing.T, books map[string]string) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc(lighterPathOrderBookDetails, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(detailsBody))
	})
	mux.HandleFunc(lighterPathOrderBookOrders, func(w http.ResponseWriter, r *http.Request) {
		body, ok := books[r.URL.Query().Get("market_id")]
		if !ok {
			body = `{"code":200,"bids":[],"asks":[]}`
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(body))
	})
	mux.HandleFunc(lighterPathAccount, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("by") != "index" || r.URL.Query().Get("value") != "11" {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"code":200,"accounts":[]}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"code":200,"accounts":[{"index":11,"available_balance":"1234.5","positions":[
			{"market_id":0,"position":"0.0000"},{"market_id":1,"position":"-0.02632"}]}]}`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func testExchangeConfig(baseURL string) config.ExchangeConfig {
	return config.ExchangeConfig{
		Backend: config.BackendLighter,
		BaseURL: baseURL,
		Retry:   config.RetryConfig{MaxAttempts: 3, MinDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond},
	}
}

func TestLighterClient_MarketsDerivesMaxLeverage(t *testing.T) {
	srv := newLighterServer(t, nil)
	client := NewLighterClient(testExchangeConfig(srv.URL), nil)

	details, err := client.Markets(context.Background())
	if err != nil {
		t.Fatalf("Markets returned error: %v", err)
	}
	if len(details) != 3 {
		t.Fatalf("expected 3 markets, got %d", len(details))
	}
	if details[0].MaxLeverage != 25 {
		t.Errorf("expected ETH max leverage 25, got %d", details[0].MaxLeverage)
	}
	if details[1].MaxLeverage != 20 || details[1].SizeDecimals != 5 || !details[1].PrecisionKnown {
		t.Errorf("unexpected BTC detail %+v", details[1])
	}
	if details[2].MaxLeverage != 0 || details[2].PrecisionKnown {
		t.Errorf("market without fraction or decimals should report unknowns, got %+v", details[2])
	}
}

func TestMarketDataService_Resolve(t *testing.T) {
	srv := newLighterServer(t, map[string]string{
		"1": `{"code":200,"bids":[{"price":"95000.0","remaining_base_amount":"0.5"}],"asks":[{"price":"95010.0","remaining_base_amount":"0.4"}]}`,
		"0": `{"code":200,"bids":[{"price":"3000.00","remaining_base_amount":"2"}],"asks":[]}`,
	})
	svc := NewMarketDataService(NewLighterClient(testExchangeConfig(srv.URL), nil), nil)
	ctx := context.Background()

	info, err := svc.Resolve(ctx, 1)
	if err != nil {
		t.Fatalf("Resolve returned error: %v", err)
	}
	if info.Symbol != "BTC" || info.Bid != 95000 || info.Ask != 95010 {
		t.Errorf("unexpected market info %+v", info)
	}

	again, err := svc.Resolve(ctx, 1)
	if err != nil {
		t.Fatalf("second Resolve returned error: %v", err)
	}
	if again.Symbol != info.Symbol || again.SizeDecimals != info.SizeDecimals || again.PriceDecimals != info.PriceDecimals {
		t.Errorf("repeated resolve changed reference data: %+v vs %+v", again, info)
	}

	if _, err := svc.Resolve(ctx, 0); !errors.Is(err, ErrBookUnavailable) {
		t.Errorf("expected ErrBookUnavailable for one-sided book, got %v", err)
	}
	if _, err := svc.Resolve(ctx, 42); !errors.Is(err, ErrMarketNotFound) {
		t.Errorf("expected ErrMarketNotFound, got %v", err)
	}
}

func TestLighterClient_AccountSnapshot(t *testing.T) {
	srv := newLighterServer(t, nil)
	client := NewLighterClient(testExchangeConfig(srv.URL), nil)

	snapshot, err := client.Inspector(11).Inspect(context.Background())
	if err != nil {
		t.Fatalf("Inspect returned error: %v", err)
	}
	if snapshot.Available != 1234.5 {
		t.Errorf("expected available 1234.5, got %f", snapshot.Available)
	}
	if snapshot.OpenPositions != 1 {
		t.Errorf("expected 1 open position, got %d", snapshot.OpenPositions)
	}

	if _, err := client.AccountSnapshot(context.Background(), 99); err == nil {
		t.Error("expected error for unknown account")
	}
}

func TestLighterClient_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(detailsBody))
	}))
	defer srv.Close()

	client := NewLighterClient(testExchangeConfig(srv.URL), nil)
	if _, err := client.Markets(context.Background()); err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	if calls.Load() != 3 {
		t.Errorf("expected 3 calls, got %d", calls.Load())
	}
}

func TestLighterClient_DoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	client := NewLighterClient(testExchangeConfig(srv.URL), nil)
	_, err := client.Markets(context.Background())
	var statusErr *StatusError
	if !errors.As(err, &statusErr) || statusErr.Code != http.StatusBadRequest {
		t.Fatalf("expected StatusError 400, got %v", err)
	}
	if calls.Load() != 1 {
		t.Errorf("expected a single call, got %d", calls.Load())
	}
}

func TestMarketDataService_SurveySortsByLiquidity(t *testing.T) {
	srv := newLighterServer(t, map[string]string{
		"0": `{"code":200,"bids":[{"price":"3000","remaining_base_amount":"10"}],"asks":[{"price":"3001","remaining_base_amount":"10"}]}`,
		"1": `{"code":200,"bids":[{"price":"95000","remaining_base_amount":"1"}],"asks":[{"price":"95010","amount_base":"1"}]}`,
	})
	svc := NewMarketDataService(NewLighterClient(testExchangeConfig(srv.URL), nil), nil)

	surveys, err := svc.Survey(context.Background(), 10)
	if err != nil {
		t.Fatalf("Survey returned error: %v", err)
	}
	if len(surveys) != 3 {
		t.Fatalf("expected 3 rows, got %d", len(surveys))
	}
	if surveys[0].Symbol != "BTC" {
		t.Errorf("expected BTC first, got %s", surveys[0].Symbol)
	}
	if surveys[0].AskLiquidity != 95010 {
		t.Errorf("amount_base fallback not applied, got %f", surveys[0].AskLiquidity)
	}
	if surveys[2].TotalLiquidity() != 0 {
		t.Errorf("empty market should sort last, got %+v", surveys[2])
	}
}

package exchange

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"delta-volume/internal/config"
)

type recordedRequest struct {
	Account sidecarAccount         `json:"account"`
	Command string                 `json:"command"`
	Params  map[string]interface{} `json:"params"`
}

func newSidecar(t *testing.T, reply string, status int, seen *[]recordedRequest) *SidecarExecutor {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != sidecarCommandPath || r.Method != http.MethodPost {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		var req recordedRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		*seen = append(*seen, req)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(reply))
	}))
	t.Cleanup(srv.Close)

	return NewSidecarExecutor(
		config.ExchangeConfig{BaseURL: "https://testnet.zklighter.elliot.ai"},
		config.AccountConfig{Index: 11, APIKeyIndex: 2, PrivateKey: "0xabc", SignerURL: srv.URL},
		nil,
	)
}

func TestSidecarExecutor_LimitOrderIsPostOnly(t *testing.T) {
	var seen []recordedRequest
	exec := newSidecar(t, `{"success":true,"tx_hash":"0xdead","order_id":123456}`, http.StatusOK, &seen)
	account := NewAccount("short", exec, nil)

	reply := account.PlaceLimit(context.Background(), LimitOrder{
		Market:           1,
		ClientOrderIndex: 424243,
		BaseAmount:       2632,
		Price:            950044,
		Side:             SideSell,
	})
	if !reply.Success {
		t.Fatalf("expected success, got %+v", reply)
	}
	if reply.OrderID != "123456" || reply.TxHash != "0xdead" {
		t.Errorf("unexpected reply %+v", reply)
	}

	if len(seen) != 1 {
		t.Fatalf("expected one request, got %d", len(seen))
	}
	req := seen[0]
	if req.Command != string(KindLimitOrder) {
		t.Errorf("unexpected command %q", req.Command)
	}
	if req.Account.AccountIndex != 11 || req.Account.APIKeyIndex != 2 {
		t.Errorf("account block not forwarded: %+v", req.Account)
	}
	if req.Params["is_ask"] != true || req.Params["post_only"] != true || req.Params["reduce_only"] != false {
		t.Errorf("unexpected flags %v", req.Params)
	}
	if req.Params["limit_price"] != float64(950044) || req.Params["base_amount"] != float64(2632) {
		t.Errorf("unexpected scaled values %v", req.Params)
	}
}

func TestSidecarExecutor_MarketOrderCarriesBound(t *testing.T) {
	var seen []recordedRequest
	exec := newSidecar(t, `{"success":true,"tx_hash":"0xbeef"}`, http.StatusOK, &seen)
	account := NewAccount("long", exec, nil)

	reply := account.PlaceMarket(context.Background(), MarketOrder{
		Market:     1,
		BaseAmount: 10,
		PriceBound: 999999999,
		Side:       SideBuy,
		ReduceOnly: true,
	})
	if !reply.Success {
		t.Fatalf("expected success, got %+v", reply)
	}
	req := seen[0]
	if req.Command != string(KindMarketOrder) {
		t.Errorf("unexpected command %q", req.Command)
	}
	if req.Params["execution_price"] != float64(999999999) || req.Params["is_ask"] != false || req.Params["reduce_only"] != true {
		t.Errorf("unexpected params %v", req.Params)
	}
}

func TestSidecarExecutor_StatusReply(t *testing.T) {
	var seen []recordedRequest
	exec := newSidecar(t, `{"success":true,"filled":false,"remaining_amount":"0.5"}`, http.StatusOK, &seen)
	account := NewAccount("long", exec, nil)

	reply := account.Status(context.Background(), OrderStatus{Market: 1, OrderID: "77"})
	if !reply.Success || reply.Filled || reply.RemainingAmount != "0.5" {
		t.Fatalf("unexpected status reply %+v", reply)
	}
	if seen[0].Params["order_id"] != "77" {
		t.Errorf("order id not forwarded: %v", seen[0].Params)
	}
}

func TestSidecarExecutor_BusinessFailure(t *testing.T) {
	var seen []recordedRequest
	exec := newSidecar(t, `{"success":false,"error":"invalid nonce"}`, http.StatusOK, &seen)
	account := NewAccount("long", exec, nil)

	out := account.Cancel(context.Background(), CancelOrder{Market: 1, OrderID: "77"})
	if out.Success || out.Error != "invalid nonce" {
		t.Fatalf("expected business failure, got %+v", out)
	}
}

func TestAccount_TransportErrorBecomesFailedResult(t *testing.T) {
	var seen []recordedRequest
	exec := newSidecar(t, `boom`, http.StatusBadGateway, &seen)
	account := NewAccount("long", exec, nil)

	reply := account.PlaceLimit(context.Background(), LimitOrder{Market: 1, BaseAmount: 1, Price: 1, Side: SideBuy})
	if reply.Success {
		t.Fatal("expected failure")
	}
	if !strings.Contains(reply.Error, "502") {
		t.Errorf("expected status code in error, got %q", reply.Error)
	}

	lev := account.UpdateLeverage(context.Background(), UpdateLeverage{Market: 1, Leverage: 10})
	if lev.Success {
		t.Fatal("expected leverage failure")
	}
}

type staticExecutor struct {
	reply Reply
}

func (s staticExecutor) Execute(context.Context, Command) (Reply, error) {
	return s.reply, nil
}

func TestAccount_ReplyTypeMismatch(t *testing.T) {
	account := NewAccount("long", staticExecutor{reply: AckReply{Outcome: Outcome{Success: true}}}, nil)
	reply := account.PlaceMarket(context.Background(), MarketOrder{Market: 1, BaseAmount: 1, Side: SideBuy})
	if reply.Success {
		t.Fatal("ack reply must not count as a successful placement")
	}
}

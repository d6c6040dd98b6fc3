package handlers

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/mux"

	"crossarb/internal/bot"
	"crossarb/internal/models"
)

// ============ EngineHandler Tests ============

func TestEngineHandler_StartStop(t *testing.T) {
	engine := NewMockEngine()
	handler := NewEngineHandler(engine)

	w := httptest.NewRecorder()
	handler.Start(w, httptest.NewRequest(http.MethodPost, "/api/v1/engine/start", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, w.Code)
	}

	var status EngineStatusResponse
	if err := json.NewDecoder(w.Body).Decode(&status); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if !status.Running || !status.PaperMode {
		t.Errorf("unexpected status: %+v", status)
	}
	if status.Recovery == nil || status.Recovery.Restored != 1 {
		t.Errorf("expected recovery result in status, got %+v", status.Recovery)
	}

	t.Run("second start conflicts", func(t *testing.T) {
		w := httptest.NewRecorder()
		handler.Start(w, httptest.NewRequest(http.MethodPost, "/api/v1/engine/start", nil))
		if w.Code != http.StatusConflict {
			t.Errorf("expected status %d, got %d", http.StatusConflict, w.Code)
		}
	})

	t.Run("stop", func(t *testing.T) {
		w := httptest.NewRecorder()
		handler.Stop(w, httptest.NewRequest(http.MethodPost, "/api/v1/engine/stop", nil))
		if w.Code != http.StatusOK {
			t.Errorf("expected status %d, got %d", http.StatusOK, w.Code)
		}
		if engine.IsRunning() {
			t.Error("engine should be stopped")
		}
	})

	t.Run("start failure", func(t *testing.T) {
		engine.startErr = errors.New("store unavailable")
		defer func() { engine.startErr = nil }()

		w := httptest.NewRecorder()
		handler.Start(w, httptest.NewRequest(http.MethodPost, "/api/v1/engine/start", nil))
		if w.Code != http.StatusInternalServerError {
			t.Errorf("expected status %d, got %d", http.StatusInternalServerError, w.Code)
		}
	})
}

func TestEngineHandler_ProcessOpportunity(t *testing.T) {
	body := `{"instrument":"BTCUSDT","buy_venue":"alpha","sell_venue":"beta","buy_price":100,"sell_price":100.5}`

	t.Run("engine not running", func(t *testing.T) {
		handler := NewEngineHandler(NewMockEngine())

		w := httptest.NewRecorder()
		handler.ProcessOpportunity(w, httptest.NewRequest(http.MethodPost, "/api/v1/opportunities", strings.NewReader(body)))
		if w.Code != http.StatusConflict {
			t.Errorf("expected status %d, got %d", http.StatusConflict, w.Code)
		}

		var resp ErrorResponse
		_ = json.NewDecoder(w.Body).Decode(&resp)
		if resp.Code != CodeNotRunning {
			t.Errorf("expected code %s, got %s", CodeNotRunning, resp.Code)
		}
	})

	t.Run("opens trade and derives spread", func(t *testing.T) {
		engine := NewMockEngine()
		engine.running = true
		handler := NewEngineHandler(engine)

		w := httptest.NewRecorder()
		handler.ProcessOpportunity(w, httptest.NewRequest(http.MethodPost, "/api/v1/opportunities", strings.NewReader(body)))
		if w.Code != http.StatusOK {
			t.Fatalf("expected status %d, got %d: %s", http.StatusOK, w.Code, w.Body.String())
		}

		var result models.TradeResult
		if err := json.NewDecoder(w.Body).Decode(&result); err != nil {
			t.Fatalf("failed to decode response: %v", err)
		}
		if !result.Success || result.Trade == nil || result.Trade.Status != models.TradeStatusActive {
			t.Errorf("unexpected result: %+v", result)
		}
		if got := engine.lastOpp.SpreadPercent; got < 0.499 || got > 0.501 {
			t.Errorf("expected derived spread 0.5, got %v", got)
		}
	})

	t.Run("rejected result", func(t *testing.T) {
		engine := NewMockEngine()
		engine.running = true
		engine.result = &models.TradeResult{Success: false, Reason: "spread below minimum"}
		handler := NewEngineHandler(engine)

		w := httptest.NewRecorder()
		handler.ProcessOpportunity(w, httptest.NewRequest(http.MethodPost, "/api/v1/opportunities", strings.NewReader(body)))
		if w.Code != http.StatusUnprocessableEntity {
			t.Errorf("expected status %d, got %d", http.StatusUnprocessableEntity, w.Code)
		}
	})

	t.Run("live mode without authorization", func(t *testing.T) {
		engine := NewMockEngine()
		engine.running = true
		engine.cfg.Risk.PaperMode = false
		handler := NewEngineHandler(engine)

		w := httptest.NewRecorder()
		handler.ProcessOpportunity(w, httptest.NewRequest(http.MethodPost, "/api/v1/opportunities", strings.NewReader(body)))
		if w.Code != http.StatusForbidden {
			t.Errorf("expected status %d, got %d", http.StatusForbidden, w.Code)
		}
	})

	t.Run("live mode with authorization", func(t *testing.T) {
		engine := NewMockEngine()
		engine.running = true
		engine.cfg.Risk.PaperMode = false
		handler := NewEngineHandler(engine)

		req := httptest.NewRequest(http.MethodPost, "/api/v1/opportunities", strings.NewReader(body))
		req = req.WithContext(bot.WithLiveAuthorization(req.Context()))
		w := httptest.NewRecorder()
		handler.ProcessOpportunity(w, req)
		if w.Code != http.StatusOK {
			t.Errorf("expected status %d, got %d", http.StatusOK, w.Code)
		}
		if !engine.lastAuthorized {
			t.Error("authorization must reach the engine")
		}
	})

	t.Run("invalid body", func(t *testing.T) {
		engine := NewMockEngine()
		engine.running = true
		handler := NewEngineHandler(engine)

		cases := []string{
			`{"instrument":""}`,
			`{"instrument":"BTCUSDT","buy_venue":"alpha","sell_venue":"beta","buy_price":0,"sell_price":1}`,
			`{"instrument":"BTCUSDT","unknown":1}`,
			`not json`,
		}
		for _, c := range cases {
			w := httptest.NewRecorder()
			handler.ProcessOpportunity(w, httptest.NewRequest(http.MethodPost, "/api/v1/opportunities", strings.NewReader(c)))
			if w.Code != http.StatusBadRequest {
				t.Errorf("body %q: expected status %d, got %d", c, http.StatusBadRequest, w.Code)
			}
		}
	})
}

func TestEngineHandler_UpdateConfig(t *testing.T) {
	engine := NewMockEngine()
	handler := NewEngineHandler(engine)

	t.Run("applies partial update", func(t *testing.T) {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPatch, "/api/v1/config", strings.NewReader(`{"min_spread":0.3,"trading_enabled":true}`))
		handler.UpdateConfig(w, req)

		if w.Code != http.StatusOK {
			t.Fatalf("expected status %d, got %d: %s", http.StatusOK, w.Code, w.Body.String())
		}
		cfg := engine.Config()
		if cfg.Risk.MinSpread != 0.3 || !cfg.Risk.TradingEnabled {
			t.Errorf("patch not applied: %+v", cfg.Risk)
		}
		if cfg.Risk.MaxSpread != models.DefaultTradingConfig().Risk.MaxSpread {
			t.Error("untouched fields must keep their values")
		}
	})

	t.Run("rejects invalid result as a whole", func(t *testing.T) {
		before := engine.Config()

		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPatch, "/api/v1/config", strings.NewReader(`{"min_spread":10,"cooldown_ms":5}`))
		handler.UpdateConfig(w, req)

		if w.Code != http.StatusBadRequest {
			t.Errorf("expected status %d, got %d", http.StatusBadRequest, w.Code)
		}
		if engine.Config() != before {
			t.Error("config must not change on rejected patch")
		}
	})
}

func TestEngineHandler_ReadEndpoints(t *testing.T) {
	engine := NewMockEngine()
	engine.opps = []*models.Opportunity{{Instrument: "ETHUSDT", BuyVenue: "alpha", SellVenue: "beta", SpreadPercent: 0.4}}
	handler := NewEngineHandler(engine)

	tests := []struct {
		name string
		fn   http.HandlerFunc
	}{
		{"config", handler.GetConfig},
		{"stats", handler.GetStats},
		{"health", handler.GetHealth},
		{"balances", handler.GetBalances},
		{"opportunities", handler.GetOpportunities},
		{"status", handler.GetStatus},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			tt.fn(w, httptest.NewRequest(http.MethodGet, "/", nil))
			if w.Code != http.StatusOK {
				t.Errorf("expected status %d, got %d", http.StatusOK, w.Code)
			}
			if ct := w.Header().Get("Content-Type"); ct != "application/json" {
				t.Errorf("expected json content type, got %q", ct)
			}
		})
	}

	w := httptest.NewRecorder()
	handler.GetOpportunities(w, httptest.NewRequest(http.MethodGet, "/", nil))
	var opps []models.Opportunity
	if err := json.NewDecoder(w.Body).Decode(&opps); err != nil {
		t.Fatalf("failed to decode opportunities: %v", err)
	}
	if len(opps) != 1 || opps[0].Instrument != "ETHUSDT" {
		t.Errorf("unexpected opportunities: %+v", opps)
	}
}

func TestEngineHandler_Deposit(t *testing.T) {
	engine := NewMockEngine()
	handler := NewEngineHandler(engine)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/balances/alpha/deposit", strings.NewReader(`{"amount":250}`))
	req = mux.SetURLVars(req, map[string]string{"venue": "alpha"})
	w := httptest.NewRecorder()
	handler.Deposit(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, w.Code)
	}
	var balances []models.VenueBalance
	if err := json.NewDecoder(w.Body).Decode(&balances); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(balances) != 2 || balances[0].Venue != "alpha" || balances[0].Available != 1250 {
		t.Errorf("unexpected balances: %+v", balances)
	}

	req = httptest.NewRequest(http.MethodPost, "/api/v1/balances/alpha/deposit", strings.NewReader(`{"amount":-1}`))
	req = mux.SetURLVars(req, map[string]string{"venue": "alpha"})
	w = httptest.NewRecorder()
	handler.Deposit(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected status %d, got %d", http.StatusBadRequest, w.Code)
	}
}

package broker

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eddiefleurent/alert_trader/internal/models"
)

func TestAPIError_Error(t *testing.T) {
	err := &APIError{Status: 429, Body: "too many requests"}
	want := "API error 429: too many requests"
	if got := err.Error(); got != want {
		t.Fatalf("Error() = %q, want %q", got, want)
	}
}

func TestNewTradierAPIWithBaseURL_Defaults(t *testing.T) {
	tests := []struct {
		name        string
		sandbox     bool
		baseURL     string
		wantBaseURL string
	}{
		{"sandbox default", true, "", "https://sandbox.tradier.com/v1"},
		{"production default", false, "", "https://api.tradier.com/v1"},
		{"custom baseURL trimmed", false, "https://example.test/api/", "https://example.test/api"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := NewTradierAPIWithBaseURL("k", "acc", tt.sandbox, tt.baseURL, nil)
			if api.baseURL != tt.wantBaseURL {
				t.Fatalf("baseURL = %q, want %q", api.baseURL, tt.wantBaseURL)
			}
			if api.client.Timeout != defaultTimeout {
				t.Fatalf("timeout = %v, want %v", api.client.Timeout, defaultTimeout)
			}
		})
	}
}

func TestTradierNormalizeDuration(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"day", "day", false},
		{"DAY", "day", false},
		{"  day  ", "day", false},
		{"gtc", "gtc", false},
		{"good-til-cancelled", "gtc", false},
		{"pre-market", "pre", false},
		{"extended-hours-post", "post", false},
		{"gtd", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := normalizeDuration(tt.in)
			if tt.wantErr && err == nil {
				t.Fatalf("expected error for %q", tt.in)
			}
			if !tt.wantErr && err != nil {
				t.Fatalf("unexpected error for %q: %v", tt.in, err)
			}
			if got != tt.want {
				t.Fatalf("normalizeDuration(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func newTestAPIWithServer(handler http.HandlerFunc) (*TradierAPI, *httptest.Server) {
	s := httptest.NewServer(handler)
	api := NewTradierAPIWithBaseURL("test-key", "ACC123", false, s.URL, nil)
	api = api.WithHTTPClient(s.Client())
	return api, s
}

func TestMakeRequestCtx_SuccessGET(t *testing.T) {
	type payload struct {
		Foo string `json:"foo"`
	}
	api, srv := newTestAPIWithServer(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			t.Errorf("method = %s, want GET", r.Method)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("Authorization = %q, want %q", got, "Bearer test-key")
		}
		if got := r.Header.Get("Accept"); got != "application/json" {
			t.Errorf("Accept = %q, want application/json", got)
		}
		_ = json.NewEncoder(w).Encode(payload{Foo: "bar"})
	})
	defer srv.Close()

	var out payload
	if err := api.makeRequestCtx(context.Background(), http.MethodGet, api.baseURL+"/ok", nil, &out); err != nil {
		t.Fatalf("makeRequestCtx error: %v", err)
	}
	if out.Foo != "bar" {
		t.Fatalf("decoded = %+v, want Foo=bar", out)
	}
}

func TestMakeRequestCtx_Non2xxReturnsAPIError(t *testing.T) {
	api, srv := newTestAPIWithServer(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "3")
		http.Error(w, "boom", http.StatusTooManyRequests)
	})
	defer srv.Close()

	var out map[string]any
	err := api.makeRequestCtx(context.Background(), http.MethodGet, api.baseURL+"/err", nil, &out)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusTooManyRequests, apiErr.Status)
	assert.Contains(t, apiErr.Body, "boom")
	assert.Contains(t, apiErr.Body, "retry-after: 3")
}

func TestMakeRequestCtx_GarbageBodyIsMalformed(t *testing.T) {
	api, srv := newTestAPIWithServer(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<html>maintenance</html>`))
	})
	defer srv.Close()

	var out map[string]any
	err := api.makeRequestCtx(context.Background(), http.MethodGet, api.baseURL+"/x", nil, &out)
	assert.ErrorIs(t, err, ErrMalformedResponse)
}

func TestMakeRequestCtx_ContextCancel(t *testing.T) {
	api, srv := newTestAPIWithServer(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	})
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := api.GetExpirations(ctx, "SPY")
	assert.Error(t, err)
}

func TestGetExpirations(t *testing.T) {
	tests := []struct {
		name string
		body string
		want []string
	}{
		{"array", `{"expirations":{"date":["2024-03-01","2024-03-08"]}}`, []string{"2024-03-01", "2024-03-08"}},
		{"single", `{"expirations":{"date":"2024-03-01"}}`, []string{"2024-03-01"}},
		{"null", `{"expirations":null}`, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api, srv := newTestAPIWithServer(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/markets/options/expirations", r.URL.Path)
				assert.Equal(t, "SPY", r.URL.Query().Get("symbol"))
				_, _ = w.Write([]byte(tt.body))
			})
			defer srv.Close()

			got, err := api.GetExpirations(context.Background(), "SPY")
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestGetOptionChain_DropsInvalidEntries(t *testing.T) {
	body := `{"options":{"option":[
		{"symbol":"SPY240301C00450000","option_type":"call","strike":450,"bid":3.1,"ask":3.3,"last":3.2},
		{"symbol":"","option_type":"call","strike":451},
		{"symbol":"SPY240301X00452000","option_type":"straddle","strike":452},
		{"symbol":"SPY240301P00450000","option_type":"put","strike":450,"bid":null,"ask":2.0,"last":0}
	]}}`
	api, srv := newTestAPIWithServer(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/markets/options/chains", r.URL.Path)
		assert.Equal(t, "2024-03-01", r.URL.Query().Get("expiration"))
		assert.Equal(t, "false", r.URL.Query().Get("greeks"))
		_, _ = w.Write([]byte(body))
	})
	defer srv.Close()

	chain, err := api.GetOptionChain(context.Background(), "SPY", "2024-03-01")
	require.NoError(t, err)
	require.Len(t, chain, 2)
	assert.True(t, chain[0].Last.Equal(decimal.RequireFromString("3.2")))
	assert.True(t, chain[1].Bid.IsZero())
	assert.True(t, chain[1].Ask.Equal(decimal.NewFromInt(2)))
}

func TestGetOptionChain_SingleObject(t *testing.T) {
	api, srv := newTestAPIWithServer(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"options":{"option":{"symbol":"SPY240301C00450000","option_type":"call","strike":450}}}`))
	})
	defer srv.Close()

	chain, err := api.GetOptionChain(context.Background(), "SPY", "2024-03-01")
	require.NoError(t, err)
	require.Len(t, chain, 1)
	assert.Equal(t, "SPY240301C00450000", chain[0].Symbol)
}

func TestGetPositions(t *testing.T) {
	tests := []struct {
		name string
		body string
		want int
	}{
		{"array", `{"positions":{"position":[{"symbol":"SPY240301C00450000","quantity":2},{"symbol":"QQQ240301P00380000","quantity":1}]}}`, 2},
		{"single", `{"positions":{"position":{"symbol":"SPY240301C00450000","quantity":2}}}`, 1},
		{"null string", `{"positions":"null"}`, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api, srv := newTestAPIWithServer(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/accounts/ACC123/positions", r.URL.Path)
				_, _ = w.Write([]byte(tt.body))
			})
			defer srv.Close()

			got, err := api.GetPositions(context.Background())
			require.NoError(t, err)
			assert.Len(t, got, tt.want)
		})
	}
}

func TestPlaceOrder_BuildsForm(t *testing.T) {
	price := decimal.RequireFromString("3.199")
	tests := []struct {
		name string
		req  OrderRequest
		want url.Values
	}{
		{
			name: "market buy to open",
			req: OrderRequest{
				OptionSymbol: "SPY240301C00450000",
				Side:         models.SideBuyToOpen,
				Quantity:     10,
				Type:         models.OrderTypeMarket,
				Duration:     "day",
				Tag:          "abc",
			},
			want: url.Values{
				"class":         {"option"},
				"symbol":        {"SPY"},
				"option_symbol": {"SPY240301C00450000"},
				"side":          {"buy_to_open"},
				"quantity":      {"10"},
				"type":          {"market"},
				"duration":      {"day"},
				"tag":           {"abc"},
			},
		},
		{
			name: "limit sell to close with preview",
			req: OrderRequest{
				OptionSymbol: "SPY240301C00450000",
				Side:         models.SideSellToClose,
				Quantity:     4,
				Type:         models.OrderTypeLimit,
				Price:        &price,
				Duration:     "DAY",
				Preview:      true,
			},
			want: url.Values{
				"class":         {"option"},
				"symbol":        {"SPY"},
				"option_symbol": {"SPY240301C00450000"},
				"side":          {"sell_to_close"},
				"quantity":      {"4"},
				"type":          {"limit"},
				"price":         {"3.20"},
				"duration":      {"day"},
				"preview":       {"true"},
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api, srv := newTestAPIWithServer(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, http.MethodPost, r.Method)
				assert.Equal(t, "/accounts/ACC123/orders", r.URL.Path)
				raw, _ := io.ReadAll(r.Body)
				form, err := url.ParseQuery(string(raw))
				require.NoError(t, err)
				assert.Equal(t, tt.want, form)
				_, _ = w.Write([]byte(`{"order":{"id":123,"status":"ok"}}`))
			})
			defer srv.Close()

			resp, err := api.PlaceOrder(context.Background(), tt.req)
			require.NoError(t, err)
			assert.Equal(t, 123, resp.Order.ID)
			assert.Equal(t, "ok", resp.Order.Status)
		})
	}
}

func TestPlaceOrder_ValidationErrors(t *testing.T) {
	api := NewTradierAPI("k", "acc", true)
	base := OrderRequest{
		OptionSymbol: "SPY240301C00450000",
		Side:         models.SideBuyToOpen,
		Quantity:     1,
		Type:         models.OrderTypeMarket,
		Duration:     "day",
	}

	bad := []func(r *OrderRequest){
		func(r *OrderRequest) { r.Quantity = 0 },
		func(r *OrderRequest) { r.Side = "buy_to_close" },
		func(r *OrderRequest) { r.Duration = "week" },
		func(r *OrderRequest) { r.OptionSymbol = "SPY" },
		func(r *OrderRequest) { r.Type = models.OrderTypeLimit },
		func(r *OrderRequest) { r.Type = "stop" },
	}
	for i, mutate := range bad {
		req := base
		mutate(&req)
		_, err := api.PlaceOrder(context.Background(), req)
		assert.Error(t, err, "case %d", i)
	}
}

func TestPlaceOrder_MalformedResponses(t *testing.T) {
	for _, body := range []string{`{}`, `{"order":{"status":"ok"}}`, `{"errors":{"error":"nope"}}`} {
		api, srv := newTestAPIWithServer(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(body))
		})
		_, err := api.PlaceOrder(context.Background(), OrderRequest{
			OptionSymbol: "SPY240301C00450000",
			Side:         models.SideBuyToOpen,
			Quantity:     1,
			Type:         models.OrderTypeMarket,
			Duration:     "day",
		})
		srv.Close()
		assert.True(t, errors.Is(err, ErrMalformedResponse), body)
	}
}

func TestPlaceOrder_PreviewAllowsMissingID(t *testing.T) {
	api, srv := newTestAPIWithServer(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"order":{"status":"ok","commission":0.35}}`))
	})
	defer srv.Close()

	resp, err := api.PlaceOrder(context.Background(), OrderRequest{
		OptionSymbol: "SPY240301C00450000",
		Side:         models.SideBuyToOpen,
		Quantity:     1,
		Type:         models.OrderTypeMarket,
		Duration:     "day",
		Preview:      true,
	})
	require.NoError(t, err)
	assert.Equal(t, 0, resp.Order.ID)
}

func TestOptionValidate(t *testing.T) {
	ok := Option{Symbol: "SPY240301C00450000", OptionType: "call", Strike: decimal.NewFromInt(450)}
	assert.NoError(t, ok.Validate())

	noStrike := ok
	noStrike.Strike = decimal.Zero
	assert.ErrorIs(t, noStrike.Validate(), ErrMalformedResponse)
}

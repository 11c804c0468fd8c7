package wallet

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"guildwallet/pkg/middleware"
	"guildwallet/services/policy"
)

type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Reason  string `json:"reason"`
		Message string `json:"message"`
		Details []struct {
			Field   string `json:"field"`
			Message string `json:"message"`
		} `json:"details"`
	} `json:"error"`
}

func newRouter(f *fixture, settings *policy.SettingsStore) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(middleware.Error())
	NewHandler(HandlerParams{
		Coordinator: f.c,
		Ledger:      f.ledger,
		Codes:       f.codes,
		Settings:    settings,
	}).Register(r)
	return r
}

func serve(r http.Handler, method, path, body string, headers ...string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}

	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHandlerTransfer(t *testing.T) {
	f := newFixture(t, policy.Policy{TaxRate: d("0.05")})
	f.fund(t, "alice", "100")
	r := newRouter(f, nil)

	w := serve(r, http.MethodPost, "/v1/guilds/g1/members/alice/transfers", `{"recipient_id":"bob","amount":"40"}`,
		HeaderIdempotencyKey, "abc")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	require.Empty(t, w.Header().Get(HeaderReplayed))

	var res struct {
		TransactionID   string          `json:"transaction_id"`
		TaxAmount       decimal.Decimal `json:"tax_amount"`
		SenderBalance   decimal.Decimal `json:"sender_balance"`
		ReceiverBalance decimal.Decimal `json:"receiver_balance"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	require.NotEmpty(t, res.TransactionID)
	require.True(t, res.TaxAmount.Equal(d("2")))
	require.True(t, res.SenderBalance.Equal(d("58")))
	require.True(t, res.ReceiverBalance.Equal(d("40")))

	w = serve(r, http.MethodPost, "/v1/guilds/g1/members/alice/transfers", `{"recipient_id":"bob","amount":"40"}`,
		HeaderIdempotencyKey, "abc")
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "true", w.Header().Get(HeaderReplayed))
	require.Contains(t, w.Body.String(), res.TransactionID)

	w = serve(r, http.MethodGet, "/v1/guilds/g1/members/alice/wallet", "")
	require.Equal(t, http.StatusOK, w.Code)
	var wallet struct {
		Balance decimal.Decimal `json:"balance"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &wallet))
	require.True(t, wallet.Balance.Equal(d("58")))
}

func TestHandlerErrors(t *testing.T) {
	f := newFixture(t, policy.Policy{TaxRate: decimal.Zero})
	f.fund(t, "alice", "10")
	r := newRouter(f, nil)

	cases := map[string]struct {
		method string
		path   string
		body   string
		status int
		code   string
		reason string
	}{
		"insufficient funds": {
			http.MethodPost, "/v1/guilds/g1/members/alice/transfers", `{"recipient_id":"bob","amount":"11"}`,
			http.StatusUnprocessableEntity, "UNPROCESSABLE_ENTITY", policy.ReasonInsufficientFunds,
		},
		"negative amount": {
			http.MethodPost, "/v1/guilds/g1/members/alice/transfers", `{"recipient_id":"bob","amount":"-1"}`,
			http.StatusBadRequest, "VALIDATION_FAILED", policy.ReasonInvalidAmount,
		},
		"malformed body": {
			http.MethodPost, "/v1/guilds/g1/members/alice/transfers", `{"recipient_id":`,
			http.StatusBadRequest, "BAD_REQUEST", "",
		},
		"unknown order": {
			http.MethodPost, "/v1/guilds/g1/members/alice/refunds", `{"order_id":"missing"}`,
			http.StatusNotFound, "NOT_FOUND", policy.ReasonOrderNotFound,
		},
		"unknown code": {
			http.MethodGet, "/v1/guilds/g1/codes/NOPE", "",
			http.StatusNotFound, "NOT_FOUND", policy.ReasonInvalidCode,
		},
		"static settings": {
			http.MethodPut, "/v1/guilds/g1/settings", `{"tax_rate":"0.1"}`,
			http.StatusNotImplemented, "NOT_IMPLEMENTED", "",
		},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			w := serve(r, tc.method, tc.path, tc.body)
			require.Equal(t, tc.status, w.Code, w.Body.String())

			var body errorBody
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			require.Equal(t, tc.code, body.Error.Code)
			require.Equal(t, tc.reason, body.Error.Reason)
		})
	}

	require.True(t, f.balance(t, "alice").Equal(d("10")))
}

func TestHandlerCodesAndDiscounts(t *testing.T) {
	f := newFixture(t, policy.Policy{TaxRate: decimal.Zero})
	r := newRouter(f, nil)

	w := serve(r, http.MethodPost, "/v1/guilds/g1/discounts", `{"code":"SAVE10","percent":"10","min_spend":"20"}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = serve(r, http.MethodPost, "/v1/guilds/g1/members/alice/discounts/validate", `{"code":"SAVE10","cart_total":"15"}`)
	require.Equal(t, http.StatusUnprocessableEntity, w.Code)
	var body errorBody
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Equal(t, policy.ReasonMinSpendNotMet, body.Error.Reason)

	w = serve(r, http.MethodPost, "/v1/guilds/g1/members/alice/discounts/validate", `{"code":"SAVE10","cart_total":"25"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var q DiscountQuote
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &q))
	require.True(t, q.FinalPrice.Equal(d("22.5")))

	w = serve(r, http.MethodPost, "/v1/guilds/g1/codes/save10/disable", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = serve(r, http.MethodPost, "/v1/guilds/g1/members/alice/discounts/consume", `{"code":"SAVE10","cart_total":"25","order_id":"o1"}`)
	require.Equal(t, http.StatusUnprocessableEntity, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Equal(t, policy.ReasonInvalidCode, body.Error.Reason)

	w = serve(r, http.MethodPost, "/v1/guilds/g1/promotions", `{"code":"WELCOME50","value":"50","max_uses":1}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = serve(r, http.MethodPost, "/v1/guilds/g1/members/alice/promotions/redeem", `{"code":"welcome50"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = serve(r, http.MethodGet, "/v1/guilds/g1/members/alice/ledger?limit=5", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var page struct {
		Data []map[string]any `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &page))
	require.Len(t, page.Data, 1)
	require.Equal(t, "promotion", page.Data[0]["kind"])

	w = serve(r, http.MethodGet, "/v1/guilds/g1/members/alice/ledger/verify", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), `"valid":true`)
}

func TestHandlerPutSettings(t *testing.T) {
	f := newFixture(t, policy.Policy{TaxRate: decimal.Zero})
	settings := policy.NewSettingsStore(f.db, policy.Policy{TaxRate: decimal.Zero}, time.Minute)
	r := newRouter(f, settings)

	w := serve(r, http.MethodPut, "/v1/guilds/g1/settings", `{"tax_rate":"0.1","daily_limit":"500"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	pol, err := settings.Get(context.Background(), "g1")
	require.NoError(t, err)
	require.True(t, pol.TaxRate.Equal(d("0.1")))
	require.NotNil(t, pol.DailyLimit)
	require.True(t, pol.DailyLimit.Equal(d("500")))
}

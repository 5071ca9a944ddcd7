package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/glebarez/sqlite"
	"github.com/golang/mock/gomock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/smallbiznis/payrelay/internal/clock"
	"github.com/smallbiznis/payrelay/internal/config"
	"github.com/smallbiznis/payrelay/internal/migration"
	"github.com/smallbiznis/payrelay/internal/observability"
	obsmetrics "github.com/smallbiznis/payrelay/internal/observability/metrics"
	paymentdomain "github.com/smallbiznis/payrelay/internal/payment/domain"
	"github.com/smallbiznis/payrelay/internal/payment/domain/mocks"
	paymentrepo "github.com/smallbiznis/payrelay/internal/payment/repository"
	paymentservice "github.com/smallbiznis/payrelay/internal/payment/service"
	"github.com/smallbiznis/payrelay/internal/payment/webhook"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const checkoutURL = "https://app.picpay.com/checkout/NWFkN2Q1"

type testServer struct {
	engine  *gin.Engine
	gateway *mocks.MockGateway
}

func newTestServer(t *testing.T, environment string, picpay config.PicPayConfig) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:memdb_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, migration.AutoMigrate(db))

	node, err := snowflake.NewNode(3)
	require.NoError(t, err)
	clk := clock.NewFakeClock(time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC))
	settings := config.NewStaticPicPaySettings(picpay)

	ledger := paymentrepo.Provide(paymentrepo.Params{DB: db, Log: zap.NewNop(), GenID: node, Clock: clk})
	gateway := mocks.NewMockGateway(gomock.NewController(t))
	payments := paymentservice.NewService(paymentservice.Params{
		Log:      zap.NewNop(),
		GenID:    node,
		Clock:    clk,
		Ledger:   ledger,
		Gateway:  gateway,
		Settings: settings,
	})
	notifications := webhook.NewService(webhook.Params{
		Log:       zap.NewNop(),
		Settings:  settings,
		Lifecycle: payments,
	})

	reg := prometheus.NewRegistry()
	httpMetrics, err := obsmetrics.NewHTTPMetrics(reg, reg)
	require.NoError(t, err)
	engine := NewEngine(observability.Config{Environment: "test"}, httpMetrics)

	cfg := config.Config{Environment: environment}
	newServer(engine, cfg, zap.NewNop(), ledger, payments, notifications)

	return &testServer{engine: engine, gateway: gateway}
}

func enabledPicPay() config.PicPayConfig {
	cfg := config.DefaultPicPayConfig()
	cfg.Enabled = true
	cfg.APIToken = "api-token"
	cfg.SellerToken = "seller-secret"
	return cfg
}

func (s *testServer) do(method, path, contentType, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	s.engine.ServeHTTP(w, req)
	return w
}

func (s *testServer) createOrder(t *testing.T, ref string) *httptest.ResponseRecorder {
	t.Helper()
	body := fmt.Sprintf(`{
		"referenceId": %q,
		"currency": "BRL",
		"buyer": {"firstName": "Maria", "lastName": "Silva", "document": "123.456.789-10", "email": "maria@example.com"},
		"items": [
			{"sku": "A", "name": "Caneca", "price": "10.00", "qty": 1},
			{"sku": "B", "name": "Chaveiro", "price": 10, "qty": 2}
		]
	}`, ref)
	return s.do(http.MethodPost, "/api/orders", "application/json", body, nil)
}

func (s *testServer) notify(body string) *httptest.ResponseRecorder {
	return s.do(http.MethodPost, "/notification", "application/json", body,
		map[string]string{"x-seller-token": "seller-secret"})
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func TestCheckoutAndNotificationInvoiceOnce(t *testing.T) {
	s := newTestServer(t, "development", enabledPicPay())
	s.gateway.EXPECT().CreatePayment(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, order *paymentdomain.Order) (paymentdomain.PaymentResult, error) {
			assert.Equal(t, "30.00", order.GrandTotal.StringFixed(2))
			return paymentdomain.PaymentResult{PaymentURL: checkoutURL, ProviderPaymentID: "pp-1"}, nil
		})

	w := s.createOrder(t, "REF-1001")
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	created := decodeBody(t, w)
	assert.Equal(t, "REF-1001", created["referenceId"])
	assert.Equal(t, checkoutURL, created["paymentUrl"])
	assert.Equal(t, "requested", created["status"])

	w = s.notify("{\n\t\"referenceId\": \"REF-1001\",\r\n\t\"authorizationId\": \"AUTH-55\"\n}")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.JSONEq(t, `{}`, w.Body.String())

	w = s.notify(`{"referenceId":"REF-1001","authorizationId":"AUTH-55"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = s.do(http.MethodGet, "/api/orders/REF-1001", "", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	order := decodeBody(t, w)
	assert.Equal(t, "processing", order["status"])
	assert.Equal(t, true, order["isInProcess"])
	assert.Equal(t, "30.00", order["totalPaid"])

	payment := order["payment"].(map[string]any)
	assert.Equal(t, "invoiced", payment["status"])
	assert.Equal(t, "AUTH-55", payment["authorizationId"])

	invoice := order["invoice"].(map[string]any)
	assert.Equal(t, "paid", invoice["state"])
	assert.Equal(t, "offline", invoice["captureCase"])

	history := order["history"].([]any)
	require.Len(t, history, 1)
	assert.Equal(t, "Order invoiced by API notification. Authorization Id: AUTH-55", history[0])
}

func TestNotificationResponses(t *testing.T) {
	disabled := enabledPicPay()
	disabled.Enabled = false
	muted := enabledPicPay()
	muted.NotificationsEnabled = false

	tests := []struct {
		name     string
		picpay   config.PicPayConfig
		method   string
		path     string
		token    string
		body     string
		wantCode int
		wantMsg  string
	}{
		{"module disabled", disabled, http.MethodPost, "/notification", "seller-secret", "not json", http.StatusBadRequest, "Module disabled"},
		{"wrong method", enabledPicPay(), http.MethodGet, "/notification", "seller-secret", "", http.StatusBadRequest, "Invalid HTTP Method"},
		{"notifications disabled", muted, http.MethodPost, "/notification", "seller-secret", "{}", http.StatusForbidden, "Notifications disabled"},
		{"bad token", enabledPicPay(), http.MethodPost, "/picpay/notification", "nope", `{"referenceId":"REF-1","authorizationId":"A"}`, http.StatusForbidden, "Authentication failed"},
		{"missing ids", enabledPicPay(), http.MethodPost, "/notification", "seller-secret", `{"referenceId":"REF-1"}`, http.StatusUnprocessableEntity, "Invalid notification"},
		{"malformed json", enabledPicPay(), http.MethodPost, "/notification", "seller-secret", `{"referenceId":`, http.StatusUnprocessableEntity, "Invalid notification"},
		{"unknown order", enabledPicPay(), http.MethodPost, "/picpay/notification", "seller-secret", `{"referenceId":"REF-404","authorizationId":"A"}`, http.StatusUnprocessableEntity, "Order not found"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t, "development", tt.picpay)
			w := s.do(tt.method, tt.path, "application/json", tt.body, map[string]string{"x-seller-token": tt.token})
			require.Equal(t, tt.wantCode, w.Code, w.Body.String())
			assert.Equal(t, tt.wantMsg, decodeBody(t, w)["message"])
		})
	}
}

func TestNotificationRejectsOversizedBody(t *testing.T) {
	s := newTestServer(t, "development", enabledPicPay())
	form := "application/x-www-form-urlencoded"
	body := "referenceId=REF-404&authorizationId=AUTH-1&pad=" + strings.Repeat("x", maxNotificationBytes)

	w := s.do(http.MethodPost, "/notification", form, body, map[string]string{"x-seller-token": "seller-secret"})
	require.Equal(t, http.StatusUnprocessableEntity, w.Code, w.Body.String())
	assert.Equal(t, "Invalid notification", decodeBody(t, w)["message"])

	w = s.do(http.MethodPost, "/notification", form, body, map[string]string{"x-seller-token": "nope"})
	require.Equal(t, http.StatusForbidden, w.Code, w.Body.String())
	assert.Equal(t, "Authentication failed", decodeBody(t, w)["message"])

	w = s.do(http.MethodPost, "/notification", form, body[:maxNotificationBytes], map[string]string{"x-seller-token": "seller-secret"})
	require.Equal(t, http.StatusUnprocessableEntity, w.Code, w.Body.String())
	assert.Equal(t, "Order not found", decodeBody(t, w)["message"])
}

func TestNotificationBeforePaymentRequest(t *testing.T) {
	s := newTestServer(t, "development", enabledPicPay())
	s.gateway.EXPECT().CreatePayment(gomock.Any(), gomock.Any()).
		Return(paymentdomain.PaymentResult{}, &paymentdomain.GatewayRejectedError{Message: "Invalid buyer document"})

	w := s.createOrder(t, "REF-2002")
	require.Equal(t, http.StatusBadGateway, w.Code, w.Body.String())
	errBody := decodeBody(t, w)["error"].(map[string]any)
	assert.Equal(t, "Invalid buyer document", errBody["message"])

	w = s.notify(`{"referenceId":"REF-2002","authorizationId":"AUTH-1"}`)
	require.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, "Payment has failed", decodeBody(t, w)["message"])

	w = s.do(http.MethodGet, "/api/orders/REF-2002", "", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	order := decodeBody(t, w)
	assert.Nil(t, order["invoice"])
	assert.Equal(t, "failed", order["payment"].(map[string]any)["status"])
}

func TestGatewayMessageHiddenInProduction(t *testing.T) {
	s := newTestServer(t, "production", enabledPicPay())
	s.gateway.EXPECT().CreatePayment(gomock.Any(), gomock.Any()).
		Return(paymentdomain.PaymentResult{}, &paymentdomain.GatewayRejectedError{Message: "Invalid buyer document"})

	w := s.createOrder(t, "REF-3003")
	require.Equal(t, http.StatusBadGateway, w.Code)
	errBody := decodeBody(t, w)["error"].(map[string]any)
	assert.Equal(t, genericPaymentError, errBody["message"])
}

func TestCreateOrderValidation(t *testing.T) {
	s := newTestServer(t, "development", enabledPicPay())

	w := s.do(http.MethodPost, "/api/orders", "application/json", `{"referenceId":"REF-9","items":[]}`, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(http.MethodPost, "/api/orders", "application/json", `{`, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(http.MethodGet, "/api/orders/REF-404", "", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCreateOrderRejectsDuplicateReference(t *testing.T) {
	s := newTestServer(t, "development", enabledPicPay())
	s.gateway.EXPECT().CreatePayment(gomock.Any(), gomock.Any()).
		Return(paymentdomain.PaymentResult{PaymentURL: checkoutURL}, nil)

	require.Equal(t, http.StatusCreated, s.createOrder(t, "REF-4004").Code)
	w := s.createOrder(t, "REF-4004")
	assert.Equal(t, http.StatusConflict, w.Code, w.Body.String())
}

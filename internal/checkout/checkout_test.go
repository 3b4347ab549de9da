package checkout

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sitegrade/purchaselink/internal/linktoken"
	"github.com/sitegrade/purchaselink/internal/purchase"
	"github.com/sitegrade/purchaselink/internal/referral"
	"github.com/sitegrade/purchaselink/internal/testutil"
	"github.com/sitegrade/purchaselink/internal/validation"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/webhook"
)

const testSecret = "checkout-test-secret-0123456789abcdef"

func init() {
	gin.SetMode(gin.TestMode)
}

type clock struct{ t time.Time }

func (c *clock) Now() time.Time { return c.t }

// fakeProvider records session requests and accepts webhooks signed "sig_ok".
type fakeProvider struct {
	mu       sync.Mutex
	requests []SessionRequest
	err      error
	event    *Event
}

func (f *fakeProvider) CreateSession(_ context.Context, req SessionRequest) (*Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if f.err != nil {
		return nil, f.err
	}
	id := "cs_test_" + req.OrderID
	return &Session{ID: id, URL: "https://checkout.example/pay/" + id}, nil
}

func (f *fakeProvider) ParseWebhook(_ []byte, signatureHeader string) (*Event, error) {
	if signatureHeader != "sig_ok" {
		return nil, ErrInvalidSignature
	}
	return f.event, nil
}

type fixture struct {
	svc       *Service
	links     *purchase.Service
	referrals *referral.Service
	provider  *fakeProvider
	store     *MemoryStore
	clk       *clock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	key, err := linktoken.NewSigningKey(testSecret)
	require.NoError(t, err)
	clk := &clock{t: time.Unix(1700000000, 0)}
	issuer, err := linktoken.NewIssuer(key, 24*time.Hour, linktoken.WithClock(clk.Now))
	require.NoError(t, err)

	f := &fixture{
		links:     purchase.NewService(issuer, "https://sitegrade.example/purchase", purchase.NewMemoryStore()),
		referrals: referral.NewService(referral.NewMemoryStore()),
		provider:  &fakeProvider{},
		store:     NewMemoryStore(),
		clk:       clk,
	}
	f.svc = NewService(f.links, f.referrals, f.provider, f.store, "USD")
	f.svc.now = clk.Now
	return f
}

func (f *fixture) issue(t *testing.T) string {
	t.Helper()
	issued, err := f.links.CreateLink(context.Background(), linktoken.IssueRequest{
		BusinessID:   "biz_42",
		BusinessName: "Acme Corp",
		Price:        29700,
		Value:        150000,
		CampaignID:   "spring25",
		PreviewPages: 4,
	})
	require.NoError(t, err)
	return issued.Token
}

func (f *fixture) code(t *testing.T, code string, bps int64) {
	t.Helper()
	_, err := f.referrals.CreateCode(context.Background(), referral.CreateRequest{
		Code: code, Kind: referral.KindPercent, PercentBPS: bps,
	})
	require.NoError(t, err)
}

func (f *fixture) redemptions(t *testing.T, code string) int64 {
	t.Helper()
	c, err := f.referrals.Lookup(context.Background(), code)
	require.NoError(t, err)
	return c.Redemptions
}

func TestService_Start(t *testing.T) {
	f := newFixture(t)
	f.code(t, "FRIEND10", 1000)
	ctx := context.Background()
	token := f.issue(t)

	order, err := f.svc.Start(ctx, StartRequest{Token: token, ReferralCode: "friend10", Email: "owner@acme.example"})
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(order.ID, "ord_"))
	assert.Equal(t, StatusPending, order.Status)
	assert.Equal(t, "biz_42", order.BusinessID)
	assert.Equal(t, "FRIEND10", order.ReferralCode)
	assert.Equal(t, "usd", order.Currency)
	assert.Equal(t, int64(29700), order.OriginalAmount)
	assert.Equal(t, int64(2970), order.DiscountAmount)
	assert.Equal(t, int64(26730), order.Amount)
	assert.Equal(t, linktoken.Fingerprint(token), order.LinkFingerprint)
	assert.Equal(t, "cs_test_"+order.ID, order.ProviderSession)
	assert.NotEmpty(t, order.CheckoutURL)

	require.Len(t, f.provider.requests, 1)
	req := f.provider.requests[0]
	assert.Equal(t, int64(26730), req.Amount)
	assert.Equal(t, "usd", req.Currency)
	assert.Equal(t, "owner@acme.example", req.Email)
	assert.Equal(t, order.ID, req.Metadata["order_id"])
	assert.Equal(t, "spring25", req.Metadata["campaign_id"])
	assert.Equal(t, order.LinkFingerprint, req.Metadata["link_fingerprint"])
	assert.Equal(t, "FRIEND10", req.Metadata["referral_code"])
	assert.NotContains(t, req.Metadata, "token")
	assert.True(t, f.clk.t.Add(maxSessionTTL).Equal(req.ExpiresAt))

	stored, err := f.store.GetBySession(ctx, order.ProviderSession)
	require.NoError(t, err)
	assert.Equal(t, order.ID, stored.ID)

	// Redemption waits for payment.
	assert.Equal(t, int64(0), f.redemptions(t, "FRIEND10"))
}

func TestService_StartWithoutReferral(t *testing.T) {
	f := newFixture(t)
	order, err := f.svc.Start(context.Background(), StartRequest{Token: f.issue(t)})
	require.NoError(t, err)
	assert.Equal(t, int64(29700), order.Amount)
	assert.Zero(t, order.DiscountAmount)
	assert.Empty(t, order.ReferralCode)
}

func TestService_StartRejectsUnusableLinks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	token := f.issue(t)

	_, err := f.svc.Start(ctx, StartRequest{Token: strings.Replace(token, ".", "x.", 1)})
	assert.ErrorIs(t, err, purchase.ErrLinkInvalid)

	_, err = f.svc.Start(ctx, StartRequest{Token: "not-a-token"})
	assert.ErrorIs(t, err, purchase.ErrLinkInvalid)

	f.clk.t = f.clk.t.Add(25 * time.Hour)
	_, err = f.svc.Start(ctx, StartRequest{Token: token})
	assert.ErrorIs(t, err, purchase.ErrLinkExpired)

	assert.Empty(t, f.provider.requests)
	orders, err := f.store.ListByStatus(ctx, nil, 10)
	require.NoError(t, err)
	assert.Empty(t, orders)
}

func TestService_StartRejectsBadInput(t *testing.T) {
	f := newFixture(t)
	token := f.issue(t)

	_, err := f.svc.Start(context.Background(), StartRequest{Token: token, Email: "not an email"})
	var verrs validation.ValidationErrors
	require.True(t, errors.As(err, &verrs))
	assert.Equal(t, "email", verrs[0].Field)

	_, err = f.svc.Start(context.Background(), StartRequest{Token: token, ReferralCode: "NOPE"})
	assert.ErrorIs(t, err, referral.ErrCodeNotFound)
	assert.Empty(t, f.provider.requests)
}

func TestService_StartFreeOrder(t *testing.T) {
	f := newFixture(t)
	f.code(t, "FULLRIDE", referral.MaxPercentBPS)

	order, err := f.svc.Start(context.Background(), StartRequest{Token: f.issue(t), ReferralCode: "FULLRIDE"})
	require.NoError(t, err)
	assert.Equal(t, StatusPaid, order.Status)
	assert.Zero(t, order.Amount)
	require.NotNil(t, order.PaidAt)
	assert.Empty(t, order.CheckoutURL)
	assert.Empty(t, f.provider.requests)
	assert.Equal(t, int64(1), f.redemptions(t, "FULLRIDE"))
}

func TestService_StartProviderFailure(t *testing.T) {
	f := newFixture(t)
	f.provider.err = errors.New("stripe: connection reset")

	_, err := f.svc.Start(context.Background(), StartRequest{Token: f.issue(t)})
	require.ErrorIs(t, err, ErrProvider)

	orders, err := f.store.ListByStatus(context.Background(), []OrderStatus{StatusFailed}, 10)
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Empty(t, orders[0].ProviderSession)
}

func TestService_WebhookCompletesOrder(t *testing.T) {
	f := newFixture(t)
	f.code(t, "FRIEND10", 1000)
	ctx := context.Background()

	order, err := f.svc.Start(ctx, StartRequest{Token: f.issue(t), ReferralCode: "FRIEND10"})
	require.NoError(t, err)

	f.provider.event = &Event{ID: "evt_1", Type: EventSessionCompleted, SessionID: order.ProviderSession, Paid: true}
	require.NoError(t, f.svc.HandleWebhook(ctx, []byte(`{}`), "sig_ok"))

	got, err := f.svc.Get(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPaid, got.Status)
	require.NotNil(t, got.PaidAt)
	assert.Equal(t, int64(1), f.redemptions(t, "FRIEND10"))

	// Redelivery is acknowledged without a second redemption.
	require.NoError(t, f.svc.HandleWebhook(ctx, []byte(`{}`), "sig_ok"))
	assert.Equal(t, int64(1), f.redemptions(t, "FRIEND10"))
}

func TestService_WebhookDelayedPaymentSucceeds(t *testing.T) {
	f := newFixture(t)
	f.code(t, "FRIEND10", 1000)
	ctx := context.Background()
	order, err := f.svc.Start(ctx, StartRequest{Token: f.issue(t), ReferralCode: "FRIEND10"})
	require.NoError(t, err)

	f.provider.event = &Event{Type: EventSessionCompleted, SessionID: order.ProviderSession, Paid: false}
	require.NoError(t, f.svc.HandleWebhook(ctx, nil, "sig_ok"))

	got, err := f.svc.Get(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
	assert.Zero(t, f.redemptions(t, "FRIEND10"))

	f.provider.event = &Event{Type: EventAsyncPaymentSucceeded, SessionID: order.ProviderSession, Paid: true}
	require.NoError(t, f.svc.HandleWebhook(ctx, nil, "sig_ok"))

	got, err = f.svc.Get(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPaid, got.Status)
	require.NotNil(t, got.PaidAt)
	assert.Equal(t, int64(1), f.redemptions(t, "FRIEND10"))
}

func TestService_WebhookDelayedPaymentFails(t *testing.T) {
	f := newFixture(t)
	f.code(t, "FRIEND10", 1000)
	ctx := context.Background()
	order, err := f.svc.Start(ctx, StartRequest{Token: f.issue(t), ReferralCode: "FRIEND10"})
	require.NoError(t, err)

	f.provider.event = &Event{Type: EventSessionCompleted, SessionID: order.ProviderSession, Paid: false}
	require.NoError(t, f.svc.HandleWebhook(ctx, nil, "sig_ok"))
	f.provider.event = &Event{Type: EventAsyncPaymentFailed, SessionID: order.ProviderSession}
	require.NoError(t, f.svc.HandleWebhook(ctx, nil, "sig_ok"))

	got, err := f.svc.Get(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Nil(t, got.PaidAt)
	assert.Zero(t, f.redemptions(t, "FRIEND10"))

	// A late success for a declined payment does not revive the order.
	f.provider.event = &Event{Type: EventAsyncPaymentSucceeded, SessionID: order.ProviderSession, Paid: true}
	require.NoError(t, f.svc.HandleWebhook(ctx, nil, "sig_ok"))
	got, err = f.svc.Get(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
}

func TestService_WebhookExpiresOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	order, err := f.svc.Start(ctx, StartRequest{Token: f.issue(t)})
	require.NoError(t, err)

	// Falls back to the order id when the session is unknown.
	f.provider.event = &Event{Type: EventSessionExpired, SessionID: "cs_other", OrderID: order.ID}
	require.NoError(t, f.svc.HandleWebhook(ctx, nil, "sig_ok"))

	got, err := f.svc.Get(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, got.Status)

	// An expired order is not revived by a late completion.
	f.provider.event = &Event{Type: EventSessionCompleted, OrderID: order.ID, Paid: true}
	require.NoError(t, f.svc.HandleWebhook(ctx, nil, "sig_ok"))
	got, err = f.svc.Get(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, got.Status)
}

func TestService_WebhookEdgeCases(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	err := f.svc.HandleWebhook(ctx, nil, "forged")
	assert.ErrorIs(t, err, ErrInvalidSignature)

	f.provider.event = &Event{Type: EventSessionCompleted, SessionID: "cs_unknown", Paid: true}
	assert.NoError(t, f.svc.HandleWebhook(ctx, nil, "sig_ok"))

	f.provider.event = &Event{Type: "customer.created"}
	assert.NoError(t, f.svc.HandleWebhook(ctx, nil, "sig_ok"))
}

func TestService_List(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	token := f.issue(t)

	first, err := f.svc.Start(ctx, StartRequest{Token: token})
	require.NoError(t, err)
	f.clk.t = f.clk.t.Add(time.Minute)
	second, err := f.svc.Start(ctx, StartRequest{Token: token})
	require.NoError(t, err)
	require.NoError(t, f.store.Transition(ctx, first.ID, StatusPending, StatusPaid, f.clk.t))

	all, err := f.svc.List(ctx, nil, 0)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, second.ID, all[0].ID)

	paid, err := f.svc.List(ctx, []OrderStatus{StatusPaid}, 10)
	require.NoError(t, err)
	require.Len(t, paid, 1)
	assert.Equal(t, first.ID, paid[0].ID)
}

func TestParseStatuses(t *testing.T) {
	got, err := ParseStatuses("pending, paid")
	require.NoError(t, err)
	assert.Equal(t, []OrderStatus{StatusPending, StatusPaid}, got)

	got, err = ParseStatuses("")
	require.NoError(t, err)
	assert.Empty(t, got)

	_, err = ParseStatuses("pending,refunded")
	assert.Error(t, err)
}

func TestSessionExpiry(t *testing.T) {
	now := time.Unix(1700000000, 0)
	tests := []struct {
		name string
		link time.Time
		want time.Time
	}{
		{"within bounds", now.Add(2 * time.Hour), now.Add(2 * time.Hour)},
		{"capped", now.Add(30 * 24 * time.Hour), now.Add(maxSessionTTL)},
		{"raised to minimum", now.Add(time.Minute), now.Add(minSessionTTL)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, sessionExpiry(now, tt.link))
		})
	}
}

func TestMemoryStore_Transition(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()
	require.NoError(t, store.Create(ctx, &Order{ID: "ord_1", Status: StatusPending, CreatedAt: now}))
	assert.ErrorIs(t, store.Create(ctx, &Order{ID: "ord_1"}), ErrOrderExists)

	assert.ErrorIs(t, store.Transition(ctx, "ord_missing", StatusPending, StatusPaid, now), ErrOrderNotFound)
	require.NoError(t, store.Transition(ctx, "ord_1", StatusPending, StatusPaid, now))
	assert.ErrorIs(t, store.Transition(ctx, "ord_1", StatusPending, StatusExpired, now), ErrInvalidTransition)

	got, err := store.Get(ctx, "ord_1")
	require.NoError(t, err)
	require.NotNil(t, got.PaidAt)
	got.PaidAt = nil
	again, err := store.Get(ctx, "ord_1")
	require.NoError(t, err)
	assert.NotNil(t, again.PaidAt)
}

// --- HTTP ---

func setupRouter(t *testing.T) (*gin.Engine, *fixture) {
	t.Helper()
	f := newFixture(t)
	h := NewHandler(f.svc)
	r := gin.New()
	h.RegisterRoutes(r.Group("/v1"))
	h.RegisterAdminRoutes(r.Group("/v1/admin"))
	return r, f
}

func do(r *gin.Engine, method, path string, body interface{}, header map[string]string) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHandler_StartCheckout(t *testing.T) {
	r, f := setupRouter(t)
	token := f.issue(t)

	w := do(r, http.MethodPost, "/v1/checkout/sessions", StartRequest{Token: token}, nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "pending", resp["status"])
	assert.Equal(t, float64(29700), resp["amount"])
	assert.Contains(t, resp["checkoutUrl"], "https://checkout.example/pay/")

	w = do(r, http.MethodPost, "/v1/checkout/sessions", map[string]string{}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(r, http.MethodPost, "/v1/checkout/sessions", StartRequest{Token: "bogus"}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "invalid_link")

	w = do(r, http.MethodPost, "/v1/checkout/sessions", StartRequest{Token: token, ReferralCode: "MISSING"}, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	f.provider.err = errors.New("down")
	w = do(r, http.MethodPost, "/v1/checkout/sessions", StartRequest{Token: token}, nil)
	assert.Equal(t, http.StatusBadGateway, w.Code)
	f.provider.err = nil

	f.clk.t = f.clk.t.Add(48 * time.Hour)
	w = do(r, http.MethodPost, "/v1/checkout/sessions", StartRequest{Token: token}, nil)
	assert.Equal(t, http.StatusGone, w.Code)
	assert.Contains(t, w.Body.String(), "link_expired")
}

func TestHandler_WebhookAndOrders(t *testing.T) {
	r, f := setupRouter(t)
	order, err := f.svc.Start(context.Background(), StartRequest{Token: f.issue(t)})
	require.NoError(t, err)

	w := do(r, http.MethodPost, "/v1/checkout/webhook", map[string]string{"id": "evt"}, map[string]string{SignatureHeader: "forged"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "invalid_signature")

	f.provider.event = &Event{Type: EventSessionCompleted, SessionID: order.ProviderSession, Paid: true}
	w = do(r, http.MethodPost, "/v1/checkout/webhook", map[string]string{"id": "evt"}, map[string]string{SignatureHeader: "sig_ok"})
	assert.Equal(t, http.StatusOK, w.Code)

	w = do(r, http.MethodGet, "/v1/admin/orders/"+order.ID, nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"paid"`)

	w = do(r, http.MethodGet, "/v1/admin/orders/ord_missing", nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(r, http.MethodGet, "/v1/admin/orders?status=pending", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"count":0`)

	w = do(r, http.MethodGet, "/v1/admin/orders?status=paid,pending", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"count":1`)

	w = do(r, http.MethodGet, "/v1/admin/orders?status=refunded", nil, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

// --- Stripe ---

func newStripeTestProvider(t *testing.T, handler http.HandlerFunc) *StripeProvider {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	backend := stripe.GetBackendWithConfig(stripe.APIBackend, &stripe.BackendConfig{
		URL:               stripe.String(srv.URL),
		HTTPClient:        srv.Client(),
		MaxNetworkRetries: stripe.Int64(0),
		LeveledLogger:     &stripe.LeveledLogger{Level: stripe.LevelNull},
	})
	api := NewStripeAPI("sk_test_123", &stripe.Backends{API: backend, Connect: backend, Uploads: backend})
	return NewStripeProvider(api, "whsec_test", "https://sitegrade.example/thanks", "https://sitegrade.example/purchase")
}

func TestStripeProvider_CreateSession(t *testing.T) {
	var form map[string]string
	var path, auth string
	p := newStripeTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		auth = r.Header.Get("Authorization")
		_ = r.ParseForm()
		form = make(map[string]string)
		for k := range r.PostForm {
			form[k] = r.PostForm.Get(k)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"cs_test_abc","object":"checkout.session","url":"https://checkout.stripe.com/c/pay/cs_test_abc"}`))
	})

	expires := time.Unix(1700003600, 0)
	session, err := p.CreateSession(context.Background(), SessionRequest{
		OrderID:     "ord_1",
		ProductName: "Website assessment for Acme Corp",
		Currency:    "usd",
		Amount:      26730,
		Email:       "owner@acme.example",
		ExpiresAt:   expires,
		Metadata:    map[string]string{"order_id": "ord_1", "referral_code": ""},
	})
	require.NoError(t, err)
	assert.Equal(t, "cs_test_abc", session.ID)
	assert.Equal(t, "https://checkout.stripe.com/c/pay/cs_test_abc", session.URL)

	assert.Equal(t, "/v1/checkout/sessions", path)
	assert.Equal(t, "Bearer sk_test_123", auth)
	assert.Equal(t, "payment", form["mode"])
	assert.Equal(t, "ord_1", form["client_reference_id"])
	assert.Equal(t, "owner@acme.example", form["customer_email"])
	assert.Equal(t, "1700003600", form["expires_at"])
	assert.Equal(t, "26730", form["line_items[0][price_data][unit_amount]"])
	assert.Equal(t, "usd", form["line_items[0][price_data][currency]"])
	assert.Equal(t, "1", form["line_items[0][quantity]"])
	assert.Equal(t, "ord_1", form["metadata[order_id]"])
	assert.NotContains(t, form, "metadata[referral_code]")
}

func TestStripeProvider_CreateSessionError(t *testing.T) {
	p := newStripeTestProvider(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"type":"invalid_request_error","message":"Invalid currency"}}`))
	})
	_, err := p.CreateSession(context.Background(), SessionRequest{OrderID: "ord_1", Currency: "zzz", Amount: 100})
	assert.Error(t, err)
}

func TestStripeProvider_ParseWebhook(t *testing.T) {
	p := newStripeTestProvider(t, func(w http.ResponseWriter, _ *http.Request) {})
	payload := []byte(`{
		"id": "evt_123",
		"object": "event",
		"type": "checkout.session.completed",
		"api_version": "2020-08-27",
		"data": {"object": {
			"id": "cs_test_abc",
			"object": "checkout.session",
			"client_reference_id": "ord_1",
			"payment_status": "paid",
			"metadata": {"order_id": "ord_1"}
		}}
	}`)

	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    "whsec_test",
		Timestamp: time.Now(),
	})
	event, err := p.ParseWebhook(signed.Payload, signed.Header)
	require.NoError(t, err)
	assert.Equal(t, "evt_123", event.ID)
	assert.Equal(t, EventSessionCompleted, event.Type)
	assert.Equal(t, "cs_test_abc", event.SessionID)
	assert.Equal(t, "ord_1", event.OrderID)
	assert.True(t, event.Paid)

	forged := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    "whsec_other",
		Timestamp: time.Now(),
	})
	_, err = p.ParseWebhook(forged.Payload, forged.Header)
	assert.ErrorIs(t, err, ErrInvalidSignature)

	_, err = p.ParseWebhook(payload, "")
	assert.ErrorIs(t, err, ErrInvalidSignature)
}

func TestStripeProvider_ParseWebhookAsyncPayment(t *testing.T) {
	p := newStripeTestProvider(t, func(w http.ResponseWriter, _ *http.Request) {})
	tests := []struct {
		eventType     string
		paymentStatus string
		want          EventType
		paid          bool
	}{
		{"checkout.session.completed", "unpaid", EventSessionCompleted, false},
		{"checkout.session.async_payment_succeeded", "paid", EventAsyncPaymentSucceeded, true},
		{"checkout.session.async_payment_failed", "unpaid", EventAsyncPaymentFailed, false},
	}
	for _, tt := range tests {
		t.Run(tt.eventType, func(t *testing.T) {
			payload := []byte(`{
				"id": "evt_async",
				"object": "event",
				"type": "` + tt.eventType + `",
				"api_version": "2020-08-27",
				"data": {"object": {
					"id": "cs_test_async",
					"object": "checkout.session",
					"payment_status": "` + tt.paymentStatus + `",
					"metadata": {"order_id": "ord_async"}
				}}
			}`)
			signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
				Payload:   payload,
				Secret:    "whsec_test",
				Timestamp: time.Now(),
			})
			event, err := p.ParseWebhook(signed.Payload, signed.Header)
			require.NoError(t, err)
			assert.Equal(t, tt.want, event.Type)
			assert.Equal(t, "cs_test_async", event.SessionID)
			assert.Equal(t, "ord_async", event.OrderID)
			assert.Equal(t, tt.paid, event.Paid)
		})
	}
}

// --- Postgres ---

func TestPostgresStore(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	order := &Order{
		ID: "ord_pg1", BusinessID: "biz_42", BusinessName: "Acme Corp",
		LinkFingerprint: "0011223344556677", Currency: "usd",
		OriginalAmount: 29700, DiscountAmount: 2970, Amount: 26730,
		ReferralCode: "FRIEND10", Status: StatusPending, CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, store.Create(ctx, order))
	assert.ErrorIs(t, store.Create(ctx, order), ErrOrderExists)

	require.NoError(t, store.AttachSession(ctx, "ord_pg1", "cs_pg1", "https://checkout.example/cs_pg1"))
	assert.ErrorIs(t, store.AttachSession(ctx, "ord_missing", "cs_pg2", ""), ErrOrderNotFound)

	got, err := store.GetBySession(ctx, "cs_pg1")
	require.NoError(t, err)
	assert.Equal(t, "ord_pg1", got.ID)
	assert.Equal(t, "FRIEND10", got.ReferralCode)
	assert.Empty(t, got.CampaignID)
	assert.Nil(t, got.PaidAt)

	_, err = store.GetBySession(ctx, "cs_missing")
	assert.ErrorIs(t, err, ErrOrderNotFound)

	require.NoError(t, store.Transition(ctx, "ord_pg1", StatusPending, StatusPaid, now))
	assert.ErrorIs(t, store.Transition(ctx, "ord_pg1", StatusPending, StatusExpired, now), ErrInvalidTransition)
	assert.ErrorIs(t, store.Transition(ctx, "ord_missing", StatusPending, StatusPaid, now), ErrOrderNotFound)

	got, err = store.Get(ctx, "ord_pg1")
	require.NoError(t, err)
	assert.Equal(t, StatusPaid, got.Status)
	require.NotNil(t, got.PaidAt)
	assert.True(t, got.PaidAt.Equal(now))

	paid, err := store.ListByStatus(ctx, []OrderStatus{StatusPaid, StatusExpired}, 10)
	require.NoError(t, err)
	assert.Len(t, paid, 1)
	all, err := store.ListByStatus(ctx, nil, 10)
	require.NoError(t, err)
	assert.Len(t, all, 1)
	pending, err := store.ListByStatus(ctx, []OrderStatus{StatusPending}, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

package checkout

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/sitegrade/purchaselink/internal/logging"
	"github.com/sitegrade/purchaselink/internal/purchase"
	"github.com/sitegrade/purchaselink/internal/referral"
	"github.com/sitegrade/purchaselink/internal/validation"
)

// SignatureHeader carries the provider's webhook signature.
const SignatureHeader = "Stripe-Signature"

// Handler provides HTTP endpoints for checkout.
type Handler struct {
	service *Service
}

// NewHandler creates a new checkout handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up public routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/checkout/sessions", h.StartCheckout)
	r.POST("/checkout/webhook", h.Webhook)
}

// RegisterAdminRoutes sets up admin-only routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/orders", h.ListOrders)
	r.GET("/orders/:id", h.GetOrder)
}

// StartCheckout handles POST /v1/checkout/sessions
func (h *Handler) StartCheckout(c *gin.Context) {
	var req StartRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	order, err := h.service.Start(c.Request.Context(), req)
	if err != nil {
		var verrs validation.ValidationErrors
		switch {
		case errors.As(err, &verrs):
			validation.Respond(c, verrs)
		case errors.Is(err, purchase.ErrLinkExpired):
			c.JSON(http.StatusGone, gin.H{"error": "link_expired", "message": "This purchase link has expired"})
		case errors.Is(err, purchase.ErrLinkInvalid):
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_link", "message": "This purchase link is not valid"})
		case errors.Is(err, referral.ErrCodeNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "referral_not_found", "message": "Referral code not found"})
		case errors.Is(err, referral.ErrCodeInactive), errors.Is(err, referral.ErrCodeExpired), errors.Is(err, referral.ErrCodeExhausted):
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "code_unavailable", "message": err.Error()})
		case errors.Is(err, ErrProvider):
			c.JSON(http.StatusBadGateway, gin.H{"error": "payment_unavailable", "message": "Payment provider is unavailable, try again shortly"})
		default:
			logging.L(c.Request.Context()).Error("failed to start checkout", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to start checkout"})
		}
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"orderId":     order.ID,
		"status":      order.Status,
		"checkoutUrl": order.CheckoutURL,
		"currency":    order.Currency,
		"original":    order.OriginalAmount,
		"discount":    order.DiscountAmount,
		"amount":      order.Amount,
	})
}

// Webhook handles POST /v1/checkout/webhook
func (h *Handler) Webhook(c *gin.Context) {
	payload, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Could not read body"})
		return
	}

	err = h.service.HandleWebhook(c.Request.Context(), payload, c.GetHeader(SignatureHeader))
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"received": true})
	case errors.Is(err, ErrInvalidSignature):
		logging.L(c.Request.Context()).Warn("rejected webhook", "error", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_signature", "message": "Webhook signature verification failed"})
	default:
		logging.L(c.Request.Context()).Error("webhook processing failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Webhook processing failed"})
	}
}

// GetOrder handles GET /v1/admin/orders/:id
func (h *Handler) GetOrder(c *gin.Context) {
	order, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrOrderNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Order not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": order})
}

// ListOrders handles GET /v1/admin/orders?status=pending,paid&limit=
func (h *Handler) ListOrders(c *gin.Context) {
	statuses, err := ParseStatuses(c.Query("status"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = min(parsed, 200)
		}
	}

	orders, err := h.service.List(c.Request.Context(), statuses, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders": orders, "count": len(orders)})
}

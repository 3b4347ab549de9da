package referral

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/sitegrade/purchaselink/internal/logging"
)

// Handler provides HTTP endpoints for referral codes and share links.
type Handler struct {
	service      *Service
	shares       *ShareTokens // nil when share links are disabled
	shareBaseURL string
}

// NewHandler creates a new referral handler.
func NewHandler(service *Service, shares *ShareTokens, shareBaseURL string) *Handler {
	return &Handler{service: service, shares: shares, shareBaseURL: shareBaseURL}
}

// RegisterRoutes sets up public referral routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/referral-codes/:code/quote", h.QuoteCode)
	r.GET("/referral-links/resolve", h.ResolveShareLink)
}

// RegisterAdminRoutes sets up admin-only referral routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/referral-codes", h.CreateCode)
	r.GET("/referral-codes", h.ListCodes)
	r.POST("/referral-codes/:code/share-links", h.CreateShareLink)
}

// CreateCode handles POST /v1/admin/referral-codes
func (h *Handler) CreateCode(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	code, err := h.service.CreateCode(c.Request.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, ErrInvalidCode):
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_code", "message": err.Error()})
		case errors.Is(err, ErrCodeExists):
			c.JSON(http.StatusConflict, gin.H{"error": "code_exists", "message": err.Error()})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		}
		return
	}

	logging.L(c.Request.Context()).Info("referral code created", "code", code.Code, "kind", code.Kind)
	c.JSON(http.StatusCreated, gin.H{"referralCode": code})
}

// ListCodes handles GET /v1/admin/referral-codes
func (h *Handler) ListCodes(c *gin.Context) {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = min(parsed, 200)
		}
	}

	codes, err := h.service.List(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"referralCodes": codes, "count": len(codes)})
}

// QuoteCode handles GET /v1/referral-codes/:code/quote?price=
func (h *Handler) QuoteCode(c *gin.Context) {
	price, err := strconv.ParseInt(c.Query("price"), 10, 64)
	if err != nil || price < 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_price",
			"message": "price must be a non-negative integer in minor units",
		})
		return
	}

	quote, err := h.service.Quote(c.Request.Context(), price, c.Param("code"))
	if err != nil {
		respondCodeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"quote": quote})
}

type shareLinkRequest struct {
	Referrer string `json:"referrer"`
}

// CreateShareLink handles POST /v1/admin/referral-codes/:code/share-links
func (h *Handler) CreateShareLink(c *gin.Context) {
	if h.shares == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "share_links_disabled", "message": ErrShareDisabled.Error()})
		return
	}

	var req shareLinkRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
			return
		}
	}

	code, err := h.service.Lookup(c.Request.Context(), c.Param("code"))
	if err != nil {
		respondCodeError(c, err)
		return
	}

	token, expiresAt, err := h.shares.Mint(code.Code, req.Referrer)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}
	link, err := ShareURL(h.shareBaseURL, token)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"code":      code.Code,
		"token":     token,
		"url":       link,
		"expiresAt": expiresAt.UTC(),
	})
}

// ResolveShareLink handles GET /v1/referral-links/resolve?token=
func (h *Handler) ResolveShareLink(c *gin.Context) {
	if h.shares == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "share_links_disabled", "message": ErrShareDisabled.Error()})
		return
	}

	claims, err := h.shares.Parse(c.Query("token"))
	if err != nil {
		if errors.Is(err, ErrShareExpired) {
			c.JSON(http.StatusGone, gin.H{"error": "link_expired", "message": "This referral link has expired"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_link", "message": "This referral link is not valid"})
		return
	}

	code, err := h.service.Lookup(c.Request.Context(), claims.Code)
	if err != nil {
		respondCodeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"code":     code.Code,
		"kind":     code.Kind,
		"referrer": claims.Referrer,
	})
}

func respondCodeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrCodeNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Referral code not found"})
	case errors.Is(err, ErrCodeInactive), errors.Is(err, ErrCodeExpired), errors.Is(err, ErrCodeExhausted):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "code_unavailable", "message": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
	}
}

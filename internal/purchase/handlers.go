package purchase

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/sitegrade/purchaselink/internal/assessment"
	"github.com/sitegrade/purchaselink/internal/linktoken"
	"github.com/sitegrade/purchaselink/internal/logging"
	"github.com/sitegrade/purchaselink/internal/validation"
)

// Handler provides HTTP endpoints for purchase links.
type Handler struct {
	service *Service
}

// NewHandler creates a new purchase-link handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up public routes used by the purchase page.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/purchase-links/resolve", h.ResolveLink)
	r.GET("/purchase-links/preview", h.PreviewLink)
}

// RegisterAdminRoutes sets up admin-only routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/purchase-links", h.CreateLink)
	r.GET("/purchase-links", h.ListLinks)
	r.GET("/purchase-links/:id", h.GetLink)
}

// CreateLink handles POST /v1/admin/purchase-links
func (h *Handler) CreateLink(c *gin.Context) {
	var req linktoken.IssueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	issued, err := h.service.CreateLink(c.Request.Context(), req)
	if err != nil {
		var verrs validation.ValidationErrors
		switch {
		case errors.As(err, &verrs):
			validation.Respond(c, verrs)
		case errors.Is(err, linktoken.ErrInvalidPayload):
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		default:
			logging.L(c.Request.Context()).Error("failed to issue purchase link", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to issue link"})
		}
		return
	}

	c.JSON(http.StatusCreated, issued)
}

// ListLinks handles GET /v1/admin/purchase-links?business_id=&limit=
func (h *Handler) ListLinks(c *gin.Context) {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = min(parsed, 200)
		}
	}

	links, err := h.service.ListByBusiness(c.Request.Context(), c.Query("business_id"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"links": links, "count": len(links)})
}

// GetLink handles GET /v1/admin/purchase-links/:id
func (h *Handler) GetLink(c *gin.Context) {
	link, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrLinkNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Link not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"link": link})
}

// ResolveLink handles GET /v1/purchase-links/resolve?token=
//
// Tampered and malformed tokens get the same response so the endpoint
// cannot be used to probe which failure occurred.
func (h *Handler) ResolveLink(c *gin.Context) {
	res := h.service.Resolve(c.Request.Context(), c.Query(linktoken.QueryParam))
	switch res.State {
	case StateValid:
		c.JSON(http.StatusOK, res)
	case StateExpired:
		respondExpired(c, res.Offer)
	default:
		respondInvalid(c)
	}
}

// PreviewLink handles GET /v1/purchase-links/preview?token=
func (h *Handler) PreviewLink(c *gin.Context) {
	offer, preview, err := h.service.Preview(c.Request.Context(), c.Query(linktoken.QueryParam))
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"offer": offer, "preview": preview})
	case errors.Is(err, ErrLinkExpired):
		respondExpired(c, offer)
	case errors.Is(err, ErrLinkInvalid):
		respondInvalid(c)
	case errors.Is(err, ErrNoPreview):
		c.JSON(http.StatusNotImplemented, gin.H{"error": "preview_disabled", "message": "Previews are not available"})
	case errors.Is(err, assessment.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "preview_not_found", "message": "No assessment is available for this business yet"})
	default:
		logging.L(c.Request.Context()).Warn("assessment preview failed", "error", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "preview_unavailable", "message": "Preview is temporarily unavailable"})
	}
}

func respondExpired(c *gin.Context, offer *Offer) {
	body := gin.H{"error": "link_expired", "message": "This purchase link has expired"}
	if offer != nil {
		body["message"] = "This purchase link for " + offer.BusinessName + " has expired"
		body["businessName"] = offer.BusinessName
	}
	c.JSON(http.StatusGone, body)
}

func respondInvalid(c *gin.Context) {
	c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_link", "message": "This purchase link is not valid"})
}

package settlement

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mukgold/goldchain/internal/escrow"
	"github.com/mukgold/goldchain/internal/market"
	"github.com/mukgold/goldchain/internal/validation"
)

// Handler provides HTTP endpoints for settlement operations
type Handler struct {
	service *Service
}

// NewHandler creates a new settlement handler
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up settlement routes
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/purchases/complete", h.CompletePurchase)
	r.GET("/ledgers", h.ListLedgers)
	r.GET("/ledgers/:id", h.GetLedger)
	r.GET("/accounts/:id/ledger-analytics", h.Analytics)
}

// RegisterAdminRoutes sets up admin-only settlement routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/ledgers/:id/cancel", h.CancelLedger)
}

// CompletePurchaseRequest identifies the proposal being settled. Exactly one
// of offerId and requestId must be set.
type CompletePurchaseRequest struct {
	AccountID string `json:"accountId" binding:"required"`
	OfferID   string `json:"offerId"`
	RequestID string `json:"requestId"`
}

// CompletePurchase handles POST /purchases/complete
func (h *Handler) CompletePurchase(c *gin.Context) {
	var req CompletePurchaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	result, err := h.service.CompletePurchase(c.Request.Context(), req.AccountID, req.OfferID, req.RequestID)
	if err != nil {
		var verrs validation.ValidationErrors
		switch {
		case errors.As(err, &verrs):
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": verrs.Error(),
				"details": verrs,
			})
		case errors.Is(err, ErrInvalidArgument):
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": "Provide exactly one of offerId or requestId",
			})
		case errors.Is(err, ErrForbidden):
			c.JSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "Proposal does not belong to this account",
			})
		case errors.Is(err, ErrInvalidState):
			c.JSON(http.StatusConflict, gin.H{
				"error":   "invalid_state",
				"message": err.Error(),
			})
		case errors.Is(err, market.ErrAccountNotFound),
			errors.Is(err, market.ErrListingNotFound),
			errors.Is(err, market.ErrOfferNotFound),
			errors.Is(err, market.ErrRequestNotFound):
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": err.Error(),
			})
		case isEscrowError(err):
			c.JSON(http.StatusBadGateway, gin.H{
				"error":   "escrow_error",
				"message": "Escrow provider rejected or failed the transaction",
			})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "settlement_error",
				"message": "Failed to complete purchase",
			})
		}
		return
	}

	c.JSON(http.StatusCreated, result)
}

// CancelLedgerRequest carries the cancellation reason.
type CancelLedgerRequest struct {
	Reason string `json:"reason"`
}

// CancelLedger handles POST /ledgers/:id/cancel
func (h *Handler) CancelLedger(c *gin.Context) {
	var req CancelLedgerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	// The reason is forwarded verbatim to the escrow provider.
	req.Reason = validation.SanitizeString(req.Reason, 500)
	if verrs := validation.Validate(
		validation.Required("reason", req.Reason),
	); len(verrs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": verrs.Error(),
			"details": verrs,
		})
		return
	}

	ledger, err := h.service.Cancel(c.Request.Context(), c.Param("id"), req.Reason)
	if err != nil {
		switch {
		case errors.Is(err, ErrLedgerNotFound):
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Ledger not found",
			})
		case errors.Is(err, ErrInvalidState):
			c.JSON(http.StatusConflict, gin.H{
				"error":   "invalid_state",
				"message": err.Error(),
			})
		case isEscrowError(err):
			c.JSON(http.StatusBadGateway, gin.H{
				"error":   "escrow_error",
				"message": "Failed to cancel escrow transaction",
			})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "cancel_error",
				"message": "Failed to cancel ledger",
			})
		}
		return
	}

	c.JSON(http.StatusOK, ledger)
}

// GetLedger handles GET /ledgers/:id
func (h *Handler) GetLedger(c *gin.Context) {
	ledger, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrLedgerNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Ledger not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "ledger_error",
			"message": "Failed to retrieve ledger",
		})
		return
	}
	c.JSON(http.StatusOK, ledger)
}

// ListLedgers handles GET /ledgers
func (h *Handler) ListLedgers(c *gin.Context) {
	filter := Filter{
		Account:    c.Query("account"),
		Status:     Status(c.Query("status")),
		TrackingID: c.Query("trackingId"),
		Hash:       c.Query("hash"),
		Reference:  c.Query("reference"),
	}

	// Malformed identifier filters can never match; reject rather than scan.
	if filter.TrackingID != "" && !validation.IsValidTrackingCode(filter.TrackingID) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Malformed tracking code",
		})
		return
	}
	if filter.Hash != "" && !validation.IsValidSettlementHash(filter.Hash) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Malformed settlement hash",
		})
		return
	}

	ledgers, err := h.service.List(c.Request.Context(), filter)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "ledger_error",
			"message": "Failed to list ledgers",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ledgers": ledgers})
}

// Analytics handles GET /accounts/:id/ledger-analytics
func (h *Handler) Analytics(c *gin.Context) {
	analytics, err := h.service.AccountAnalytics(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "analytics_error",
			"message": "Failed to compute analytics",
		})
		return
	}
	c.JSON(http.StatusOK, analytics)
}

func isEscrowError(err error) bool {
	var ee *escrow.Error
	return errors.As(err, &ee) || errors.Is(err, escrow.ErrUnavailable)
}

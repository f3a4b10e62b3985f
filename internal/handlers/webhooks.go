package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"bursar/internal/ledger"
	"bursar/internal/settlement"
)

// PostTelephonyEvent ingests one usage event from the telephony platform.
// Redeliveries are safe; the settlement pipeline deduplicates on event_id.
func PostTelephonyEvent(c *gin.Context) {
	var evt settlement.Event
	if err := c.ShouldBindJSON(&evt); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid event payload"})
		return
	}

	result, err := processor.Process(c.Request.Context(), &evt)
	if err != nil {
		var malformed *settlement.MalformedEventError
		switch {
		case errors.As(err, &malformed):
			c.JSON(http.StatusBadRequest, gin.H{"error": malformed.Error()})
		case ledger.IsInsufficientFunds(err):
			countEvent(evt.EventType, settlement.StatusRejected)
			c.JSON(http.StatusPaymentRequired, gin.H{
				"error":  err.Error(),
				"result": result,
			})
		case errors.Is(err, ledger.ErrWalletInactive):
			countEvent(evt.EventType, settlement.StatusRejected)
			c.JSON(http.StatusConflict, gin.H{"error": "wallet is deactivated"})
		default:
			logger.WithError(err).WithField("event_id", evt.EventID).Error("Settlement failed")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "settlement failed"})
		}
		return
	}

	countEvent(evt.EventType, result.Status)
	if result.Status == settlement.StatusSettled && metrics != nil {
		metrics.SettledCents.WithLabelValues(evt.EventType).Add(float64(result.CostCents))
	}
	c.JSON(http.StatusOK, result)
}

func countEvent(eventType, status string) {
	if metrics == nil || status == "" {
		return
	}
	metrics.EventsProcessed.WithLabelValues(eventType, status).Inc()
}

// ReconcileTenant runs an on-demand audit of one tenant's ledger.
func ReconcileTenant(c *gin.Context) {
	tenantID := c.Param("tenant_id")

	report, err := reconciler.ReconcileTenant(c.Request.Context(), tenantID)
	if err != nil {
		if errors.Is(err, ledger.ErrWalletNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "wallet not found"})
			return
		}
		logger.WithError(err).WithField("tenant_id", tenantID).Error("Reconciliation failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "reconciliation failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"clean":  report.Clean(),
		"report": report,
	})
}

// ReconcileAll runs an on-demand audit of every tenant.
func ReconcileAll(c *gin.Context) {
	report, err := reconciler.ReconcileAll(c.Request.Context())
	if err != nil {
		logger.WithError(err).Error("Reconciliation failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "reconciliation failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"clean":  report.Clean(),
		"report": report,
	})
}

type createWalletRequest struct {
	TenantID string `json:"tenant_id" binding:"required"`
}

// CreateWallet provisions a wallet for a new tenant. Idempotent.
func CreateWallet(c *gin.Context) {
	var req createWalletRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "tenant_id is required"})
		return
	}

	wallet, err := walletLedger.EnsureWallet(c.Request.Context(), req.TenantID)
	if err != nil {
		logger.WithError(err).WithField("tenant_id", req.TenantID).Error("Failed to create wallet")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create wallet"})
		return
	}
	c.JSON(http.StatusCreated, wallet)
}

// DeactivateWallet stops billing for a tenant, usually on offboarding.
func DeactivateWallet(c *gin.Context) {
	tenantID := c.Param("tenant_id")

	if err := walletLedger.DeactivateWallet(c.Request.Context(), tenantID); err != nil {
		respondLedgerError(c, err)
		return
	}
	statusCache.Invalidate(c.Request.Context(), tenantID)
	c.JSON(http.StatusOK, gin.H{"tenant_id": tenantID, "is_active": false})
}

// GetBillingStatus answers the call gateway's pre-dial check from cache
// when possible, falling back to the wallet row.
func GetBillingStatus(c *gin.Context) {
	tenantID := c.Param("tenant_id")
	ctx := c.Request.Context()

	if status, ok := statusCache.Get(ctx, tenantID); ok {
		c.JSON(http.StatusOK, gin.H{"tenant_id": tenantID, "billing_status": status, "cached": true})
		return
	}

	wallet, err := walletLedger.GetWallet(ctx, tenantID)
	if err != nil {
		respondLedgerError(c, err)
		return
	}

	status := billingStatusFor(wallet)
	statusCache.Set(ctx, tenantID, status)
	c.JSON(http.StatusOK, gin.H{"tenant_id": tenantID, "billing_status": status, "cached": false})
}

// Package handlers exposes Bursar's HTTP surface: a tenant-facing wallet
// API behind JWT auth and a service-facing ingest/admin API behind the
// shared service token.
package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"bursar/internal/ledger"
	"bursar/internal/settlement"
	"bursar/pkg/logging"
)

// GetWallet returns the authenticated tenant's wallet and billing status.
func GetWallet(c *gin.Context) {
	tenantID := c.GetString("tenant_id")

	wallet, err := walletLedger.GetWallet(c.Request.Context(), tenantID)
	if err != nil {
		respondLedgerError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"wallet":         wallet,
		"billing_status": billingStatusFor(wallet),
	})
}

// billingStatusFor derives the tenant's status from the ledger: blocked
// once the balance sits at the debt ceiling, low strictly below the
// threshold, ok otherwise. A balance exactly at the threshold is ok.
func billingStatusFor(w *ledger.Wallet) string {
	switch {
	case w.BalanceCents <= -w.DebtLimitCents:
		return settlement.StatusBlocked
	case w.BalanceCents < w.LowBalanceThresholdCents:
		return settlement.StatusLow
	}
	return settlement.StatusOK
}

// ListTransactions returns the tenant's balance history, newest first.
func ListTransactions(c *gin.Context) {
	tenantID := c.GetString("tenant_id")

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))

	txns, err := walletLedger.ListTransactions(c.Request.Context(), tenantID, limit, offset)
	if err != nil {
		logger.WithError(err).WithField("tenant_id", tenantID).Error("Failed to list transactions")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list transactions"})
		return
	}
	if txns == nil {
		txns = []*ledger.Transaction{}
	}
	c.JSON(http.StatusOK, gin.H{
		"transactions": txns,
		"limit":        limit,
		"offset":       offset,
	})
}

// GetRechargeConfig returns the tenant's auto-recharge settings.
func GetRechargeConfig(c *gin.Context) {
	tenantID := c.GetString("tenant_id")

	cfg, err := walletLedger.GetRechargeConfig(c.Request.Context(), tenantID)
	if err != nil {
		respondLedgerError(c, err)
		return
	}
	c.JSON(http.StatusOK, cfg)
}

// UpdateRechargeConfig replaces the tenant's auto-recharge settings.
func UpdateRechargeConfig(c *gin.Context) {
	tenantID := c.GetString("tenant_id")

	var cfg ledger.RechargeConfig
	if err := c.ShouldBindJSON(&cfg); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	if err := walletLedger.UpdateRechargeConfig(c.Request.Context(), tenantID, cfg); err != nil {
		if errors.Is(err, ledger.ErrWalletNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "wallet not found"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	statusCache.Invalidate(c.Request.Context(), tenantID)
	c.JSON(http.StatusOK, cfg)
}

type adjustmentRequest struct {
	Direction   string `json:"direction" binding:"required"`
	AmountCents int64  `json:"amount_cents" binding:"required"`
	Description string `json:"description"`
}

// CreateAdjustment applies a manual balance correction. Admin only; the
// adjustment lands as a normal ledger row so history stays complete.
func CreateAdjustment(c *gin.Context) {
	tenantID := c.Param("tenant_id")

	var req adjustmentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	var (
		txn *ledger.Transaction
		err error
	)
	switch req.Direction {
	case ledger.DirectionCredit:
		txn, _, err = walletLedger.ApplyCredit(c.Request.Context(), ledger.CreditParams{
			TenantID:    tenantID,
			AmountCents: req.AmountCents,
			Reason:      ledger.ReasonManualAdjustment,
			Description: req.Description,
		})
	case ledger.DirectionDebit:
		txn, _, err = walletLedger.ApplyDebit(c.Request.Context(), ledger.DebitParams{
			TenantID:    tenantID,
			AmountCents: req.AmountCents,
			Reason:      ledger.ReasonManualAdjustment,
			Description: req.Description,
			// Operators may push a balance negative to claw back credits.
			AllowOverdraft: true,
		})
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "direction must be debit or credit"})
		return
	}
	if err != nil {
		respondLedgerError(c, err)
		return
	}

	statusCache.Invalidate(c.Request.Context(), tenantID)
	logger.WithFields(logging.Fields{
		"tenant_id":      tenantID,
		"direction":      req.Direction,
		"amount_cents":   req.AmountCents,
		"transaction_id": txn.ID,
		"admin_user":     c.GetString("user_id"),
	}).Info("Manual adjustment applied")
	c.JSON(http.StatusCreated, txn)
}

func respondLedgerError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ledger.ErrWalletNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "wallet not found"})
	case errors.Is(err, ledger.ErrWalletInactive):
		c.JSON(http.StatusConflict, gin.H{"error": "wallet is deactivated"})
	case errors.Is(err, ledger.ErrInvalidAmount):
		c.JSON(http.StatusBadRequest, gin.H{"error": "amount must be positive"})
	case ledger.IsInsufficientFunds(err):
		c.JSON(http.StatusPaymentRequired, gin.H{"error": err.Error()})
	default:
		logger.WithError(err).Error("Wallet operation failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

package ledger

import (
	"errors"
	"fmt"
)

var (
	// ErrWalletNotFound is returned when a tenant has no wallet for the
	// ledger currency.
	ErrWalletNotFound = errors.New("wallet not found")

	// ErrWalletInactive is returned when the tenant's wallet has been
	// deactivated.
	ErrWalletInactive = errors.New("wallet is deactivated")

	// ErrInvalidAmount is returned when a mutation amount is not positive.
	ErrInvalidAmount = errors.New("amount must be positive")
)

// InsufficientFundsError is returned when a debit would push the balance
// below the tenant's debt ceiling. The debit is rejected, never clamped;
// the caller decides what happens to the underlying business event.
type InsufficientFundsError struct {
	TenantID       string
	BalanceCents   int64
	DebtLimitCents int64
	AmountCents    int64
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds for tenant %s: balance %d, debt limit %d, requested debit %d",
		e.TenantID, e.BalanceCents, e.DebtLimitCents, e.AmountCents)
}

// IsInsufficientFunds reports whether err is an InsufficientFundsError.
func IsInsufficientFunds(err error) bool {
	var target *InsufficientFundsError
	return errors.As(err, &target)
}

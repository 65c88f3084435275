package paper

import "errors"

var (
	ErrAccountNotFound      = errors.New("account not found")
	ErrAccountInactive      = errors.New("account is inactive")
	ErrInsufficientFunds    = errors.New("insufficient funds")
	ErrInsufficientPosition = errors.New("insufficient position")
	ErrOrderNotPending      = errors.New("order is not pending")
	ErrOrderNotFound        = errors.New("order not found")
)

package errors

import (
	"context"
	"errors"

	"go.uber.org/zap"
)

var (
	// ErrInvalidCode is returned when a referral code fails validation.
	ErrInvalidCode = errors.New("invalid referral code")
	// ErrNotFound is returned when no progress record exists in the store.
	ErrNotFound = errors.New("progress record not found")
	// ErrWalletConflict is returned when a second distinct wallet tries to
	// attach to a progress record already bound to another wallet.
	ErrWalletConflict = errors.New("progress already bound to a different wallet")
	// ErrAlreadyAttributed is returned when the remote ledger reports the
	// wallet is already linked to a referrer.
	ErrAlreadyAttributed = errors.New("wallet already attributed")
	// ErrBusy is returned when a trigger is dropped because another
	// operation holds the single-flight guard.
	ErrBusy = errors.New("attribution operation already in flight")
)

// New creates a new error with the given message.
func New(msg string) error {
	return errors.New(msg)
}

// Wrap wraps an error with additional context.
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	return errors.New(msg + ": " + err.Error())
}

// LogWithError logs the error with context and returns a wrapped error.
func LogWithError(ctx context.Context, log *zap.Logger, msg string, err error, fields ...zap.Field) error {
	if log != nil {
		if ctx != nil {
			if reqID, ok := ctx.Value("request_id").(string); ok && reqID != "" {
				fields = append(fields, zap.String("request_id", reqID))
			}
		}
		log.Error(msg, append(fields, zap.Error(err))...)
	}
	return Wrap(err, msg)
}

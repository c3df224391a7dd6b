package models

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-sql-driver/mysql"
	"github.com/mmdatafocus/nursery_backend/utils"
	"gorm.io/gorm"
)

var (
	ErrRecordNotFound = utils.ErrorRecordNotFound
	ErrEventImmutable = errors.New("inventory events are append-only")
	ErrInvalidInput   = errors.New("invalid input")
	ErrMissingScope   = errors.New("organization and actor are required")
)

// InsufficientStockError is returned when the product-wide pool cannot cover a Tier 1 reservation.
type InsufficientStockError struct {
	ProductId int `json:"product_id"`
	Requested int `json:"requested"`
	Available int `json:"available"`
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for product %d: requested %d, available %d", e.ProductId, e.Requested, e.Available)
}

// InsufficientBatchStockError is returned when a batch cannot take or restore a hold.
type InsufficientBatchStockError struct {
	BatchId   int `json:"batch_id"`
	Requested int `json:"requested"`
	Available int `json:"available"`
}

func (e *InsufficientBatchStockError) Error() string {
	return fmt.Sprintf("insufficient stock on batch %d: requested %d, available %d", e.BatchId, e.Requested, e.Available)
}

// PreconditionFailedError means the target is in the wrong state for the operation.
type PreconditionFailedError struct {
	Entity string `json:"entity"`
	Id     int    `json:"id"`
	Reason string `json:"reason"`
}

func (e *PreconditionFailedError) Error() string {
	return fmt.Sprintf("%s %d: %s", e.Entity, e.Id, e.Reason)
}

func batchPrecondition(id int, format string, args ...any) *PreconditionFailedError {
	return &PreconditionFailedError{Entity: "batch", Id: id, Reason: fmt.Sprintf(format, args...)}
}

func allocationPrecondition(id int, format string, args ...any) *PreconditionFailedError {
	return &PreconditionFailedError{Entity: "allocation", Id: id, Reason: fmt.Sprintf(format, args...)}
}

// PersistenceError wraps a store failure that aborted the transaction.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s: persistence failure: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// TimeoutError is returned when a lock wait or the operation deadline expired.
type TimeoutError struct {
	Op  string
	Err error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s: timed out: %v", e.Op, e.Err)
}

func (e *TimeoutError) Unwrap() error { return e.Err }

// MaterialConsumptionWarning reports that actualization committed but the material side effect did not.
type MaterialConsumptionWarning struct {
	BatchId int    `json:"batch_id"`
	Message string `json:"message"`
	Err     error  `json:"-"`
}

func (w *MaterialConsumptionWarning) Error() string {
	return fmt.Sprintf("batch %d actualized; material consumption failed: %s", w.BatchId, w.Message)
}

func (w *MaterialConsumptionWarning) Unwrap() error { return w.Err }

type ValidationError struct {
	Err error
}

func (e *ValidationError) Error() string { return e.Err.Error() }

func (e *ValidationError) Unwrap() error { return ErrInvalidInput }

func validateInput(input any) error {
	if err := utils.ValidateInput(input); err != nil {
		return &ValidationError{Err: err}
	}
	return nil
}

// isDomainError reports whether err already carries a ledger classification.
func isDomainError(err error) bool {
	var (
		stockErr   *InsufficientStockError
		batchErr   *InsufficientBatchStockError
		precondErr *PreconditionFailedError
		persistErr *PersistenceError
		timeoutErr *TimeoutError
		validErr   *ValidationError
	)
	return errors.As(err, &stockErr) || errors.As(err, &batchErr) || errors.As(err, &precondErr) ||
		errors.As(err, &persistErr) || errors.As(err, &timeoutErr) || errors.As(err, &validErr) ||
		errors.Is(err, ErrRecordNotFound) || errors.Is(err, ErrEventImmutable) || errors.Is(err, ErrMissingScope) ||
		errors.Is(err, ErrInvalidInput)
}

// classifyStoreError maps raw driver and gorm errors onto the ledger's error kinds.
func classifyStoreError(op string, err error) error {
	if err == nil || isDomainError(err) {
		return err
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%s: %w", op, ErrRecordNotFound)
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return &TimeoutError{Op: op, Err: err}
	}
	if errors.Is(err, utils.ErrLockNotObtained) {
		return &TimeoutError{Op: op, Err: err}
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		switch myErr.Number {
		case 1205, 3024:
			// lock wait timeout, max_execution_time exceeded
			return &TimeoutError{Op: op, Err: err}
		}
	}
	return &PersistenceError{Op: op, Err: err}
}

package database

import (
	"errors"

	"github.com/mattn/go-sqlite3"
)

var (
	ErrBookingNotFound        = errors.New("booking not found")
	ErrSettingsNotFound       = errors.New("booking settings not found")
	ErrDisputeNotFound        = errors.New("dispute not found")
	ErrRefundNotFound         = errors.New("refund not found")
	ErrTaskNotFound           = errors.New("notification task not found")
	ErrSlotTaken              = errors.New("time slot is already taken")
	ErrConcurrentModification = errors.New("record was modified concurrently")
	ErrDuplicateDispute       = errors.New("booking already has a dispute")
	ErrDuplicateRefund        = errors.New("booking already has an unprocessed refund")
)

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
		sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
}

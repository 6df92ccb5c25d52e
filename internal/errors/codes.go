// Package errors provides standardized error codes and a unified error
// type for the consistency core. Every failure is classified as
// transient (retryable), structural (needs explicit handling), or fatal
// (data may be corrupted) so callers know how to react.
package errors

// ErrorCode represents a unique error code for specific error scenarios
type ErrorCode string

const (
	// Transaction errors
	CodeTransactionFailed    ErrorCode = "TRANSACTION_FAILED"
	CodeTransactionLimit     ErrorCode = "TRANSACTION_LIMIT"
	CodeTransactionTimeout   ErrorCode = "TRANSACTION_TIMEOUT"
	CodeTransactionNotActive ErrorCode = "TRANSACTION_NOT_ACTIVE"
	CodeRollbackFailed       ErrorCode = "ROLLBACK_FAILED"

	// Store errors
	CodeEntityNotFound   ErrorCode = "ENTITY_NOT_FOUND"
	CodeEntityExists     ErrorCode = "ENTITY_EXISTS"
	CodeRevisionMismatch ErrorCode = "REVISION_MISMATCH"
	CodeStoreFailure     ErrorCode = "STORE_FAILURE"

	// Version history errors
	CodeVersionNotFound  ErrorCode = "VERSION_NOT_FOUND"
	CodeHistoryExhausted ErrorCode = "HISTORY_EXHAUSTED"
	CodeApplyFailed      ErrorCode = "APPLY_FAILED"

	// Conflict errors
	CodeManualResolutionRequired ErrorCode = "MANUAL_RESOLUTION_REQUIRED"
	CodeChangeRejected           ErrorCode = "CHANGE_REJECTED"
	CodeInvalidChange            ErrorCode = "INVALID_CHANGE"

	// Integrity and backup errors
	CodeDataCorruption       ErrorCode = "DATA_CORRUPTION"
	CodeChecksumMismatch     ErrorCode = "CHECKSUM_MISMATCH"
	CodeBackupInFlight       ErrorCode = "BACKUP_IN_FLIGHT"
	CodeBackupNotFound       ErrorCode = "BACKUP_NOT_FOUND"
	CodeBackupUnverifiable   ErrorCode = "BACKUP_UNVERIFIABLE"
	CodeRestoreUnrecoverable ErrorCode = "RESTORE_UNRECOVERABLE"
	CodeRepairFailed         ErrorCode = "REPAIR_FAILED"

	// Configuration errors
	CodeInvalidConfig ErrorCode = "INVALID_CONFIG"

	// Generic
	CodeInternalError ErrorCode = "INTERNAL_ERROR"
	CodeTimeout       ErrorCode = "TIMEOUT"
	CodeClosed        ErrorCode = "CLOSED"
)

// String returns the code as a plain string.
func (c ErrorCode) String() string {
	return string(c)
}

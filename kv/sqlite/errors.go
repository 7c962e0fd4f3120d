package sqlite

import "strings"

// isUniqueViolation checks if the error is a UNIQUE constraint failure.
// The pure Go driver exposes SQLite result codes only through the error
// string, so this matches on the canonical constraint message.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "constraint failed: kv_entries.key")
}

// IsBusyError checks if the error is a SQLITE_BUSY error.
// This occurs when the database is locked by another connection.
func IsBusyError(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "SQLITE_BUSY") ||
		strings.Contains(err.Error(), "database is locked")
}

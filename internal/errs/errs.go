package errs

import (
	"context"
	"net"
	"net/http"

	"github.com/cockroachdb/errors"
	"github.com/go-sql-driver/mysql"
	"google.golang.org/api/googleapi"
	"gorm.io/gorm"
)

// Sentinel classes. Errors are tagged with errors.Mark so that callers can
// classify them with errors.Is without losing the original cause.
var (
	ErrTransient        = errors.New("transient provider error")
	ErrNotFound         = errors.New("not found")
	ErrDuplicateKey     = errors.New("duplicate key")
	ErrAlreadyExists    = errors.New("object already exists")
	ErrConsistencyGuard = errors.New("consistency guard violation")
	ErrAmbiguousMatch   = errors.New("ambiguous match")
	ErrNotLocatable     = errors.New("source document not locatable")
	ErrArchiveConflict  = errors.New("archive destination holds different content")
	ErrValidation       = errors.New("validation error")
	ErrLockNotObtained  = errors.New("lock not obtained")
)

// Mark tags err with the given class. A nil err stays nil.
func Mark(err error, class error) error {
	if err == nil {
		return nil
	}
	return errors.Mark(err, class)
}

// Newf builds a new error already tagged with class.
func Newf(class error, format string, args ...any) error {
	return errors.Mark(errors.Newf(format, args...), class)
}

// Wrapf wraps err with a message and tags it with class.
func Wrapf(err error, class error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return errors.Mark(errors.Wrapf(err, format, args...), class)
}

// Is reports whether err carries the class mark or wraps it.
func Is(err, class error) bool {
	return errors.Is(err, class)
}

// As is errors.As.
func As(err error, target any) bool {
	return errors.As(err, target)
}

// IsTransient reports whether err is worth retrying: explicitly marked
// transient errors, timeouts, rate limits and 5xx answers from Google APIs,
// and dropped MySQL connections.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTransient) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, mysql.ErrInvalidConn) {
		return true
	}

	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return gerr.Code == http.StatusTooManyRequests || gerr.Code >= http.StatusInternalServerError
	}

	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return true
	}
	return false
}

// IsNotFound reports whether err means the target vanished.
func IsNotFound(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, gorm.ErrRecordNotFound) {
		return true
	}
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return gerr.Code == http.StatusNotFound
	}
	return false
}

// IsDuplicateKey reports whether err is a unique constraint violation.
func IsDuplicateKey(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrDuplicateKey) || errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number == 1062
	}
	return false
}

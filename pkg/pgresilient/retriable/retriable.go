// Package retriable classifies errors returned by the PostgreSQL driver as
// transient (worth retrying) or fatal.
package retriable

import (
	"errors"
	"net"
	"strings"
	"syscall"

	"github.com/jackc/pgx/v5/pgconn"
)

// transientSQLStates is the closed set of PostgreSQL SQLSTATE classes this
// module considers recoverable by retry: connection exceptions (08),
// in-failed-transaction / invalid transaction state (25), transaction
// rollback (40), insufficient resources (53), object-not-in-prerequisite
// (55P03, lock_not_available), and system/admin shutdown (57).
var transientSQLStates = map[string]struct{}{
	"08000": {}, "08001": {}, "08003": {}, "08004": {}, "08006": {}, "08007": {}, "08P01": {},
	"25000": {}, "25001": {}, "25P01": {}, "25P02": {},
	"40000": {}, "40001": {}, "40002": {}, "40003": {}, "40P01": {},
	"53000": {}, "53100": {}, "53200": {}, "53300": {}, "53400": {},
	"55P03": {},
	"57000": {}, "57014": {}, "57P01": {}, "57P02": {}, "57P03": {}, "57P04": {}, "57P05": {},
}

// transientOSCodes is the closed set of OS/network-level error codes this
// module considers recoverable by retry.
var transientOSCodes = map[string]struct{}{
	"ECONNRESET": {}, "ECONNREFUSED": {}, "ECONNABORTED": {}, "ETIMEDOUT": {},
	"EPIPE": {}, "EHOSTUNREACH": {}, "ENETUNREACH": {}, "EAI_AGAIN": {},
}

// errnoNames maps the syscall.Errno values Go actually surfaces on Linux and
// Darwin to the symbolic names used in transientOSCodes. syscall.Errno's
// Error() string ("connection reset by peer") doesn't match the symbolic
// code, so this is a deliberate, explicit translation table rather than a
// string match.
var errnoNames = map[syscall.Errno]string{
	syscall.ECONNRESET:   "ECONNRESET",
	syscall.ECONNREFUSED: "ECONNREFUSED",
	syscall.ECONNABORTED: "ECONNABORTED",
	syscall.ETIMEDOUT:    "ETIMEDOUT",
	syscall.EPIPE:        "EPIPE",
	syscall.EHOSTUNREACH: "EHOSTUNREACH",
	syscall.ENETUNREACH:  "ENETUNREACH",
}

// IsRetriable reports whether err is transient and worth retrying. It never
// panics and returns false for nil.
func IsRetriable(err error) bool {
	if err == nil {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		_, ok := transientSQLStates[strings.ToUpper(pgErr.Code)]
		return ok
	}

	var errno syscall.Errno
	if errors.As(err, &errno) {
		name, ok := errnoNames[errno]
		if !ok {
			return false
		}
		_, ok = transientOSCodes[name]
		return ok
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		if dnsErr.IsTemporary || dnsErr.IsTimeout {
			_, ok := transientOSCodes["EAI_AGAIN"]
			return ok
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		_, ok := transientOSCodes["ETIMEDOUT"]
		return ok
	}

	return false
}

// Code extracts the classification code carried by err, for logging. It
// returns the empty string when err carries no recognizable code.
func Code(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return strings.ToUpper(pgErr.Code)
	}

	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errnoNames[errno]
	}

	return ""
}

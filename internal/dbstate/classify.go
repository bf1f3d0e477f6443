package dbstate

import "strings"

var lockoutPatterns = []string{"server_login_retry", "query_wait_timeout"}

var authFailurePatterns = []string{
	"password authentication failed",
	"no pg_hba.conf entry",
	"permission denied for user",
	"role \"",
	"database \"",
}

var networkPatterns = []string{
	"connection refused",
	"connect: connection refused",
	"timeout",
	"timed out",
	"no such host",
	"host is unreachable",
	"network is unreachable",
	"i/o timeout",
	"dial tcp",
}

// ClassifyError maps a low-level database error message to a closed
// ErrorClass enumeration. A pattern-matching classifier (rather than
// typed exceptions) is stable across driver versions.
func ClassifyError(err error) ErrorClass {
	if err == nil {
		return ClassOther
	}
	msg := strings.ToLower(err.Error())

	for _, p := range lockoutPatterns {
		if strings.Contains(msg, p) {
			return ClassLockout
		}
	}

	for _, p := range authFailurePatterns {
		if strings.Contains(msg, p) {
			return ClassAuthFailure
		}
	}
	if strings.Contains(msg, "role ") && strings.Contains(msg, "does not exist") {
		return ClassAuthFailure
	}
	if strings.Contains(msg, "database ") && strings.Contains(msg, "does not exist") {
		return ClassAuthFailure
	}
	if strings.Contains(msg, "fatal:") {
		return ClassAuthFailure
	}

	for _, p := range networkPatterns {
		if strings.Contains(msg, p) {
			return ClassNetwork
		}
	}

	return ClassOther
}

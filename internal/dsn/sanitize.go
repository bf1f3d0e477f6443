// Package dsn validates and normalizes PostgreSQL connection strings,
// extracting a safe component set for logging that never includes the
// password.
package dsn

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/mccabetrow/dragonfly-api/internal/logging"
)

// Sanitized holds the components of a DSN. Password is not a field of
// its own, but Raw keeps the trimmed input, password included, and is not
// for logs; String renders only the password-free fields.
type Sanitized struct {
	Raw              string
	Host             string
	Port             string
	User             string
	DBName           string
	SSLMode          string
	PasswordEncoded  bool
	StrippedLeading  bool
	StrippedTrailing bool
}

// String renders the safe component set, suitable for logs.
func (s Sanitized) String() string {
	return fmt.Sprintf("host=%s port=%s user=%s dbname=%s sslmode=%s",
		s.Host, s.Port, s.User, s.DBName, s.SSLMode)
}

// Error describes why sanitization rejected a DSN. It carries the safe
// component set extracted on a best-effort basis, never the password.
type Error struct {
	Message string
	Safe    Sanitized
}

func (e *Error) Error() string { return e.Message }

var weakSSLModes = map[string]bool{"disable": true, "allow": true, "prefer": true}

// Sanitize validates and normalizes raw. A nil input returns the zero-value
// Sanitized without error ("empty sentinel"). Rejection returns an *Error
// carrying only non-secret components.
func Sanitize(raw *string) (Sanitized, error) {
	if raw == nil {
		return Sanitized{}, nil
	}

	original := *raw
	trimmed := strings.TrimSpace(original)

	sanitized := Sanitized{
		Raw:              trimmed,
		StrippedLeading:  original != strings.TrimLeft(original, " \t\r\n"),
		StrippedTrailing: original != strings.TrimRight(original, " \t\r\n"),
	}

	if isQuoted(trimmed) {
		return Sanitized{}, &Error{
			Message: "DSN is wrapped in quotes - remove them from the environment variable",
			Safe:    extractSafeComponents(strings.Trim(trimmed, `"'`)),
		}
	}

	if idx := indexOfWhitespace(trimmed); idx >= 0 {
		firstToken := trimmed
		if fields := strings.Fields(trimmed); len(fields) > 0 {
			firstToken = fields[0]
		}
		return Sanitized{}, &Error{
			Message: fmt.Sprintf("DSN contains whitespace at position %d - this indicates a malformed connection string", idx),
			Safe:    extractSafeComponents(firstToken),
		}
	}

	safe := extractSafeComponents(trimmed)
	safe.StrippedLeading = sanitized.StrippedLeading
	safe.StrippedTrailing = sanitized.StrippedTrailing
	safe.Raw = trimmed

	if safe.SSLMode == "" || weakSSLModes[safe.SSLMode] {
		logging.Default().Warnf("DSN sslmode %q upgraded to require", safe.SSLMode)
		safe.SSLMode = "require"
	}

	return safe, nil
}

func isQuoted(s string) bool {
	if len(s) < 2 {
		return false
	}
	first, last := s[0], s[len(s)-1]
	return (first == '"' && last == '"') || (first == '\'' && last == '\'')
}

func indexOfWhitespace(s string) int {
	for i, r := range s {
		switch r {
		case ' ', '\t', '\r', '\n':
			return i
		}
	}
	return -1
}

func extractSafeComponents(raw string) Sanitized {
	u, err := url.Parse(raw)
	if err != nil {
		return Sanitized{}
	}

	port := u.Port()
	if port == "" {
		port = "5432"
	}

	sslmode := u.Query().Get("sslmode")

	_, hasPassword := u.User.Password()

	return Sanitized{
		Host:            u.Hostname(),
		Port:            port,
		User:            u.User.Username(),
		DBName:          strings.TrimPrefix(u.Path, "/"),
		SSLMode:         sslmode,
		PasswordEncoded: hasPassword,
	}
}

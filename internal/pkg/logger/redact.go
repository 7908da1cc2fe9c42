package logger

import "strings"

// RedactEmail masks an address for logging while keeping its domain, which
// is what operators need to diagnose provider and capacity problems.
// "maria.lopez@example.com" becomes "ma***@example.com"; local parts of two
// characters or fewer are fully masked. Values without exactly one "@" are
// masked entirely.
func RedactEmail(email string) string {
	email = strings.TrimSpace(email)
	if email == "" {
		return ""
	}
	at := strings.LastIndex(email, "@")
	if at < 0 || strings.Count(email, "@") != 1 {
		return "***@***"
	}
	name, host := email[:at], email[at+1:]
	if len(name) > 2 {
		return name[:2] + "***@" + host
	}
	return "***@" + host
}

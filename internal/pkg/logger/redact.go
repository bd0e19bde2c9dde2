package logger

import "strings"

// RedactEmail masks a subscriber address so delivery logs never carry a
// usable email. The domain stays visible for debugging provider issues;
// the local part keeps at most two leading characters. Anything not shaped
// like a single address masks completely.
func RedactEmail(email string) string {
	at := strings.IndexByte(email, '@')
	if at < 0 || strings.IndexByte(email[at+1:], '@') >= 0 {
		return "***@***"
	}
	local, domain := email[:at], email[at+1:]
	if len(local) <= 2 {
		return "***@" + domain
	}
	return local[:2] + "***@" + domain
}

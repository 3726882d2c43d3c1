package logger

import "strings"

// RedactEmail masks the local part of an address, keeping two leading
// characters when there are more than two: "ada.l@x.io" -> "ad***@x.io".
// A display-name form such as "Ada <ada@x.io>" keeps the name.
func RedactEmail(email string) string {
	if i := strings.LastIndex(email, "<"); i >= 0 && strings.HasSuffix(email, ">") {
		return email[:i+1] + RedactEmail(email[i+1:len(email)-1]) + ">"
	}
	at := strings.LastIndex(email, "@")
	if at <= 0 || at == len(email)-1 {
		return "***@***"
	}
	local, domain := email[:at], email[at+1:]
	if len(local) > 2 {
		return local[:2] + "***@" + domain
	}
	return "***@" + domain
}

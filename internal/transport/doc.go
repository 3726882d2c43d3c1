// Package transport provides sending.Transport implementations: Amazon SES,
// plain SMTP relays and a log-only transport for dry runs.
package transport

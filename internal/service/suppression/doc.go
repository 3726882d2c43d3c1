// Package suppression owns the organization-wide do-not-send list.
//
// Entries are written by the event ingestor when a contact unsubscribes,
// bounces or complains, and by manual admin actions. The recipient resolver
// and the send executor consult it before a contact is targeted and again
// immediately before every dispatch.
package suppression

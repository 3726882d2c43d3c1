// Package httputil holds the JSON response and request helpers shared by
// the campaign, sequence, suppression and event handlers.
package httputil

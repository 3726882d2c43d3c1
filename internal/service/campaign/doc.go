// Package campaign implements the campaign controller: definition CRUD, the
// draft → scheduled → sending → paused/completed/cancelled lifecycle, A/B
// winner selection and aggregate stat rollups.
//
// Sends themselves are performed by the executor; the controller freezes
// recipients, plans their due times and hands them to the scheduler queue.
// Background loops promote due scheduled campaigns, evaluate A/B tests and
// detect completion.
package campaign

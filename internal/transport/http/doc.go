// Package http exposes the license controller to the desktop UI over a
// loopback HTTP API and a WebSocket notification stream.
//
// Handlers stay thin: they decode and validate the request, call the
// controller, and render either a JSON body or RFC 7807 problem details.
//
//	GET  /api/license/status       current verdict, never blocks
//	POST /api/license/activate     activate a license key
//	POST /api/license/validate     re-run the online check now
//	POST /api/license/deactivate   release this machine's seat
//	GET  /api/license/events       verdict change notifications (WebSocket)
//	GET  /api/entitlements         features of the active tier (gated)
//	GET  /ws                       same stream as /api/license/events
package http

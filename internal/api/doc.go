// Package api provides the marketplace REST client.
//
// Every endpoint answers with the envelope
//
//	{"success": true, "data": ...}
//	{"success": false, "message": "..."}
//
// A success:false answer is returned as an *APIError with Rejected set; the
// caller decides whether to surface or retry it. The private channel grant
// endpoint is the only one that answers with a bare {"auth": "..."} body.
package api

// Package httpmw holds the request-scoped middleware of the admin
// server: logger enrichment, access logging, panic recovery and trace
// response headers. Request ids come from chi's RequestID middleware,
// which must run outside WithLogger.
package httpmw

// Package api hosts the HTTP surface of the session engine.
//
// The SRS http_hooks callback at /api/srs drives session admission,
// metering and lifecycle through session.Resolver. Replies always carry
// HTTP 200 with an SRS reply code: 0 allows the action, 1 reports an
// internal or admission failure and 2 rejects a malformed request.
//
// Handlers assume the request-id and logging middleware from
// internal/server wrap them and use the request context for logging.
package api

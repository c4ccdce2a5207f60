// Package server assembles the HTTP server fronting the session engine.
//
// Every route shares one middleware chain: request ids, request logging
// and Prometheus request metrics.
package server

// Package ingest talks to the SRS edge nodes that accept broadcaster
// connections.
//
// Every session remembers the edge address its publish callback came from
// and the SRS client id of the publisher. When a balance runs out the
// session engine asks a Factory for the Controller of that edge and calls
// KickClient, which maps to
//
//	DELETE {scheme}://{edge}:{api port}/api/v1/clients/{client id}
//
// on the SRS HTTP API. Calls are retried with a fixed interval and bounded
// by the configured HTTP timeout.
//
// Segment references reported by on_hls callbacks are relative to the
// edge's HTTP server; SegmentURL turns them into absolute URLs the DVR store
// can fetch.
package ingest

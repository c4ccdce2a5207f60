// Package edgestub hosts a deterministic fake of the SRS edge HTTP API for
// tests. It serves client kicks under /api/v1/clients/ and static segment
// files under /segments/, records every call, and can be told to fail the
// first N kicks so retry behaviour can be asserted.
package edgestub

// Package server implements the WebSocket listener for the whisper stream
// service. The service port speaks only the WebSocket protocol: plain HTTP
// requests are rejected at the transport level without an HTTP response.
// Each accepted connection is bound to exactly one session; the read pump
// feeds frames in, the write pump delivers ordered segments and finishes the
// close handshake. An optional second listener exposes Prometheus metrics.
package server

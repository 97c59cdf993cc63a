// Package protocol defines the WebSocket message protocol between clients and
// the service. It handles audio frame validation for inbound binary messages,
// JSON control message parsing for inbound text messages, and the outbound
// envelope types (ready, segment, error).
package protocol

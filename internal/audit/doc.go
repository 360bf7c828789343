// Package audit implements async event dispatching for security-relevant operations.
//
// # Components
//
//   - [Sink]: interface for event consumers (channel, JSON writer, slog, no-op).
//   - [Dispatcher]: buffered async relay with drop-if-full / block-if-full semantics.
//   - [Event]: structured audit record with timestamp, type, account, JTI, IP, metadata.
//
// This package owns event buffering and sink delivery. It does not decide which events
// to emit; the Engine does. It imports nothing from vpnauth.
package audit

// Package api exposes the orchestrator over HTTP: a synchronous endpoint, an
// SSE stream, a WebSocket stream and asynchronous trigger submission backed by
// the task pipeline. Endpoints under /api/v1 can be guarded by API keys.
package api

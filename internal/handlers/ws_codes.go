// internal/handlers/ws_codes.go
package handlers

// Custom WebSocket close codes used by the multiplayer handler. These provide
// more specific reasons for closure than standard codes.
const (
	BadSubprotocolError   = 3000 // Client connected with an unsupported subprotocol.
	InvalidAuthTokenError = 3001 // Provided auth token was invalid or expired.
	ConnectionSuperseded  = 3002 // A newer session for the same user replaced this connection.
)

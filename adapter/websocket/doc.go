// Package websocket carries queries over a WebSocket connection.
//
// Transport name: "websocket"
//
// Each frame is one JSON document: a query.Request from client to server or
// a query.Response from server to client. The protocol version travels as
// the negotiated subprotocol; a server that does not speak it leaves the
// client in dispatch.IncompatibleVersion. A rejected bearer token leaves it
// in dispatch.AuthenticationFailure. Neither state is retried.
//
// Minimal config keys:
// - url: "ws://host:port/path" (required)
// - token: bearer token sent on the handshake (optional)
// - handshake_timeout: dial timeout (default 5s)
// - write_timeout: per-frame write deadline (default 5s)
// - ping_interval: keepalive ping period, 0 disables (default 30s)
//
// Serving side:
//
//	h := websocket.NewHandler(store, websocket.WithToken(secret))
//	http.Handle("/xtrack", h)
//	defer h.Close()
package websocket

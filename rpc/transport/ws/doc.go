// Package ws implements a byte stream transport over WebSockets, using
// gorilla/websocket. It lets the RPC protocols pass through HTTP
// infrastructure such as reverse proxies.
//
// The package focuses on:
//   - Client-side dialing of ws:// and wss:// URLs built from the endpoint
//   - Server-side HTTP server that upgrades requests on the endpoint's path
//     option and hands the connections to Accept
//   - Adapting a message based websocket connection to net.Conn
//
// Key Components:
//
//   - wsConn: net.Conn over binary websocket messages. Each Write is one
//     message; Read yields the concatenated message payloads.
//
//   - listener: net.Listener backed by an http.Server. Upgraded connections
//     are passed through a channel to Accept.
//
// Thread Safety:
//
//	Writes on a wsConn are serialized with a mutex. Reads must come from a
//	single goroutine, which is how the connection layer uses them.
package ws

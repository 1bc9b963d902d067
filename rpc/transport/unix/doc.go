// Package unix implements the byte stream transport over Unix domain sockets.
// It provides communication for processes running on the same machine.
//
// Endpoints carry the socket path: "unix:///run/app.sock". An existing socket
// file at that path is removed before listening.
//
// Key Components:
//
//   - clientConnector: Establishes connections using Unix domain sockets
//
//   - serverConnector: Creates Unix socket listeners and accepts connections
package unix

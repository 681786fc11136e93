// Package server is the HTTP and websocket transport layer. It
// authenticates connection attempts, upgrades sockets, and routes client
// frames into the application service.
package server

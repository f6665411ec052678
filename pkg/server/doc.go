// Package server provides the relay's HTTP and WebSocket surfaces.
//
// The server owns one room.Manager. WebSocket clients attach to a room
// at /{roomID}/sync and exchange sync, awareness and status frames (see
// pkg/protocol). REST clients read and write whole document state at
// /{roomID}/doc.
//
// # Connection Lifecycle
//
// Each WebSocket connection goes through three states:
//
//  1. Connecting: the ?token= credential is checked by the auth gate and
//     the connection joins its room. A rejected token closes with
//     CloseUnauthorized (4401), a rejected room with CloseRoomNotFound
//     (4404).
//  2. Open: the server queues its SYNC STEP1 and an awareness snapshot,
//     then runs two goroutines. ReadLoop decodes and handles frames one
//     at a time. WriteLoop drains the send queue and pings the client
//     every PingInterval.
//  3. Closed: the awareness entries the client published are removed
//     and the removal is broadcast, then the connection leaves its room.
//
// Document updates are forwarded to every connection except the one
// that produced them. A connection whose send queue fills up is closed
// rather than allowed to stall the room.
//
// # REST
//
// REST routes take credentials only from "Authorization: Bearer".
// Errors are JSON objects of the form {"error": "..."}:
//
//	GET  /rooms              {"rooms":[{"id":"r1","connections":2}]}
//	GET  /rooms/{id}/doc     full state, application/octet-stream
//	POST /rooms/{id}/doc     apply the body as an update, {"ok":true}
//
// Each route is also served without the /rooms prefix.
//
// # Example Usage
//
//	srv := server.New(server.DefaultConfig().
//	    WithAddr(":1234").
//	    WithAuth(&auth.Config{Secret: os.Getenv("RELAY_SECRET")}))
//
//	go srv.ListenAndServe()
//	defer srv.Shutdown(context.Background())
//
// # Thread Safety
//
//   - Connection.mu guards the controlled awareness ids
//   - Server.connMu guards the open-connection set
//   - room.Manager guards rooms, peers and eviction timers
//   - documents serialize their own mutation
package server

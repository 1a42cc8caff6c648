// Package server puts the gateway on the wire.
//
// Two transports share one method+path table (routes.go):
//
//   - HTTP with chi. Chat streams are Server-Sent Events ending in
//     "data: [DONE]". Closing the connection aborts the stream.
//   - The native frame protocol: 4-byte little-endian length plus JSON,
//     served on stdio, a unix socket, or a WebSocket at /ws/native. Each
//     frame is handled in its own goroutine; stream requests answer with
//     stream_chunk frames and a closing stream_end.
//
// Server.Run also exposes the standard gRPC health service when
// server.grpc_addr is set, and can listen on a tailnet through tsnet.
package server

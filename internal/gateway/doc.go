// Package gateway is the transport-agnostic entry point for sessions and
// chat.
//
// # Overview
//
// A Gateway is built explicitly from a store.Store and an engine Backend
// (normally *engine.Adapter). Both the HTTP/SSE server and the framed native
// host call the same methods:
//
//	CreateSession, GetSession, ListSessions, DeleteSession, ResumeSession,
//	UpdateSessionStatus, ListMessages, CorrectMessage,
//	SendChat, StreamChat, Abort, Health, ListModels
//
// # Chat
//
// Every chat first stores the user message, then calls the engine. SendChat
// blocks for the full reply and stores it. StreamChat returns a *Stream whose
// Next yields canonical stream events; the assistant reply is stored when
// the engine goes idle and its id rides on the final done event. A session
// therefore holds 2N messages after N successful chats.
//
// At most one chat runs per session. A second one fails with
// ErrStreamInProgress unless the request sets Replace (or the gateway is
// configured with ReplaceStreams), in which case the running one is aborted.
//
// # Abort
//
// Abort, Stream.Abort, Stream.Close on an unfinished stream, and
// cancellation of the context passed to StreamChat all cancel the engine
// call and invoke the engine's Abort exactly once. Once aborted, a stream
// delivers only its terminal error and done events.
//
// # Errors
//
// Validation failures wrap ErrInvalidRequest. Missing sessions and messages
// surface store.ErrNotFound. Everything else is an internal error.
package gateway

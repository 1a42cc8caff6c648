// Package engine talks to the conversational AI backend.
//
// # Backends
//
//   - EinoEngine: a cloudwego/eino BaseChatModel, in production the
//     Volcengine Ark model from eino-ext. The engine keeps each session's
//     system prompt and turns in process and replays them on every call.
//   - MockEngine: deterministic replies chosen by intent (explain,
//     translate, summarize, rewrite, search, generic), streamed word by
//     word with a fixed delay.
//
// # Adapter
//
// Adapter is what the rest of the gateway uses. It starts in mock mode when
// the provider is "mock", credentials are missing, or the Ark model cannot
// be built within the startup timeout, and switches to mock mode at runtime
// when Create reports ErrEngineUnavailable. Mock mode is reported through
// MockMode and MockReason and is never treated as a failure.
//
// # Native events
//
// Stream returns a channel of Event values typed with the engine's own
// names (assistant.message_delta, assistant.message, tool.execution_start,
// tool.execution_complete, session.error, session.idle). The stream
// package translates them into the gateway's event vocabulary.
package engine

// Package stream defines the canonical events a caller sees while a reply is
// generated, and the translation from engine-native callbacks into them.
//
// # Events
//
// Event is a closed set: MessageDelta, MessageComplete, ToolStart,
// ToolComplete, ErrorEvent and Done. Every transport encodes them the same
// way:
//
//	{"type":"message_delta","data":{"deltaContent":"Hel"}}
//	{"type":"message_complete","data":{"content":"Hello"}}
//	{"type":"tool_start","data":{"toolName":"search","toolCallId":"c1"}}
//	{"type":"tool_complete","data":{"toolCallId":"c1"}}
//	{"type":"error","data":{"error":"..."}}
//	{"type":"done","data":{"messageId":"..."}}
//
// # Translation
//
// Translator.Run consumes one engine stream. Events keep their arrival order,
// at most one MessageComplete is produced, and Done is always last. When the
// engine goes idle the PersistFunc stores the reply once and its id rides on
// Done. Failures produce ErrorEvent followed by Done and skip persistence.
//
// # SSE
//
// SSEWriter frames events as "data: <json>\n\n" and ends the stream with
// "data: [DONE]\n\n". SSEReader parses the same framing on the client side.
package stream

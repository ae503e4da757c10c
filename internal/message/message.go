// Package message defines the plain-data unit of work that moves through
// the dispatch engine: from the connector, through filter chains and
// handlers, across mesh forwards, and back out as a response.
package message

// Message is a single client request as seen by the dispatch engine.
//
// Route is the logical three-segment address ("serverType.handler.method")
// resolved by the route package. Body is the opaque payload handed to user
// handlers; the engine never inspects it.
type Message struct {
	Route string `json:"route"`
	Body  any    `json:"body,omitempty"`
}

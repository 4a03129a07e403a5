package events

import (
	"fmt"
	"time"
)

// EventType enumerates the events the runtime emits on session channels and
// on the notification bus.
type EventType string

const (
	StreamStart      EventType = "STREAM_START"
	StreamChunk      EventType = "STREAM_CHUNK"
	StreamAnnotation EventType = "STREAM_ANNOTATION"
	StreamError      EventType = "STREAM_ERROR"
	StreamEnd        EventType = "STREAM_END"
	StateUpdated     EventType = "STATE_UPDATED"
)

// Event is one occurrence delivered to a channel or a bus subscriber.
type Event struct {
	ID        string    `json:"id,omitempty"`
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	SessionID string    `json:"sessionId,omitempty"`
	Payload   any       `json:"payload,omitempty"`
}

// Validate performs cheap sanity checks.
func (e Event) Validate() error {
	if e.Type == "" {
		return fmt.Errorf("events: missing type")
	}
	return nil
}

// Terminal reports whether the event closes a stream.
func (e Event) Terminal() bool { return e.Type == StreamEnd }

// StartPayload announces the model serving the stream.
type StartPayload struct {
	Model string `json:"model"`
}

// ChunkPayload carries user-visible content only.
type ChunkPayload struct {
	Chunk string `json:"chunk"`
}

// Annotation kinds.
const (
	AnnotationThinking   = "thinking"
	AnnotationToolCall   = "tool_call"
	AnnotationToolResult = "tool_result"
)

// AnnotationPayload carries auxiliary trace output that is not part of the
// answer, such as thinking text or tool activity.
type AnnotationPayload struct {
	Kind string `json:"kind"`
	Text string `json:"text"`
}

// ErrorPayload precedes a failed STREAM_END.
type ErrorPayload struct {
	Error string `json:"error"`
}

// SourceDocument references a passage supplied by a retriever.
type SourceDocument struct {
	ID      string  `json:"id,omitempty"`
	Title   string  `json:"title,omitempty"`
	Source  string  `json:"source,omitempty"`
	Content string  `json:"content,omitempty"`
	Score   float64 `json:"score,omitempty"`
}

// EndPayload is the single terminal payload of a stream.
type EndPayload struct {
	Success         bool             `json:"success"`
	Error           string           `json:"error,omitempty"`
	Model           string           `json:"model,omitempty"`
	SourceDocuments []SourceDocument `json:"sourceDocuments,omitempty"`
}

// StateUpdatedPayload summarises a completed re-initialization.
type StateUpdatedPayload struct {
	AgentActive bool              `json:"agentActive"`
	Strategy    string            `json:"strategy"`
	ToolCount   int               `json:"toolCount"`
	Providers   map[string]string `json:"providers"`
}

package domain

// ChatMessage is the provider-agnostic chat message shape used by the handler
// and LLM integrations.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ChunkStatus marks whether a chunk continues the stream or terminates it.
type ChunkStatus string

const (
	ChunkContinue ChunkStatus = "continue"
	ChunkDone     ChunkStatus = "done"
	ChunkError    ChunkStatus = "error"
)

// Chunk is one unit of streamed output. Terminal chunks (done, error) carry
// no model text; an error chunk carries the user-facing message in Text.
type Chunk struct {
	Text   string
	Status ChunkStatus
}

// Terminal reports whether no further chunks may follow c.
func (c Chunk) Terminal() bool {
	return c.Status == ChunkDone || c.Status == ChunkError
}

// StreamRequest is what the orchestrator hands to a model backend: the fixed
// system instruction plus the conversation, newest user turn last.
type StreamRequest struct {
	Model    string
	System   string
	Messages []ChatMessage
}

// ChunkStream is a lazy, forward-only sequence of generated text. Next returns
// io.EOF once generation completes. Close abandons the session; no chunk is
// delivered after Close and the stream cannot be restarted.
type ChunkStream interface {
	Next() (string, error)
	Close() error
}

package chat

import "encoding/json"

// Event types emitted on the answer stream, in strict order:
// start, zero or more token, sources, metadata, done. An error event
// replaces sources and metadata when generation fails.
const (
	EventStart    = "start"
	EventToken    = "token"
	EventSources  = "sources"
	EventMetadata = "metadata"
	EventError    = "error"
	EventDone     = "done"
)

// Event is one element of the answer stream.
type Event struct {
	Type           string    `json:"type"`
	ConversationID int64     `json:"conversation_id,omitempty"`
	MessageID      int64     `json:"message_id,omitempty"`
	Content        string    `json:"content,omitempty"`
	Sources        []Source  `json:"sources,omitempty"`
	Metadata       *Metadata `json:"metadata,omitempty"`
	Error          string    `json:"error,omitempty"`
}

// Source is one cited document extract, attached to the assistant
// message and emitted on the sources event.
type Source struct {
	DocumentID int64   `json:"document_id"`
	ChunkID    int64   `json:"chunk_id"`
	ChunkIndex int     `json:"chunk_index"`
	Title      string  `json:"title"`
	Category   string  `json:"category,omitempty"`
	Heading    string  `json:"heading,omitempty"`
	Page       int     `json:"page,omitempty"`
	Excerpt    string  `json:"excerpt"`
	Cited      bool    `json:"cited,omitempty"`
	Score      float64 `json:"relevance_score"`
}

// Metadata summarizes one answered request.
type Metadata struct {
	TokensInput     int     `json:"tokens_input"`
	TokensOutput    int     `json:"tokens_output"`
	CostUSD         float64 `json:"cost_usd"`
	CostXAF         float64 `json:"cost_xaf"`
	CacheHit        string  `json:"cache_hit,omitempty"`
	ResponseSeconds float64 `json:"response_time_seconds"`
	Model           string  `json:"model_used,omitempty"`
}

func encodeSources(sources []Source) string {
	if sources == nil {
		sources = []Source{}
	}
	b, err := json.Marshal(sources)
	if err != nil {
		return "[]"
	}
	return string(b)
}

func decodeSources(raw string) []Source {
	if raw == "" {
		return []Source{}
	}
	var sources []Source
	if err := json.Unmarshal([]byte(raw), &sources); err != nil {
		return []Source{}
	}
	return sources
}

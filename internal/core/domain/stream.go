package domain

// FramePrefix marks a significant line in the chat stream
const FramePrefix = "data: "

// StreamEventType discriminates decoded frames
type StreamEventType string

const (
	StreamEventCitations StreamEventType = "citations"
	StreamEventToken     StreamEventType = "token"
)

// StreamEvent is one decoded chat stream frame
type StreamEvent struct {
	Type      StreamEventType `json:"type"`
	Content   string          `json:"content,omitempty"`
	Citations []Citation      `json:"citations,omitempty"`
}

// ChatRequest is the body of a streaming chat call
type ChatRequest struct {
	Query       string   `json:"query"`
	TopK        int      `json:"top_k"`
	Stream      bool     `json:"stream"`
	BatchID string `json:"batch_id,omitempty"`
	// DocumentIDs is nil when unscoped; a scoped request always sends the list, even empty
	DocumentIDs []string `json:"document_ids,omitzero"`
}

// NewChatRequest builds a streaming request for query within scope
func NewChatRequest(query string, scope RetrievalScope) ChatRequest {
	req := ChatRequest{
		Query:  query,
		TopK:   scope.TopK,
		Stream: true,
	}
	if scope.Scoped {
		req.BatchID = scope.BatchID
		req.DocumentIDs = append([]string{}, scope.DocumentIDs...)
	}
	return req
}

// InitUploadRequest is the body of an upload initialisation call
type InitUploadRequest struct {
	Filename  string `json:"filename"`
	MimeType  string `json:"mime_type"`
	SizeBytes int64  `json:"size_bytes"`
	BatchID   string `json:"batch_id,omitempty"`
}

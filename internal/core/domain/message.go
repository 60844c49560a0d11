package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// Role identifies who authored a conversation turn
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ChatErrorMessage replaces the assistant placeholder when a submission fails
const ChatErrorMessage = "Sorry, I encountered an error. Please try again."

// Message is one conversation turn.
// Assistant content only grows while its stream is being decoded.
type Message struct {
	ID        string     `json:"id"`
	Role      Role       `json:"role"`
	Content   string     `json:"content"`
	Citations []Citation `json:"citations,omitempty"`
}

// Clone returns a copy that shares nothing mutable with m.
func (m Message) Clone() Message {
	out := m
	if m.Citations != nil {
		out.Citations = make([]Citation, len(m.Citations))
		copy(out.Citations, m.Citations)
	}
	return out
}

// Citation is a retrieved passage backing an answer
type Citation struct {
	ChunkID  ChunkID       `json:"chunk_id"`
	Content  string        `json:"content"`
	Document CitedDocument `json:"document"`
	// Locator is absent when no finer-grained location is known
	Locator Locator `json:"citation_locator,omitempty"`
}

// CitedDocument identifies the document owning a cited passage
type CitedDocument struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// ChunkID identifies a passage within its document.
// The backend sends integers; strings are accepted too.
type ChunkID string

// UnmarshalJSON accepts a JSON number or string.
func (c *ChunkID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*c = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*c = ChunkID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("chunk_id: %w", err)
	}
	*c = ChunkID(n.String())
	return nil
}

// MarshalJSON writes numeric ids back as numbers.
func (c ChunkID) MarshalJSON() ([]byte, error) {
	if _, err := strconv.ParseInt(string(c), 10, 64); err == nil {
		return []byte(c), nil
	}
	return json.Marshal(string(c))
}

// Locator is the structured position of a passage (page, frame, timestamp...)
type Locator map[string]any

// Page returns the page number when the locator carries one.
func (l Locator) Page() (string, bool) {
	v, ok := l["page"]
	if !ok || v == nil {
		return "", false
	}
	switch p := v.(type) {
	case float64:
		return strconv.FormatFloat(p, 'f', -1, 64), true
	case string:
		return p, p != ""
	case json.Number:
		return p.String(), true
	default:
		return fmt.Sprint(p), true
	}
}

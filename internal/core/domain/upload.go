package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"sort"
)

// UploadStatus is the state of one file upload
type UploadStatus string

const (
	UploadStatusUploading  UploadStatus = "uploading"
	UploadStatusProcessing UploadStatus = "processing"
	UploadStatusCompleted  UploadStatus = "completed"
	UploadStatusError      UploadStatus = "error"
)

// uploadTransitions lists the states reachable from each state.
// Transitions only move forward; completed and error are terminal.
var uploadTransitions = map[UploadStatus][]UploadStatus{
	UploadStatusUploading:  {UploadStatusProcessing, UploadStatusError},
	UploadStatusProcessing: {UploadStatusCompleted, UploadStatusError},
}

// CanTransitionTo reports whether the state machine allows s -> next
func (s UploadStatus) CanTransitionTo(next UploadStatus) bool {
	for _, allowed := range uploadTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transitions are possible
func (s UploadStatus) IsTerminal() bool {
	return len(uploadTransitions[s]) == 0
}

// Upload is the client-side record of one file's progress
type Upload struct {
	// ID is client-local, not the backend document id
	ID         string       `json:"id"`
	Filename   string       `json:"filename"`
	Status     UploadStatus `json:"status"`
	Progress   int          `json:"progress"`
	Error      string       `json:"error,omitempty"`
	DocumentID string       `json:"document_id,omitempty"`
	BatchID    string       `json:"batch_id,omitempty"`
}

// NewUpload creates a record in the uploading state
func NewUpload(id, filename, batchID string) *Upload {
	return &Upload{
		ID:       id,
		Filename: filename,
		Status:   UploadStatusUploading,
		Progress: 0,
		BatchID:  batchID,
	}
}

// Transition moves the upload to next, rejecting illegal transitions
func (u *Upload) Transition(next UploadStatus) error {
	if !u.Status.CanTransitionTo(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, u.Status, next)
	}
	u.Status = next
	switch next {
	case UploadStatusProcessing, UploadStatusCompleted:
		u.Progress = 100
	}
	return nil
}

// Fail moves the upload to the error state with a human-readable message
func (u *Upload) Fail(message string) error {
	if err := u.Transition(UploadStatusError); err != nil {
		return err
	}
	u.Error = message
	return nil
}

// UploadFile is one file accepted for upload
type UploadFile struct {
	Filename string
	MimeType string
	Size     int64
	Content  io.Reader
}

// UploadOptions controls batch selection for one selection of files
type UploadOptions struct {
	// StartNewBatch forces a new batch instead of reusing the current one
	StartNewBatch bool
}

// TransferMode selects how file bytes reach the upload target
type TransferMode string

const (
	// TransferDirect posts a multipart form with document_id and file
	TransferDirect TransferMode = "direct"
	// TransferMock posts with no body
	TransferMock TransferMode = "mock"
	// TransferDelegated posts server-supplied fields plus the file (e.g. S3 presigned POST)
	TransferDelegated TransferMode = "delegated"
)

// UploadTarget is the result of initialising an upload
type UploadTarget struct {
	DocumentID string            `json:"document_id"`
	UploadURL  string            `json:"upload_url"`
	Fields     map[string]string `json:"fields"`

	// FieldOrder is the order the server listed Fields in
	FieldOrder []string `json:"-"`
}

// UnmarshalJSON decodes a target and records the order of its fields.
// Presigned POST forms are sent back in the order the server gave them.
func (t *UploadTarget) UnmarshalJSON(data []byte) error {
	type plain UploadTarget
	var aux struct {
		plain
		Fields json.RawMessage `json:"fields"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*t = UploadTarget(aux.plain)

	if len(aux.Fields) == 0 || string(aux.Fields) == "null" {
		return nil
	}
	if err := json.Unmarshal(aux.Fields, &t.Fields); err != nil {
		return fmt.Errorf("invalid upload fields: %w", err)
	}
	order, err := objectKeys(aux.Fields)
	if err != nil {
		return fmt.Errorf("invalid upload fields: %w", err)
	}
	t.FieldOrder = order
	return nil
}

// FieldKeys returns the field names in server order.
// Fields without a recorded position follow in sorted order.
func (t UploadTarget) FieldKeys() []string {
	keys := make([]string, 0, len(t.Fields))
	seen := make(map[string]bool, len(t.Fields))
	for _, k := range t.FieldOrder {
		if _, ok := t.Fields[k]; ok && !seen[k] {
			seen[k] = true
			keys = append(keys, k)
		}
	}

	var rest []string
	for k := range t.Fields {
		if !seen[k] {
			rest = append(rest, k)
		}
	}
	sort.Strings(rest)
	return append(keys, rest...)
}

// objectKeys lists the keys of a JSON object in document order
func objectKeys(raw []byte) ([]string, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	if tok, err := dec.Token(); err != nil {
		return nil, err
	} else if tok != json.Delim('{') {
		return nil, fmt.Errorf("expected object, got %v", tok)
	}

	var keys []string
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		key, _ := tok.(string)
		keys = append(keys, key)

		var skip json.RawMessage
		if err := dec.Decode(&skip); err != nil {
			return nil, err
		}
	}
	return keys, nil
}

// Mode derives the transfer mode from the server-supplied fields
func (t UploadTarget) Mode() TransferMode {
	switch {
	case t.Fields["direct"] == "true":
		return TransferDirect
	case t.Fields["mock"] == "true":
		return TransferMock
	default:
		return TransferDelegated
	}
}

// DocumentStatus is the backend's processing state for a document
type DocumentStatus string

const (
	DocumentStatusUploading  DocumentStatus = "uploading"
	DocumentStatusProcessing DocumentStatus = "processing"
	DocumentStatusReady      DocumentStatus = "ready"
	DocumentStatusFailed     DocumentStatus = "failed"
)

// Document is the backend's view of an uploaded document
type Document struct {
	ID       string         `json:"id"`
	Name     string         `json:"name"`
	MimeType string         `json:"mime_type,omitempty"`
	Size     int64          `json:"size_bytes,omitempty"`
	Status   DocumentStatus `json:"status,omitempty"`
}

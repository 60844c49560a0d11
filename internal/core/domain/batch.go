package domain

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
)

// Persisted keys shared by every batch store
const (
	KeyCurrentBatchID          = "current_batch_id"
	KeyCurrentBatchDocIDs      = "current_batch_document_ids"
	KeyCurrentBatchProvisional = "current_batch_provisional"

	// KeyLegacyDocIDs is still written for older readers
	KeyLegacyDocIDs = "recent_document_ids"
)

// TopicBatchChanged is the notification topic for batch mutations
const TopicBatchChanged = "batch-changed"

// BatchSnapshot is the state of the current upload batch as seen by one view.
// DocumentIDs only grows for a given BatchID.
type BatchSnapshot struct {
	BatchID     string   `json:"batch_id,omitempty"`
	DocumentIDs []string `json:"document_ids"`
	Pinned      bool     `json:"-"`
	// Provisional marks a locally generated id the backend has never seen
	Provisional bool `json:"provisional,omitempty"`
}

// HasBatch reports whether a batch has been chosen
func (s BatchSnapshot) HasBatch() bool {
	return s.BatchID != ""
}

// Clone returns a deep copy of the snapshot
func (s BatchSnapshot) Clone() BatchSnapshot {
	out := s
	out.DocumentIDs = make([]string, len(s.DocumentIDs))
	copy(out.DocumentIDs, s.DocumentIDs)
	return out
}

// AuthoritativeBatchID returns the batch id that may be sent to the backend.
func (s BatchSnapshot) AuthoritativeBatchID() string {
	if s.Provisional {
		return ""
	}
	return s.BatchID
}

// Contains reports whether documentID is a member of the batch
func (s BatchSnapshot) Contains(documentID string) bool {
	for _, id := range s.DocumentIDs {
		if id == documentID {
			return true
		}
	}
	return false
}

// WithDocument returns a copy with documentID appended unless already present.
// The second result is false when the snapshot was unchanged.
func (s BatchSnapshot) WithDocument(documentID string) (BatchSnapshot, bool) {
	if documentID == "" || s.Contains(documentID) {
		return s, false
	}
	out := s.Clone()
	out.DocumentIDs = append(out.DocumentIDs, documentID)
	return out, true
}

// NewBatchSnapshot starts an empty batch
func NewBatchSnapshot(batchID string, provisional bool) BatchSnapshot {
	return BatchSnapshot{
		BatchID:     batchID,
		DocumentIDs: []string{},
		Provisional: provisional,
	}
}

// BatchChange is a notification that persisted batch state was written.
// Origin is the view that wrote it.
type BatchChange struct {
	Origin   string        `json:"origin"`
	Snapshot BatchSnapshot `json:"snapshot"`
}

// DecodeDocumentIDs parses a persisted id list.
// Absent or malformed values decode to an empty list, duplicates are dropped.
func DecodeDocumentIDs(raw string) []string {
	if raw == "" {
		return []string{}
	}
	var ids []string
	if err := json.Unmarshal([]byte(raw), &ids); err != nil {
		return []string{}
	}
	return dedupe(ids)
}

// EncodeDocumentIDs serialises an id list for persistence
func EncodeDocumentIDs(ids []string) string {
	if ids == nil {
		ids = []string{}
	}
	data, _ := json.Marshal(ids)
	return string(data)
}

// SnapshotFromValues rebuilds a snapshot from persisted key values.
// When the current id list is empty the legacy list is used.
func SnapshotFromValues(batchID, docIDs, legacyDocIDs, provisional string) BatchSnapshot {
	ids := DecodeDocumentIDs(docIDs)
	if len(ids) == 0 {
		ids = DecodeDocumentIDs(legacyDocIDs)
	}
	return BatchSnapshot{
		BatchID:     batchID,
		DocumentIDs: ids,
		Provisional: batchID != "" && provisional == "true",
	}
}

// SnapshotValues returns the key/value pairs persisted for a snapshot.
// Current and legacy id lists are always written together.
func SnapshotValues(s BatchSnapshot) map[string]string {
	ids := EncodeDocumentIDs(s.DocumentIDs)
	provisional := "false"
	if s.Provisional {
		provisional = "true"
	}
	return map[string]string{
		KeyCurrentBatchID:          s.BatchID,
		KeyCurrentBatchDocIDs:      ids,
		KeyLegacyDocIDs:            ids,
		KeyCurrentBatchProvisional: provisional,
	}
}

// BatchLink builds a shareable link that opens (and pins) batchID
func BatchLink(baseURL, batchID string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	if batchID == "" {
		return u.String(), nil
	}
	q := u.Query()
	q.Set("batch_id", batchID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// BatchIDFromLink extracts the batch id from a link built by BatchLink.
// A bare id is returned unchanged.
func BatchIDFromLink(raw string) string {
	raw = strings.TrimSpace(raw)
	if !strings.Contains(raw, "batch_id=") {
		return raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return u.Query().Get("batch_id")
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

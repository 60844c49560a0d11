package domain

// DefaultTopK is the number of passages requested when retrieval is on
const DefaultTopK = 5

// RetrievalToggles are the user's retrieval switches
type RetrievalToggles struct {
	RetrievalEnabled bool
	LimitToBatch     bool
}

// DefaultRetrievalToggles has retrieval on and scoped to the current batch
func DefaultRetrievalToggles() RetrievalToggles {
	return RetrievalToggles{RetrievalEnabled: true, LimitToBatch: true}
}

// RetrievalScope is the effective retrieval parameters of one chat request
type RetrievalScope struct {
	TopK int
	// BatchID is the authoritative scope; empty means unscoped or provisional
	BatchID string
	// DocumentIDs is the fallback scope for backends without batch support
	DocumentIDs []string
	Scoped      bool
}

// ResolveRetrievalScope computes the retrieval parameters for a send.
// It is pure: identical inputs always give identical outputs.
// A scoped but empty batch suppresses retrieval rather than fall back to unscoped results.
func ResolveRetrievalScope(toggles RetrievalToggles, snapshot BatchSnapshot, defaultTopK int) RetrievalScope {
	if defaultTopK <= 0 {
		defaultTopK = DefaultTopK
	}
	if !toggles.RetrievalEnabled {
		return RetrievalScope{TopK: 0}
	}
	if !toggles.LimitToBatch {
		return RetrievalScope{TopK: defaultTopK}
	}

	ids := make([]string, len(snapshot.DocumentIDs))
	copy(ids, snapshot.DocumentIDs)

	topK := 0
	if len(ids) > 0 {
		topK = defaultTopK
	}
	return RetrievalScope{
		TopK:        topK,
		BatchID:     snapshot.AuthoritativeBatchID(),
		DocumentIDs: ids,
		Scoped:      true,
	}
}

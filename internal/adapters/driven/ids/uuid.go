package ids

import (
	"github.com/google/uuid"

	"github.com/krishbadri/rag-project/internal/core/ports/driven"
)

// Verify interface compliance
var _ driven.IDGenerator = UUID{}

// UUID hands out random (version 4) UUID strings
type UUID struct{}

// NewID returns a new UUID string
func (UUID) NewID() string {
	return uuid.NewString()
}

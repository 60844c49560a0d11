package driven

// IDGenerator hands out unique opaque identifiers for messages, uploads and fallback batches
type IDGenerator interface {
	NewID() string
}

// IDGeneratorFunc adapts a function to IDGenerator
type IDGeneratorFunc func() string

// NewID calls f
func (f IDGeneratorFunc) NewID() string {
	return f()
}

package services

import (
	"bufio"
	"encoding/json"
	"errors"
	"io"
	"strings"

	"github.com/krishbadri/rag-project/internal/core/domain"
)

// StreamDecoder reads "data: " framed JSON events from a chat stream body.
// Frames may be split across reads; a partial line is held until its
// newline arrives. Malformed frames and unknown event types are skipped.
type StreamDecoder struct {
	r *bufio.Reader
}

// NewStreamDecoder creates a decoder over r
func NewStreamDecoder(r io.Reader) *StreamDecoder {
	return &StreamDecoder{r: bufio.NewReader(r)}
}

// Next returns the next recognised event, or io.EOF when the stream ends.
// A trailing frame without a newline is still decoded at end of stream.
func (d *StreamDecoder) Next() (domain.StreamEvent, error) {
	for {
		line, err := d.r.ReadString('\n')
		if line != "" {
			if event, ok := decodeFrame(line); ok {
				return event, nil
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return domain.StreamEvent{}, io.EOF
			}
			return domain.StreamEvent{}, err
		}
	}
}

// decodeFrame parses one line; ok is false for anything that is not a known event
func decodeFrame(line string) (domain.StreamEvent, bool) {
	line = strings.TrimRight(line, "\r\n")
	payload, found := strings.CutPrefix(line, domain.FramePrefix)
	if !found {
		return domain.StreamEvent{}, false
	}

	var event domain.StreamEvent
	if err := json.Unmarshal([]byte(payload), &event); err != nil {
		return domain.StreamEvent{}, false
	}

	switch event.Type {
	case domain.StreamEventCitations, domain.StreamEventToken:
		return event, true
	default:
		return domain.StreamEvent{}, false
	}
}

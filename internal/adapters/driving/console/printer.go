package console

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/krishbadri/rag-project/internal/core/domain"
)

// Printer renders service updates to a terminal.
// Its methods are used as the OnUpdate and OnChange observers of the services.
type Printer struct {
	mu  sync.Mutex
	out io.Writer

	// streamID and streamed track the assistant message being written inline
	streamID string
	streamed string
}

// NewPrinter creates a printer writing to out
func NewPrinter(out io.Writer) *Printer {
	return &Printer{out: out}
}

// Message writes the part of an assistant answer not printed yet.
// User messages are not echoed since the user just typed them.
func (p *Printer) Message(msg domain.Message) {
	if msg.Role != domain.RoleAssistant {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if msg.ID != p.streamID {
		p.streamID = msg.ID
		p.streamed = ""
		fmt.Fprint(p.out, "assistant> ")
	}

	if strings.HasPrefix(msg.Content, p.streamed) {
		fmt.Fprint(p.out, msg.Content[len(p.streamed):])
	} else {
		// Content was replaced, e.g. by the error apology
		fmt.Fprintf(p.out, "\n%s", msg.Content)
	}
	p.streamed = msg.Content
}

// EndMessage terminates the line of the streamed answer
func (p *Printer) EndMessage() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.streamID != "" {
		fmt.Fprintln(p.out)
	}
	p.streamID = ""
	p.streamed = ""
}

// Upload writes one upload state change
func (p *Printer) Upload(u domain.Upload) {
	p.mu.Lock()
	defer p.mu.Unlock()

	// Background uploads may report while an answer is streaming
	if p.streamID != "" {
		fmt.Fprintln(p.out)
	}
	fmt.Fprintf(p.out, "  [%s] %s\n", u.Filename, describeUpload(u))
	if p.streamID != "" {
		fmt.Fprintf(p.out, "assistant> %s", p.streamed)
	}
}

// Sources lists the citations backing an answer
func (p *Printer) Sources(citations []domain.Citation) {
	if len(citations) == 0 {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	fmt.Fprintf(p.out, "Sources (%d):\n", len(citations))
	for i, c := range citations {
		name := c.Document.Name
		if name == "" {
			name = c.Document.ID
		}
		if page, ok := c.Locator.Page(); ok {
			name = fmt.Sprintf("%s, page %s", name, page)
		}
		fmt.Fprintf(p.out, "  %d. %s\n", i+1, name)
		if excerpt := excerpt(c.Content, 160); excerpt != "" {
			fmt.Fprintf(p.out, "     %s\n", excerpt)
		}
	}
}

// Printf writes a formatted line
func (p *Printer) Printf(format string, args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()

	fmt.Fprintf(p.out, format, args...)
}

func describeUpload(u domain.Upload) string {
	switch u.Status {
	case domain.UploadStatusError:
		return fmt.Sprintf("error: %s", u.Error)
	case domain.UploadStatusUploading:
		return fmt.Sprintf("uploading %d%%", u.Progress)
	case domain.UploadStatusCompleted:
		if u.DocumentID != "" {
			return fmt.Sprintf("completed (document %s)", u.DocumentID)
		}
	}
	return string(u.Status)
}

func excerpt(s string, limit int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) <= limit {
		return s
	}
	cut := s[:limit]
	if i := strings.LastIndexByte(cut, ' '); i > limit/2 {
		cut = cut[:i]
	}
	return cut + "..."
}

package console

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/gabriel-vasile/mimetype"

	"github.com/krishbadri/rag-project/internal/core/domain"
	"github.com/krishbadri/rag-project/internal/core/ports/driving"
)

const prompt = "you> "

const helpText = `Commands:
  /upload [--new] <file>...  upload files into the current batch (--new starts a batch)
  /new                       start a new batch
  /open <batch id or link>   pin the chat to an existing batch
  /pin, /unpin               stop or resume following batch changes
  /link                      print a shareable link to the chat's batch
  /rag on|off                answer with or without retrieval
  /scope on|off              limit retrieval to the current batch
  /sources on|off            show or hide citations
  /uploads                   list uploads
  /dismiss <upload id>       remove an upload from the list
  /clear                     clear the conversation
  /status                    show batch, toggles and health
  /quit                      exit
Anything else is sent to the assistant.`

// HealthCheck reports whether a dependency is usable
type HealthCheck func(ctx context.Context) error

// Config holds dependencies for the console
type Config struct {
	In      io.Reader
	Out     io.Writer
	Printer *Printer
	Logger  *slog.Logger

	Chat    driving.ChatSession
	Uploads driving.UploadController

	// UploadView selects batches for uploads; ChatView scopes retrieval
	UploadView driving.BatchContext
	ChatView   driving.BatchContext

	// Checks are reported by /status, keyed by name
	Checks map[string]HealthCheck

	ShareBaseURL string
	ShowSources  bool
}

// Console is an interactive terminal shell over the chat and upload services
type Console struct {
	in      io.Reader
	printer *Printer
	logger  *slog.Logger

	chat       driving.ChatSession
	uploads    driving.UploadController
	uploadView driving.BatchContext
	chatView   driving.BatchContext
	checks     map[string]HealthCheck

	shareBaseURL string
	showSources  bool

	// background tracks uploads still running after their command returned
	background sync.WaitGroup
}

// New creates a console
func New(cfg Config) (*Console, error) {
	if cfg.Chat == nil || cfg.Uploads == nil || cfg.UploadView == nil || cfg.ChatView == nil {
		return nil, fmt.Errorf("%w: chat, uploads and both batch views are required", domain.ErrInvalidInput)
	}
	in := cfg.In
	if in == nil {
		in = os.Stdin
	}
	printer := cfg.Printer
	if printer == nil {
		out := cfg.Out
		if out == nil {
			out = os.Stdout
		}
		printer = NewPrinter(out)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Console{
		in:           in,
		printer:      printer,
		logger:       logger,
		chat:         cfg.Chat,
		uploads:      cfg.Uploads,
		uploadView:   cfg.UploadView,
		chatView:     cfg.ChatView,
		checks:       cfg.Checks,
		shareBaseURL: cfg.ShareBaseURL,
		showSources:  cfg.ShowSources,
	}, nil
}

// Run reads commands until /quit, end of input or ctx cancellation.
// Uploads run in the background; end of input waits for them, while /quit
// and cancellation abandon them.
func (c *Console) Run(ctx context.Context) error {
	unsubscribe := c.chatView.Subscribe(func(s domain.BatchSnapshot) {
		c.printer.Printf("\n[batch %s now has %d document(s)]\n", displayBatch(s), len(s.DocumentIDs))
	})
	defer unsubscribe()

	sessionCtx, endSession := context.WithCancel(ctx)
	defer func() {
		endSession()
		c.background.Wait()
	}()

	lines, scanErr := readLines(ctx, c.in)

	c.printer.Printf("Type /help for commands.\n")
	for {
		c.printer.Printf(prompt)

		var line string
		select {
		case <-ctx.Done():
			c.printer.Printf("\n")
			return nil
		case l, ok := <-lines:
			if !ok {
				c.printer.Printf("\n")
				c.background.Wait()
				return <-scanErr
			}
			line = strings.TrimSpace(l)
		}

		if line == "" {
			continue
		}
		if quit := c.handle(sessionCtx, line); quit {
			return nil
		}
	}
}

// readLines feeds input lines to a channel so Run can also watch ctx
func readLines(ctx context.Context, in io.Reader) (<-chan string, <-chan error) {
	lines := make(chan string)
	errc := make(chan error, 1)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				errc <- nil
				return
			}
		}
		errc <- scanner.Err()
	}()
	return lines, errc
}

// handle runs one input line and reports whether the console should exit
func (c *Console) handle(ctx context.Context, line string) bool {
	if !strings.HasPrefix(line, "/") {
		c.ask(ctx, line)
		return false
	}

	cmd, args := splitCommand(line)
	switch cmd {
	case "/quit", "/exit":
		c.printer.Printf("Bye!\n")
		return true
	case "/help":
		c.printer.Printf("%s\n", helpText)
	case "/upload":
		c.upload(ctx, args)
	case "/new":
		c.newBatch(ctx)
	case "/open":
		c.open(ctx, args)
	case "/pin":
		c.chatView.SetPinned(true)
		c.printer.Printf("Chat pinned to batch %s\n", displayBatch(c.chatView.Current(ctx)))
	case "/unpin":
		c.chatView.SetPinned(false)
		c.printer.Printf("Chat follows the current batch (%s)\n", displayBatch(c.chatView.Current(ctx)))
	case "/link":
		c.link(ctx)
	case "/rag":
		c.toggle(args, "Retrieval", c.chat.SetRetrievalEnabled)
	case "/scope":
		c.toggle(args, "Limit to batch", c.chat.SetLimitToBatch)
	case "/sources":
		c.toggle(args, "Show sources", func(on bool) { c.showSources = on })
	case "/uploads":
		c.listUploads()
	case "/dismiss":
		c.dismiss(args)
	case "/clear":
		c.chat.Reset()
		c.printer.Printf("Conversation cleared\n")
	case "/status":
		c.status(ctx)
	default:
		c.printer.Printf("Unknown command %s (try /help)\n", cmd)
	}
	return false
}

func (c *Console) ask(ctx context.Context, query string) {
	err := c.chat.Submit(ctx, query)
	c.printer.EndMessage()
	if err != nil {
		if errors.Is(err, domain.ErrSubmissionInFlight) {
			c.printer.Printf("Still answering the previous question\n")
			return
		}
		c.logger.Debug("chat submission failed", "error", err)
		return
	}

	if !c.showSources {
		return
	}
	messages := c.chat.Messages()
	if n := len(messages); n > 0 && messages[n-1].Role == domain.RoleAssistant {
		c.printer.Sources(messages[n-1].Citations)
	}
}

func (c *Console) upload(ctx context.Context, args []string) {
	var opts domain.UploadOptions
	paths := args[:0:0]
	for _, a := range args {
		if a == "--new" {
			opts.StartNewBatch = true
			continue
		}
		paths = append(paths, a)
	}
	if len(paths) == 0 {
		c.printer.Printf("Usage: /upload [--new] <file>...\n")
		return
	}

	files, closeFiles, err := openFiles(paths)
	if err != nil {
		c.printer.Printf("Error: %v\n", err)
		return
	}

	// Processing can take minutes; the chat stays usable meanwhile
	c.background.Add(1)
	go func() {
		defer c.background.Done()
		defer closeFiles()

		records, err := c.uploads.Upload(ctx, files, opts)
		if err != nil {
			c.printer.Printf("Upload error: %v\n", err)
			return
		}
		c.printer.Printf("%s\n", c.uploadSummary(ctx, records))
	}()
}

func (c *Console) uploadSummary(ctx context.Context, records []domain.Upload) string {
	failed := 0
	for _, r := range records {
		if r.Status == domain.UploadStatusError {
			failed++
		}
	}
	batch := "(none)"
	if len(records) > 0 {
		batch = records[0].BatchID
		if current := c.uploadView.Current(ctx); current.BatchID == batch {
			batch = displayBatch(current)
		}
	}
	return fmt.Sprintf("%d uploaded, %d failed (batch %s)", len(records)-failed, failed, batch)
}

// openFiles opens every path, detecting its MIME type from content
func openFiles(paths []string) ([]domain.UploadFile, func(), error) {
	var opened []*os.File
	closeAll := func() {
		for _, f := range opened {
			_ = f.Close()
		}
	}

	files := make([]domain.UploadFile, 0, len(paths))
	for _, path := range paths {
		mtype, err := mimetype.DetectFile(path)
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("read %s: %w", path, err)
		}
		f, err := os.Open(path)
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("open %s: %w", path, err)
		}
		opened = append(opened, f)

		info, err := f.Stat()
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("stat %s: %w", path, err)
		}
		if info.IsDir() {
			closeAll()
			return nil, nil, fmt.Errorf("%s is a directory", path)
		}

		files = append(files, domain.UploadFile{
			Filename: filepath.Base(path),
			MimeType: mtype.String(),
			Size:     info.Size(),
			Content:  f,
		})
	}
	return files, closeAll, nil
}

func (c *Console) newBatch(ctx context.Context) {
	snap, err := c.uploadView.CreateNewBatch(ctx)
	if err != nil {
		c.printer.Printf("Could not start a new batch: %v\n", err)
		return
	}
	c.printer.Printf("Started batch %s\n", displayBatch(snap))
}

func (c *Console) open(ctx context.Context, args []string) {
	if len(args) != 1 {
		c.printer.Printf("Usage: /open <batch id or link>\n")
		return
	}
	batchID := domain.BatchIDFromLink(args[0])
	if batchID == "" {
		c.printer.Printf("No batch id in %s\n", args[0])
		return
	}

	snap, err := c.chatView.OpenBatch(ctx, batchID)
	if err != nil {
		c.printer.Printf("Could not open batch: %v\n", err)
		return
	}
	c.printer.Printf("Chat pinned to batch %s (%d document(s))\n", displayBatch(snap), len(snap.DocumentIDs))
}

func (c *Console) link(ctx context.Context) {
	snap := c.chatView.Current(ctx)
	if snap.AuthoritativeBatchID() == "" {
		c.printer.Printf("No shareable batch yet\n")
		return
	}
	link, err := domain.BatchLink(c.shareBaseURL, snap.BatchID)
	if err != nil {
		c.printer.Printf("Error: %v\n", err)
		return
	}
	c.printer.Printf("%s\n", link)
}

func (c *Console) toggle(args []string, label string, set func(bool)) {
	if len(args) != 1 || (args[0] != "on" && args[0] != "off") {
		c.printer.Printf("Usage: on|off\n")
		return
	}
	on := args[0] == "on"
	set(on)
	c.printer.Printf("%s: %s\n", label, onOff(on))
}

func (c *Console) listUploads() {
	records := c.uploads.List()
	if len(records) == 0 {
		c.printer.Printf("No uploads\n")
		return
	}
	for _, r := range records {
		c.printer.Printf("  %s  %s  %s\n", r.ID, r.Filename, describeUpload(r))
	}
}

func (c *Console) dismiss(args []string) {
	if len(args) != 1 {
		c.printer.Printf("Usage: /dismiss <upload id>\n")
		return
	}
	if err := c.uploads.Dismiss(args[0]); err != nil {
		c.printer.Printf("Error: %v\n", err)
		return
	}
	c.printer.Printf("Dismissed %s\n", args[0])
}

func (c *Console) status(ctx context.Context) {
	snap := c.chatView.Current(ctx)
	toggles := c.chat.Toggles()

	c.printer.Printf("Batch:          %s\n", displayBatch(snap))
	c.printer.Printf("Documents:      %d\n", len(snap.DocumentIDs))
	c.printer.Printf("Pinned:         %s\n", onOff(snap.Pinned))
	c.printer.Printf("Retrieval:      %s\n", onOff(toggles.RetrievalEnabled))
	c.printer.Printf("Limit to batch: %s\n", onOff(toggles.LimitToBatch))
	c.printer.Printf("Show sources:   %s\n", onOff(c.showSources))

	names := make([]string, 0, len(c.checks))
	for name := range c.checks {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := c.checks[name](ctx); err != nil {
			c.printer.Printf("%-15s error: %v\n", name+":", err)
			continue
		}
		c.printer.Printf("%-15s ok\n", name+":")
	}
}

func splitCommand(line string) (string, []string) {
	fields := strings.Fields(line)
	return strings.ToLower(fields[0]), fields[1:]
}

func displayBatch(s domain.BatchSnapshot) string {
	switch {
	case !s.HasBatch():
		return "(none)"
	case s.Provisional:
		return s.BatchID + " (local only)"
	default:
		return s.BatchID
	}
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}

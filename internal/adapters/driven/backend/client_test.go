package backend

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/krishbadri/rag-project/internal/core/domain"
)

func newTestClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	client, err := NewClient(Config{BaseURL: srv.URL + "/api"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client, srv
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestNewClient_Validation(t *testing.T) {
	_, err := NewClient(Config{})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestClient_CreateBatch(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/uploads/batches", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"id": "b1"})
	})
	client, _ := newTestClient(t, mux)

	id, err := client.CreateBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "b1", id)
}

func TestClient_CreateBatchErrors(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    any
		wantErr error
	}{
		{name: "server error", status: http.StatusInternalServerError, body: map[string]string{"detail": "boom"}, wantErr: domain.ErrUnexpectedStatus},
		{name: "unavailable", status: http.StatusServiceUnavailable, body: nil, wantErr: domain.ErrServiceUnavailable},
		{name: "missing id", status: http.StatusOK, body: map[string]string{}, wantErr: domain.ErrUnexpectedStatus},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				writeJSON(w, tt.status, tt.body)
			}))

			_, err := client.CreateBatch(context.Background())
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestClient_BackendUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	client, err := NewClient(Config{BaseURL: url})
	require.NoError(t, err)

	_, err = client.CreateBatch(context.Background())
	assert.ErrorIs(t, err, domain.ErrServiceUnavailable)
}

func TestClient_GetBatchDocuments(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/uploads/batches/{id}", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("id") != "b1" {
			writeJSON(w, http.StatusNotFound, map[string]string{"detail": "Batch not found"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"id": "b1",
			"documents": []map[string]any{
				{"id": "d1", "name": "a.pdf", "status": "ready"},
				{"id": "d2", "name": "b.txt", "status": "processing"},
			},
		})
	})
	client, _ := newTestClient(t, mux)

	docs, err := client.GetBatchDocuments(context.Background(), "b1")
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, "d1", docs[0].ID)
	assert.Equal(t, domain.DocumentStatusProcessing, docs[1].Status)

	_, err = client.GetBatchDocuments(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.True(t, IsStatus(err, http.StatusNotFound))
}

func TestClient_InitUpload(t *testing.T) {
	var got domain.InitUploadRequest
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/uploads/init", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
		writeJSON(w, http.StatusOK, map[string]any{
			"document_id": "d1",
			"upload_url":  "/api/uploads/direct",
			"fields":      map[string]string{"direct": "true"},
		})
	})
	client, _ := newTestClient(t, mux)

	target, err := client.InitUpload(context.Background(), domain.InitUploadRequest{
		Filename:  "a.txt",
		MimeType:  "text/plain",
		SizeBytes: 3,
		BatchID:   "b1",
	})
	require.NoError(t, err)
	assert.Equal(t, "d1", target.DocumentID)
	assert.Equal(t, domain.TransferDirect, target.Mode())
	assert.Equal(t, domain.InitUploadRequest{Filename: "a.txt", MimeType: "text/plain", SizeBytes: 3, BatchID: "b1"}, got)
}

func TestClient_TransferModes(t *testing.T) {
	type received struct {
		fields   map[string]string
		fileName string
		fileBody string
		empty    bool
	}
	var last received

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/uploads/direct", func(w http.ResponseWriter, r *http.Request) {
		last = received{fields: map[string]string{}}
		if r.ContentLength == 0 {
			last.empty = true
			w.WriteHeader(http.StatusOK)
			return
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		for k, v := range r.MultipartForm.Value {
			last.fields[k] = v[0]
		}
		f, hdr, err := r.FormFile("file")
		if err == nil {
			data, _ := io.ReadAll(f)
			last.fileName = hdr.Filename
			last.fileBody = string(data)
		}
		w.WriteHeader(http.StatusNoContent)
	})
	client, srv := newTestClient(t, mux)

	file := func() domain.UploadFile {
		return domain.UploadFile{Filename: "a.txt", MimeType: "text/plain", Size: 5, Content: strings.NewReader("hello")}
	}

	t.Run("direct", func(t *testing.T) {
		target := &domain.UploadTarget{DocumentID: "d1", UploadURL: "/api/uploads/direct", Fields: map[string]string{"direct": "true"}}
		require.NoError(t, client.Transfer(context.Background(), target, file()))
		assert.Equal(t, map[string]string{"document_id": "d1"}, last.fields)
		assert.Equal(t, "a.txt", last.fileName)
		assert.Equal(t, "hello", last.fileBody)
	})

	t.Run("mock", func(t *testing.T) {
		target := &domain.UploadTarget{DocumentID: "d1", UploadURL: srv.URL + "/api/uploads/direct", Fields: map[string]string{"mock": "true"}}
		require.NoError(t, client.Transfer(context.Background(), target, file()))
		assert.True(t, last.empty)
	})

	t.Run("delegated", func(t *testing.T) {
		target := &domain.UploadTarget{
			DocumentID: "d1",
			UploadURL:  srv.URL + "/api/uploads/direct",
			Fields:     map[string]string{"key": "uploads/d1/a.txt", "policy": "p", "Content-Type": "text/plain"},
		}
		require.NoError(t, client.Transfer(context.Background(), target, file()))
		assert.Equal(t, target.Fields, last.fields)
		assert.Equal(t, "hello", last.fileBody)
	})
}

func TestClient_PresignedFieldOrder(t *testing.T) {
	var parts []string
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/uploads/init", func(w http.ResponseWriter, r *http.Request) {
		// Written by hand so the key order is not Go's sorted map order
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"document_id":"d1","upload_url":"/api/storage",`+
			`"fields":{"policy":"p","key":"uploads/d1/a.txt","x-amz-signature":"s","Content-Type":"text/plain"}}`)
	})
	mux.HandleFunc("POST /api/storage", func(w http.ResponseWriter, r *http.Request) {
		mr, err := r.MultipartReader()
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		for {
			part, err := mr.NextPart()
			if err != nil {
				break
			}
			parts = append(parts, part.FormName())
		}
		w.WriteHeader(http.StatusNoContent)
	})
	client, _ := newTestClient(t, mux)

	target, err := client.InitUpload(context.Background(), domain.InitUploadRequest{Filename: "a.txt"})
	require.NoError(t, err)
	assert.Equal(t, domain.TransferDelegated, target.Mode())

	err = client.Transfer(context.Background(), target, domain.UploadFile{Filename: "a.txt", Content: strings.NewReader("hello")})
	require.NoError(t, err)
	assert.Equal(t, []string{"policy", "key", "x-amz-signature", "Content-Type", "file"}, parts)
}

func TestClient_TransferRejected(t *testing.T) {
	client, srv := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))

	target := &domain.UploadTarget{DocumentID: "d1", UploadURL: srv.URL, Fields: map[string]string{"key": "k"}}
	err := client.Transfer(context.Background(), target, domain.UploadFile{Filename: "a.txt", Content: strings.NewReader("x")})
	assert.ErrorIs(t, err, domain.ErrUnexpectedStatus)
	assert.True(t, IsStatus(err, http.StatusForbidden))
}

func TestClient_CompleteUpload(t *testing.T) {
	var completed string
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/uploads/{id}/complete", func(w http.ResponseWriter, r *http.Request) {
		completed = r.PathValue("id")
		writeJSON(w, http.StatusOK, map[string]string{"message": "Upload completed, processing started"})
	})
	client, _ := newTestClient(t, mux)

	require.NoError(t, client.CompleteUpload(context.Background(), "d1"))
	assert.Equal(t, "d1", completed)

	// Ids are escaped as a single path segment
	require.NoError(t, client.CompleteUpload(context.Background(), "a b"))
	assert.Equal(t, "a b", completed)
}

func TestClient_GetDocument(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/documents/{id}", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"id": r.PathValue("id"), "name": "a.pdf", "status": "ready", "size_bytes": 42})
	})
	client, _ := newTestClient(t, mux)

	doc, err := client.GetDocument(context.Background(), "d1")
	require.NoError(t, err)
	assert.Equal(t, "d1", doc.ID)
	assert.Equal(t, domain.DocumentStatusReady, doc.Status)
	assert.Equal(t, int64(42), doc.Size)
}

func TestClient_ChatStream(t *testing.T) {
	var got domain.ChatRequest
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/chat/stream", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		_, _ = io.WriteString(w, "data: {\"type\":\"token\",\"content\":\"Hel\"}\n")
		flusher.Flush()
		_, _ = io.WriteString(w, "data: {\"type\":\"token\",\"content\":\"lo\"}\n")
	})
	client, _ := newTestClient(t, mux)

	body, err := client.ChatStream(context.Background(), domain.ChatRequest{Query: "hi", TopK: 5, Stream: true, BatchID: "b1", DocumentIDs: []string{"d1"}})
	require.NoError(t, err)
	defer body.Close()

	data, err := io.ReadAll(body)
	require.NoError(t, err)
	assert.Equal(t, "data: {\"type\":\"token\",\"content\":\"Hel\"}\ndata: {\"type\":\"token\",\"content\":\"lo\"}\n", string(data))
	assert.Equal(t, domain.ChatRequest{Query: "hi", TopK: 5, Stream: true, BatchID: "b1", DocumentIDs: []string{"d1"}}, got)
}

func TestClient_ChatStreamErrors(t *testing.T) {
	t.Run("status", func(t *testing.T) {
		client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"detail": "llm down"})
		}))
		_, err := client.ChatStream(context.Background(), domain.ChatRequest{Query: "hi", Stream: true})
		assert.ErrorIs(t, err, domain.ErrUnexpectedStatus)
	})

	t.Run("empty body", func(t *testing.T) {
		client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Length", "0")
			w.WriteHeader(http.StatusOK)
		}))
		_, err := client.ChatStream(context.Background(), domain.ChatRequest{Query: "hi", Stream: true})
		assert.ErrorIs(t, err, domain.ErrNoResponseBody)
	})

	t.Run("cancelled", func(t *testing.T) {
		client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			<-r.Context().Done()
		}))
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := client.ChatStream(ctx, domain.ChatRequest{Query: "hi", Stream: true})
		assert.True(t, errors.Is(err, context.Canceled))
	})
}

package store

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"

	"github.com/ledgerbridge/transfer-service/pkg/docstore"
)

// fakeDocServer is an in-memory stand-in for the document store's REST API,
// honoring field masks and update-time preconditions the way the real store
// does.
type fakeDocServer struct {
	mu        sync.Mutex
	docs      map[string]*docstore.Document
	revisions int
	failNext  int // respond 500 to this many requests before recovering
	patches   int
	afterGet  func(path string) // runs after a GET is served, before the lock releases
}

func newFakeDocServer() *fakeDocServer {
	return &fakeDocServer{docs: map[string]*docstore.Document{}}
}

func (s *fakeDocServer) start() *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(s.handle))
}

func (s *fakeDocServer) put(path string, fields map[string]docstore.Value) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.revisions++
	s.docs[path] = &docstore.Document{
		Fields:     fields,
		UpdateTime: fmt.Sprintf("rev-%d", s.revisions),
	}
}

func (s *fakeDocServer) get(path string) *docstore.Document {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.docs[path]
}

// bump rewrites a document's update time without changing fields, simulating
// a concurrent writer.
func (s *fakeDocServer) bump(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if doc, ok := s.docs[path]; ok {
		s.revisions++
		doc.UpdateTime = fmt.Sprintf("rev-%d", s.revisions)
	}
}

func writeStoreError(w http.ResponseWriter, code int, status, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"error": map[string]interface{}{
			"code":    code,
			"message": message,
			"status":  status,
		},
	})
}

func (s *fakeDocServer) handle(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failNext > 0 {
		s.failNext--
		writeStoreError(w, http.StatusInternalServerError, "INTERNAL", "injected failure")
		return
	}

	path := strings.TrimPrefix(r.URL.Path, "/v1/")
	switch r.Method {
	case http.MethodGet:
		doc, ok := s.docs[path]
		if !ok {
			writeStoreError(w, http.StatusNotFound, "NOT_FOUND", "document missing")
			return
		}
		json.NewEncoder(w).Encode(doc)
		if s.afterGet != nil {
			// Runs one-shot with the lock held; hooks mutate s.docs directly.
			hook := s.afterGet
			s.afterGet = nil
			hook(path)
		}

	case http.MethodPatch:
		s.patches++
		query := r.URL.Query()
		existing, exists := s.docs[path]

		if query.Get("currentDocument.exists") == "false" && exists {
			writeStoreError(w, http.StatusConflict, "FAILED_PRECONDITION", "document already exists")
			return
		}
		if want := query.Get("currentDocument.updateTime"); want != "" {
			if !exists || existing.UpdateTime != want {
				writeStoreError(w, http.StatusConflict, "FAILED_PRECONDITION", "update time mismatch")
				return
			}
		}

		var body docstore.Document
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeStoreError(w, http.StatusBadRequest, "INVALID_ARGUMENT", "bad body")
			return
		}

		if !exists {
			existing = &docstore.Document{Fields: map[string]docstore.Value{}}
			s.docs[path] = existing
		}

		mask := query["updateMask.fieldPaths"]
		if len(mask) == 0 {
			existing.Fields = body.Fields
		} else {
			for _, fp := range mask {
				if v, ok := body.Fields[fp]; ok {
					existing.Fields[fp] = v
				} else {
					delete(existing.Fields, fp)
				}
			}
		}
		s.revisions++
		existing.UpdateTime = fmt.Sprintf("rev-%d", s.revisions)
		json.NewEncoder(w).Encode(existing)

	case http.MethodDelete:
		if want := r.URL.Query().Get("currentDocument.updateTime"); want != "" {
			existing, exists := s.docs[path]
			if !exists || existing.UpdateTime != want {
				writeStoreError(w, http.StatusConflict, "FAILED_PRECONDITION", "update time mismatch")
				return
			}
		}
		delete(s.docs, path)
		w.WriteHeader(http.StatusOK)

	default:
		writeStoreError(w, http.StatusMethodNotAllowed, "INVALID_ARGUMENT", "unsupported method")
	}
}

package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/mkdlm/rangedl/internal/dlm"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	return New(dlm.NewManager(0), t.TempDir())
}

func doJSON(t *testing.T, s *Server, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var r *http.Request
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		r = httptest.NewRequest(method, path, bytes.NewReader(b))
		r.Header.Set("Content-Type", "application/json")
	} else {
		r = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	s.ServeHTTP(w, r)
	return w
}

func TestHandleAddDownloadRejectsMissingURLs(t *testing.T) {
	s := newTestServer(t)
	w := doJSON(t, s, http.MethodPost, "/downloads", AddDownloadRequest{})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d; want 400", w.Code)
	}
}

func TestHandleAddDownloadCreatesDownload(t *testing.T) {
	s := newTestServer(t)
	w := doJSON(t, s, http.MethodPost, "/downloads", AddDownloadRequest{
		URLs: []string{"http://127.0.0.1:1/a/movie.mp4"},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d; want 200, body = %s", w.Code, w.Body.String())
	}

	var resp Response
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	data, ok := resp.Data.(map[string]interface{})
	if !ok {
		t.Fatalf("resp.Data = %#v; want a map", resp.Data)
	}
	if _, ok := data["id"]; !ok {
		t.Fatalf("response missing id: %#v", data)
	}

	list := doJSON(t, s, http.MethodGet, "/downloads", nil)
	if list.Code != http.StatusOK {
		t.Fatalf("GET /downloads status = %d; want 200", list.Code)
	}
}

func TestHandleGetDownloadNotFound(t *testing.T) {
	s := newTestServer(t)
	w := doJSON(t, s, http.MethodGet, "/downloads/does-not-exist", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d; want 404", w.Code)
	}
}

func TestHandleActionRefusesInvalidTransition(t *testing.T) {
	s := newTestServer(t)
	add := doJSON(t, s, http.MethodPost, "/downloads", AddDownloadRequest{
		URLs: []string{"http://127.0.0.1:1/a/movie.mp4"},
	})
	var resp Response
	if err := json.Unmarshal(add.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	id := resp.Data.(map[string]interface{})["id"].(string)

	// A freshly added download is ready, so ready->cancelled succeeds once.
	w := doJSON(t, s, http.MethodPost, "/downloads/"+id+"/cancel", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("cancel status = %d; want 200, body = %s", w.Code, w.Body.String())
	}

	// cancelled->cancelled is not a valid transition and is refused.
	w = doJSON(t, s, http.MethodPost, "/downloads/"+id+"/cancel", nil)
	if w.Code != http.StatusConflict {
		t.Fatalf("second cancel status = %d; want 409", w.Code)
	}
}

func TestHandleLogReturnsEntries(t *testing.T) {
	s := newTestServer(t)
	add := doJSON(t, s, http.MethodPost, "/downloads", AddDownloadRequest{
		URLs: []string{"http://127.0.0.1:1/a/movie.mp4"},
	})
	var resp Response
	if err := json.Unmarshal(add.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	id := resp.Data.(map[string]interface{})["id"].(string)

	w := doJSON(t, s, http.MethodGet, "/downloads/"+id+"/log", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d; want 200", w.Code)
	}
}

func TestFilenameFromURL(t *testing.T) {
	tests := []struct {
		url  string
		want string
	}{
		{"http://127.0.0.1:1/a/movie.mp4", "movie.mp4"},
		{"http://example.com/a/", "download"},
		{"http://example.com", "download"},
	}
	for _, tt := range tests {
		if got := filenameFromURL(tt.url); got != tt.want {
			t.Errorf("filenameFromURL(%q) = %q; want %q", tt.url, got, tt.want)
		}
	}
}

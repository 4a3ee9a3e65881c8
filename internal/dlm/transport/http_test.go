package transport

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/mkdlm/rangedl/internal/dlm"
)

func rangeServer(t *testing.T, body []byte) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Disposition", `attachment; filename="movie.mp4"`)
		rng := r.Header.Get("Range")
		if rng == "" {
			w.Header().Set("Content-Length", strconv.Itoa(len(body)))
			w.WriteHeader(http.StatusOK)
			w.Write(body)
			return
		}
		start, ok := parseRangeStart(rng)
		if !ok || start >= len(body) {
			w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
			return
		}
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, len(body)-1, len(body)))
		w.WriteHeader(http.StatusPartialContent)
		w.Write(body[start:])
	}))
}

func parseRangeStart(rangeHeader string) (int, bool) {
	rest, ok := strings.CutPrefix(rangeHeader, "bytes=")
	if !ok {
		return 0, false
	}
	rest, _, _ = strings.Cut(rest, "-")
	n, err := strconv.Atoi(rest)
	if err != nil {
		return 0, false
	}
	return n, true
}

func TestHTTPFetcherFetchInfo(t *testing.T) {
	body := []byte("hello range world")
	srv := rangeServer(t, body)
	defer srv.Close()

	src := dlm.NewSource(srv.URL)
	f := NewHTTPFetcher()

	realURL, filename, filesize, err := f.FetchInfo(t.Context(), src)
	if err != nil {
		t.Fatalf("FetchInfo() error = %v", err)
	}
	if filesize != int64(len(body)) {
		t.Fatalf("filesize = %d; want %d", filesize, len(body))
	}
	if filename != "movie.mp4" {
		t.Fatalf("filename = %q; want movie.mp4", filename)
	}
	if realURL != srv.URL {
		t.Fatalf("realURL = %q; want %q", realURL, srv.URL)
	}
}

// TestHTTPFetcherEndToEndDownload drives a whole Download lifecycle (info
// probe, split, multi-slot fetch, finish) against a real range-serving
// httptest server, verifying the full byte stream lands correctly.
func TestHTTPFetcherEndToEndDownload(t *testing.T) {
	body := make([]byte, 64*1024)
	for i := range body {
		body[i] = byte(i)
	}
	srv := rangeServer(t, body)
	defer srv.Close()

	f := NewHTTPFetcher()
	dir := t.TempDir()
	d := dlm.NewDownload("d1", dir, "out.bin", f)
	d.SetChunkSize(8 * 1024)
	d.SetMaxSlot(4)
	d.AddSource(srv.URL)

	done := make(chan dlm.State, 1)
	d.StatusChanged.Subscribe(func(s dlm.State) {
		if s == dlm.StateFinished || s == dlm.StateFailed {
			select {
			case done <- s:
			default:
			}
		}
	})

	if !d.Start() {
		t.Fatalf("Start() = false")
	}

	select {
	case s := <-done:
		if s != dlm.StateFinished {
			t.Fatalf("download ended in state %s; want finished", s)
		}
	case <-time.After(10 * time.Second):
		t.Fatalf("download did not finish within 10s, state = %s", d.State())
	}

	got, err := os.ReadFile(filepath.Join(dir, d.Filename()))
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != len(body) {
		t.Fatalf("downloaded %d bytes; want %d", len(got), len(body))
	}
	for i := range body {
		if got[i] != body[i] {
			t.Fatalf("byte %d = %d; want %d", i, got[i], body[i])
		}
	}
}

func TestHTTPFetcherFetchDataDetectsIgnoredRange(t *testing.T) {
	body := []byte("0123456789")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Ignores Range entirely and always answers 200 with the full body.
		w.Header().Set("Content-Length", strconv.Itoa(len(body)))
		w.WriteHeader(http.StatusOK)
		w.Write(body)
	}))
	defer srv.Close()

	src := dlm.NewSource(srv.URL)
	f := NewHTTPFetcher()
	dir := t.TempDir()
	tf, err := dlm.OpenTargetFile(filepath.Join(dir, "out.bin"))
	if err != nil {
		t.Fatal(err)
	}
	defer tf.Close()

	chunk := dlm.NewChunk(nil, 5, 5)
	d := dlm.NewDownload("d1", dir, "out.bin", f)

	// FetchData returns ErrRangeNotSupported before ever touching dl's
	// state (the server answered 200 to a nonzero-offset request), so the
	// download is left in its default StateReady throughout this call.
	err = f.FetchData(t.Context(), src, chunk, tf, d)
	if err != dlm.ErrRangeNotSupported {
		t.Fatalf("FetchData() error = %v; want ErrRangeNotSupported", err)
	}
}

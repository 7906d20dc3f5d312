package obs

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestInstrumentPreservesStatus(t *testing.T) {
	h := Instrument(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/info", nil))

	if rec.Code != http.StatusTeapot {
		t.Fatalf("expected 418, got %d", rec.Code)
	}
}

func TestStatusWriterFlush(t *testing.T) {
	rec := httptest.NewRecorder()
	sw := &statusWriter{ResponseWriter: rec, code: 200}
	sw.Flush() // must not panic when the underlying writer supports flushing
	if !rec.Flushed {
		t.Fatalf("expected underlying recorder to be flushed")
	}
}

func TestStatusWriterHijack(t *testing.T) {
	var _ http.Hijacker = &statusWriter{}

	// The recorder cannot be hijacked; the wrapper must surface that as an
	// error instead of panicking.
	sw := &statusWriter{ResponseWriter: httptest.NewRecorder(), code: 200}
	if _, _, err := sw.Hijack(); err == nil {
		t.Fatal("expected error from a non-hijackable writer")
	}
}

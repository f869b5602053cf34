package httpx

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"pos-sync-platform/shared/logx"
)

func TestReadBodyLimit(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(strings.Repeat("a", 32)))
	w := httptest.NewRecorder()
	if _, ok, err := ReadBody(w, r, 8); err != nil || ok {
		t.Fatalf("expected oversize body to be refused, ok=%v err=%v", ok, err)
	}

	r = httptest.NewRequest(http.MethodPost, "/", strings.NewReader("abc"))
	b, ok, err := ReadBody(w, r, 8)
	if err != nil || !ok || string(b) != "abc" {
		t.Fatalf("unexpected read result %q ok=%v err=%v", b, ok, err)
	}
}

func TestDecodeJSONRejectsUnknownFields(t *testing.T) {
	var dest struct {
		Action string `json:"action"`
	}
	if err := DecodeJSON([]byte(`{"action":"dismiss"}`), &dest); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if dest.Action != "dismiss" {
		t.Fatalf("unexpected action %q", dest.Action)
	}
	if err := DecodeJSON([]byte(`{"action":"dismiss","extra":1}`), &dest); err == nil {
		t.Fatalf("expected unknown field error")
	}
	if err := DecodeJSON([]byte(`{"action":"a"} {}`), &dest); err == nil {
		t.Fatalf("expected trailing data error")
	}
}

func TestWriteErrorEnvelope(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	w := httptest.NewRecorder()
	WithRequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		WriteError(w, r, http.StatusNotFound, "NOT_FOUND", "device not found", map[string]any{"reason": "device_not_found"})
	})).ServeHTTP(w, r)

	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
	body := w.Body.String()
	if !strings.Contains(body, `"code":"NOT_FOUND"`) || !strings.Contains(body, `"reason":"device_not_found"`) {
		t.Fatalf("unexpected body %s", body)
	}
	if w.Header().Get("X-Request-ID") == "" {
		t.Fatalf("expected request id header")
	}
}

func TestRoutesAnswersWithEnvelope(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/sync/push", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	})
	h := Routes(mux)

	cases := []struct {
		method string
		path   string
		status int
		code   string
	}{
		{http.MethodPost, "/api/v1/sync/push", http.StatusAccepted, ""},
		{http.MethodGet, "/api/v1/sync/push", http.StatusMethodNotAllowed, CodeMethodNotAllowed},
		{http.MethodGet, "/nope", http.StatusNotFound, CodeNotFound},
	}
	for _, tc := range cases {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest(tc.method, tc.path, nil))
		if w.Code != tc.status {
			t.Fatalf("%s %s: expected %d, got %d", tc.method, tc.path, tc.status, w.Code)
		}
		if tc.code != "" && !strings.Contains(w.Body.String(), `"code":"`+tc.code+`"`) {
			t.Fatalf("%s %s: unexpected body %s", tc.method, tc.path, w.Body.String())
		}
	}
}

func TestRequestIDReplacesUnsafeValues(t *testing.T) {
	h := WithRequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	for in, keep := range map[string]bool{"req-42.a_b": true, "bad id\n": false, strings.Repeat("x", 65): false} {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r.Header.Set(HeaderRequestID, in)
		w := httptest.NewRecorder()
		h.ServeHTTP(w, r)
		got := w.Header().Get(HeaderRequestID)
		if keep != (got == in) {
			t.Fatalf("request id %q: got %q", in, got)
		}
	}
}

func TestWithTimeoutAnswers504(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	h := WithTimeout(20*time.Millisecond, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-release:
		}
		w.WriteHeader(http.StatusOK)
	}))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	if w.Code != http.StatusGatewayTimeout {
		t.Fatalf("expected 504, got %d", w.Code)
	}
}

func TestPanicInsideTimeoutReachesRecover(t *testing.T) {
	h := WithRecover(logx.Discard(), WithTimeout(time.Second, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	})))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", w.Code)
	}
}

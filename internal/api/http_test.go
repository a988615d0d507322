package api

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/yubilite/pcsc-agent/internal/pcsc"
)

// fakeSession implements keysession.KeySession for API tests
type fakeSession struct {
	mu        sync.Mutex
	open      bool
	present   bool
	reader    string
	atr       []byte
	serial    string
	responses map[string][]byte
	openErr   error
}

func newFakeSession() *fakeSession {
	atr, _ := hex.DecodeString("3bfd1300008131fe158073c021c057597562694b657940")
	return &fakeSession{
		present:   true,
		reader:    "Yubico YubiKey OTP+FIDO+CCID",
		atr:       atr,
		serial:    "9681726",
		responses: make(map[string][]byte),
	}
}

func (f *fakeSession) Open() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.openErr != nil {
		return f.openErr
	}
	f.open = true
	return nil
}

func (f *fakeSession) Reopen() error { return f.Open() }

func (f *fakeSession) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.open = false
	return nil
}

func (f *fakeSession) Transmit(cmd []byte) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.open {
		return nil, errors.New("session not open")
	}
	if rsp, ok := f.responses[hex.EncodeToString(cmd)]; ok {
		return rsp, nil
	}
	return []byte{0x6A, 0x81}, nil
}

func (f *fakeSession) CardPresent() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.present
}

func (f *fakeSession) setPresent(present bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.present = present
}

func (f *fakeSession) Serial() (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.serial, f.serial != ""
}

func (f *fakeSession) ATR() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.atr
}

func (f *fakeSession) ReaderName() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reader
}

func newTestServer() (*Server, *fakeSession) {
	session := newFakeSession()
	layer := pcsc.NewLayer(session, pcsc.WithPollInterval(5*time.Millisecond))
	client := pcsc.NewClient(layer)
	return NewServer(layer, client), session
}

func TestHandleReader(t *testing.T) {
	server, _ := newTestServer()

	req := httptest.NewRequest(http.MethodGet, "/v1/reader", nil)
	w := httptest.NewRecorder()
	server.handleReader(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}

	var resp map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid JSON response: %v", err)
	}
	if resp["reader"] != "Yubico YubiKey OTP+FIDO+CCID" {
		t.Errorf("reader = %v", resp["reader"])
	}
	if resp["present"] != true {
		t.Error("present should be true")
	}
	if resp["serial"] != "9681726" {
		t.Errorf("serial = %v", resp["serial"])
	}
}

func TestHandleReaderMethodNotAllowed(t *testing.T) {
	server, _ := newTestServer()

	req := httptest.NewRequest(http.MethodPost, "/v1/reader", nil)
	w := httptest.NewRecorder()
	server.handleReader(w, req)

	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", w.Code)
	}
}

func TestHandleTransmit(t *testing.T) {
	server, session := newTestServer()
	session.responses["00a4040005a000000527"] = []byte{0x90, 0x00}

	body, _ := json.Marshal(map[string]string{"apdu": "00a4040005a000000527"})
	req := httptest.NewRequest(http.MethodPost, "/v1/transmit", bytes.NewReader(body))
	w := httptest.NewRecorder()
	server.handleTransmit(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
	}

	var resp map[string]any
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp["response"] != "9000" {
		t.Errorf("response = %v, want 9000", resp["response"])
	}
}

func TestHandleTransmitInvalidPayload(t *testing.T) {
	server, _ := newTestServer()

	tests := []struct {
		name string
		body string
	}{
		{"not json", "not json"},
		{"bad hex", `{"apdu":"zz"}`},
		{"empty apdu", `{"apdu":""}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/v1/transmit", bytes.NewReader([]byte(tt.body)))
			w := httptest.NewRecorder()
			server.handleTransmit(w, req)

			if w.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", w.Code)
			}
		})
	}
}

func TestHandleTransmitReusesHandles(t *testing.T) {
	server, session := newTestServer()
	session.responses["00010203"] = []byte{0x90, 0x00}

	for i := 0; i < 3; i++ {
		body, _ := json.Marshal(map[string]string{"apdu": "00010203"})
		req := httptest.NewRequest(http.MethodPost, "/v1/transmit", bytes.NewReader(body))
		w := httptest.NewRecorder()
		server.handleTransmit(w, req)
		if w.Code != http.StatusOK {
			t.Fatalf("request %d: status = %d", i, w.Code)
		}
	}

	// A single agent context serves all plain HTTP requests
	if got := server.layer.ContextCount(); got != 1 {
		t.Errorf("ContextCount() = %d, want 1", got)
	}
}

func TestHandleVersion(t *testing.T) {
	server, _ := newTestServer()

	req := httptest.NewRequest(http.MethodGet, "/v1/version", nil)
	w := httptest.NewRecorder()
	server.handleVersion(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}

	var resp map[string]string
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp["version"] == "" {
		t.Error("version should not be empty")
	}
}

func TestHandleHealth(t *testing.T) {
	server, session := newTestServer()

	req := httptest.NewRequest(http.MethodGet, "/v1/health", nil)
	w := httptest.NewRecorder()
	server.handleHealth(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}

	var resp map[string]any
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp["status"] != "ok" {
		t.Errorf("status = %v", resp["status"])
	}
	if resp["cardPresent"] != true {
		t.Error("cardPresent should be true")
	}

	// Absent key still reports ok, just without a card
	session.setPresent(false)
	w = httptest.NewRecorder()
	server.handleHealth(w, httptest.NewRequest(http.MethodGet, "/v1/health", nil))

	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp["cardPresent"] != false {
		t.Error("cardPresent should be false with key absent")
	}
}

func TestHandleLogs(t *testing.T) {
	server, _ := newTestServer()

	req := httptest.NewRequest(http.MethodGet, "/v1/logs?limit=5", nil)
	w := httptest.NewRecorder()
	server.handleLogs(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}

	var entries []map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &entries); err != nil {
		t.Fatalf("invalid JSON response: %v", err)
	}
}

func TestHandleShutdownWithoutHandler(t *testing.T) {
	server, _ := newTestServer()

	req := httptest.NewRequest(http.MethodPost, "/v1/shutdown", nil)
	w := httptest.NewRecorder()
	server.handleShutdown(w, req)

	if w.Code != http.StatusNotImplemented {
		t.Errorf("status = %d, want 501", w.Code)
	}
}

func TestHandleShutdown(t *testing.T) {
	server, _ := newTestServer()

	called := make(chan struct{})
	server.SetShutdownHandler(func() { close(called) })

	req := httptest.NewRequest(http.MethodPost, "/v1/shutdown", nil)
	w := httptest.NewRecorder()
	server.handleShutdown(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}

	select {
	case <-called:
	case <-time.After(time.Second):
		t.Error("shutdown handler was not invoked")
	}
}

func TestCORSHeaders(t *testing.T) {
	server, _ := newTestServer()
	mux := server.Mux()

	req := httptest.NewRequest(http.MethodOptions, "/v1/version", nil)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("preflight status = %d, want 200", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("Access-Control-Allow-Origin = %q, want *", got)
	}
}

func TestRecoveryMiddleware(t *testing.T) {
	handler := recoveryMiddleware(func(w http.ResponseWriter, r *http.Request) {
		panic("test panic")
	})

	req := httptest.NewRequest(http.MethodGet, "/v1/test", nil)
	w := httptest.NewRecorder()
	handler(w, req)

	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", w.Code)
	}

	var resp map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid JSON response: %v", err)
	}
	if resp["error"] != "internal server error" {
		t.Errorf("error = %q", resp["error"])
	}
}

package pcsc

import (
	"encoding/hex"
	"errors"
	"sync"
)

// MockKeySession implements keysession.KeySession for testing
type MockKeySession struct {
	mu          sync.Mutex
	open        bool
	present     bool
	reader      string
	atr         []byte
	serial      string
	responses   map[string][]byte // command hex -> response
	openErr     error
	closeErr    error
	transmitErr error

	openCalls     int
	reopenCalls   int
	closeCalls    int
	transmitCalls int
}

// NewMockSession creates a mock session with a key attached
func NewMockSession() *MockKeySession {
	atr, _ := hex.DecodeString("3bfd1300008131fe158073c021c057597562694b657940")
	return &MockKeySession{
		present:   true,
		reader:    "Yubico YubiKey OTP+FIDO+CCID",
		atr:       atr,
		serial:    "14397034",
		responses: make(map[string][]byte),
	}
}

// WithReader sets the reader name backing the session
func (m *MockKeySession) WithReader(name string) *MockKeySession {
	m.reader = name
	return m
}

// WithSerial sets the serial reported by the session
func (m *MockKeySession) WithSerial(serial string) *MockKeySession {
	m.serial = serial
	return m
}

// WithATR sets the key's answer-to-reset
func (m *MockKeySession) WithATR(atr []byte) *MockKeySession {
	m.atr = atr
	return m
}

// WithResponse maps a command (hex) to a canned response
func (m *MockKeySession) WithResponse(cmdHex string, rsp []byte) *MockKeySession {
	m.responses[cmdHex] = rsp
	return m
}

// WithAbsent makes the session report no key attached
func (m *MockKeySession) WithAbsent() *MockKeySession {
	m.present = false
	m.atr = nil
	m.serial = ""
	return m
}

// WithOpenError makes Open and Reopen fail
func (m *MockKeySession) WithOpenError(err error) *MockKeySession {
	m.openErr = err
	return m
}

// WithCloseError makes Close fail
func (m *MockKeySession) WithCloseError(err error) *MockKeySession {
	m.closeErr = err
	return m
}

// WithTransmitError makes Transmit fail
func (m *MockKeySession) WithTransmitError(err error) *MockKeySession {
	m.transmitErr = err
	return m
}

// SetPresent flips key presence at runtime (drives status change tests)
func (m *MockKeySession) SetPresent(present bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.present = present
}

func (m *MockKeySession) Open() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.openCalls++
	if m.openErr != nil {
		return m.openErr
	}
	m.open = true
	return nil
}

func (m *MockKeySession) Reopen() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reopenCalls++
	if m.openErr != nil {
		return m.openErr
	}
	m.open = true
	return nil
}

func (m *MockKeySession) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closeCalls++
	if m.closeErr != nil {
		return m.closeErr
	}
	m.open = false
	return nil
}

func (m *MockKeySession) Transmit(cmd []byte) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transmitCalls++

	if m.transmitErr != nil {
		return nil, m.transmitErr
	}
	if !m.open {
		return nil, errors.New("session not open")
	}

	if rsp, ok := m.responses[hex.EncodeToString(cmd)]; ok {
		return rsp, nil
	}
	// Default: command not supported
	return []byte{0x6A, 0x81}, nil
}

func (m *MockKeySession) CardPresent() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.present
}

func (m *MockKeySession) Serial() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.serial, m.serial != ""
}

func (m *MockKeySession) ATR() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.atr
}

func (m *MockKeySession) ReaderName() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reader
}

// TransmitCalls reports how many exchanges reached the session
func (m *MockKeySession) TransmitCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transmitCalls
}

// OpenCalls reports how many times Open was invoked
func (m *MockKeySession) OpenCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.openCalls
}

// CloseCalls reports how many times Close was invoked
func (m *MockKeySession) CloseCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closeCalls
}

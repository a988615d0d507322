package keysession

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ebfe/scard"

	"github.com/yubilite/pcsc-agent/internal/logging"
)

// APDUs used to read the serial number from the OTP applet. This is the only
// command knowledge the transport carries; everything else is pass-through.
var (
	selectOTPApplet = []byte{0x00, 0xA4, 0x04, 0x00, 0x08, 0xA0, 0x00, 0x00, 0x05, 0x27, 0x20, 0x01, 0x01}
	readSerialCmd   = []byte{0x00, 0x01, 0x10, 0x00, 0x00}
)

// SCardSession is the production KeySession backed by the platform PC/SC
// stack via ebfe/scard.
type SCardSession struct {
	readerMatch string

	mu     sync.Mutex
	ctx    *scard.Context
	card   *scard.Card
	reader string
	atr    []byte
	serial string
}

// NewSCardSession creates a session that connects to the first reader whose
// name contains readerMatch (case-insensitive). An empty match defaults to
// YubiKey readers.
func NewSCardSession(readerMatch string) *SCardSession {
	return &SCardSession{readerMatch: readerMatch}
}

// MatchReader returns the first reader whose name contains match
// (case-insensitive), or "" if none does. An empty match falls back to
// the usual YubiKey reader names.
func MatchReader(readers []string, match string) string {
	patterns := []string{match}
	if match == "" {
		patterns = []string{"yubikey", "yubico"}
	}
	for _, r := range readers {
		lower := strings.ToLower(r)
		for _, p := range patterns {
			if strings.Contains(lower, strings.ToLower(p)) {
				return r
			}
		}
	}
	return ""
}

func (s *SCardSession) ensureContext() error {
	if s.ctx != nil {
		return nil
	}
	ctx, err := scard.EstablishContext()
	if err != nil {
		return fmt.Errorf("failed to establish context: %w", err)
	}
	s.ctx = ctx
	return nil
}

// Open establishes the connection to the key. Calling Open on an open
// session is a no-op.
func (s *SCardSession) Open() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.card != nil {
		return nil
	}
	return s.connectLocked()
}

func (s *SCardSession) connectLocked() error {
	if err := s.ensureContext(); err != nil {
		return err
	}

	readers, err := s.ctx.ListReaders()
	if err != nil {
		return fmt.Errorf("failed to list readers: %w", err)
	}

	reader := MatchReader(readers, s.readerMatch)
	if reader == "" {
		return ErrNoKey
	}

	card, err := s.ctx.Connect(reader, scard.ShareShared, scard.ProtocolAny)
	if err != nil {
		return fmt.Errorf("failed to connect to %q: %w", reader, ErrNoCard)
	}

	status, err := card.Status()
	if err != nil {
		card.Disconnect(scard.LeaveCard)
		return fmt.Errorf("failed to get card status: %w", err)
	}

	s.card = card
	s.reader = reader
	s.atr = status.Atr

	// Serial is best-effort; not all keys expose the OTP applet.
	s.serial = readSerial(card)

	logging.Info(logging.CatSession, "Key session opened", map[string]any{
		"reader": reader,
		"serial": s.serial,
	})
	return nil
}

// readSerial selects the OTP applet and reads the 4-byte serial number.
// Returns "" when the key does not answer the command.
func readSerial(card *scard.Card) string {
	rsp, err := card.Transmit(selectOTPApplet)
	if err != nil || len(rsp) < 2 || rsp[len(rsp)-2] != 0x90 {
		return ""
	}
	rsp, err = card.Transmit(readSerialCmd)
	if err != nil || len(rsp) < 6 || rsp[len(rsp)-2] != 0x90 {
		return ""
	}
	serial := binary.BigEndian.Uint32(rsp[:4])
	return strconv.FormatUint(uint64(serial), 10)
}

// Reopen drops the card connection and connects again. Used to emulate
// SCardReconnect over the single physical key.
func (s *SCardSession) Reopen() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.card != nil {
		s.card.Disconnect(scard.LeaveCard)
		s.card = nil
	}
	return s.connectLocked()
}

// Close tears everything down. Open re-establishes from scratch afterwards.
func (s *SCardSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.card != nil {
		s.card.Disconnect(scard.LeaveCard)
		s.card = nil
	}
	if s.ctx != nil {
		s.ctx.Release()
		s.ctx = nil
	}
	s.atr = nil
	s.serial = ""

	logging.Debug(logging.CatSession, "Key session closed", nil)
	return nil
}

func (s *SCardSession) Transmit(cmd []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.card == nil {
		return nil, ErrNotOpen
	}
	rsp, err := s.card.Transmit(cmd)
	if err != nil {
		return nil, fmt.Errorf("transmit failed: %w", err)
	}
	return rsp, nil
}

// CardPresent polls the reader state without requiring an open card
// connection, so the PC/SC layer can report presence before connect.
func (s *SCardSession) CardPresent() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureContext(); err != nil {
		return false
	}

	readers, err := s.ctx.ListReaders()
	if err != nil {
		return false
	}
	reader := s.reader
	if reader == "" {
		reader = MatchReader(readers, s.readerMatch)
	}
	if reader == "" {
		return false
	}

	states := []scard.ReaderState{{Reader: reader, CurrentState: scard.StateUnaware}}
	if err := s.ctx.GetStatusChange(states, 50*time.Millisecond); err != nil {
		return false
	}
	return states[0].EventState&scard.StatePresent != 0
}

func (s *SCardSession) Serial() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.serial, s.serial != ""
}

func (s *SCardSession) ATR() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.atr
}

func (s *SCardSession) ReaderName() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reader
}

package keysession

import "errors"

// Session-level errors. The pcsc layer maps these onto PC/SC return codes;
// everything else stays an opaque transport failure.
var (
	// ErrNotOpen is returned when an operation requires an open key session.
	ErrNotOpen = errors.New("key session not open")
	// ErrNoKey is returned when no YubiKey reader is attached.
	ErrNoKey = errors.New("no yubikey reader found")
	// ErrNoCard is returned when the reader is present but the key does not respond.
	ErrNoCard = errors.New("no card present")
)

// KeySession is the transport used by the PC/SC layer to talk to the single
// physical key. One exchange is in flight at a time; serialization is the
// caller's responsibility.
type KeySession interface {
	// Open establishes the session with the key. Safe to call when already open.
	Open() error
	// Reopen drops the current card connection and establishes a fresh one.
	Reopen() error
	// Close tears down the session. Safe to call when not open.
	Close() error
	// Transmit sends a raw command and returns the raw response.
	Transmit(cmd []byte) ([]byte, error)
	// CardPresent reports whether the key is currently attached and reachable.
	CardPresent() bool
	// Serial returns the key's serial number, if it could be read.
	Serial() (string, bool)
	// ATR returns the answer-to-reset of the connected key, or nil when unknown.
	ATR() []byte
	// ReaderName returns the name of the reader backing the session, or "".
	ReaderName() string
}

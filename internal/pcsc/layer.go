package pcsc

import (
	"context"
	"encoding/hex"
	"sync"
	"time"

	"github.com/yubilite/pcsc-agent/internal/keysession"
	"github.com/yubilite/pcsc-agent/internal/logging"
)

const (
	// MaxContexts is the cap on concurrently registered PC/SC contexts.
	MaxContexts = 10

	// NoContext is the sentinel returned by ContextForCard for cards with
	// no live owning context. It is never a valid context handle.
	NoContext int32 = 0

	defaultPollInterval = 500 * time.Millisecond
)

// Layer emulates a PC/SC subsystem over a single key session. It tracks the
// context and card handles callers hand it and delegates every device-facing
// operation to the injected KeySession. Handles are opaque values generated
// by the caller (see Client); the layer only bookkeeps them.
type Layer struct {
	session      keysession.KeySession
	pollInterval time.Duration

	// mu guards the two handle tables. It is never held across device I/O.
	mu       sync.Mutex
	contexts map[int32]struct{}
	cards    map[int32]int32 // card handle -> owning context handle

	// txMu serializes exchanges with the key; the device supports one
	// in-flight command at a time.
	txMu sync.Mutex
}

// Option configures a Layer.
type Option func(*Layer)

// WithPollInterval sets the presence poll interval used by WaitStatusChange.
func WithPollInterval(d time.Duration) Option {
	return func(l *Layer) {
		if d > 0 {
			l.pollInterval = d
		}
	}
}

// NewLayer creates a layer around the given session. The session is fixed
// for the life of the layer; tests inject a fake here instead of swapping
// a shared instance.
func NewLayer(session keysession.KeySession, opts ...Option) *Layer {
	l := &Layer{
		session:      session,
		pollInterval: defaultPollInterval,
		contexts:     make(map[int32]struct{}),
		cards:        make(map[int32]int32),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// ConnectCard opens the underlying key session.
func (l *Layer) ConnectCard() int64 {
	l.txMu.Lock()
	defer l.txMu.Unlock()

	rc := CodeForError(l.session.Open(), ErrNoService)
	if rc != Success {
		logging.Debug(logging.CatPCSC, "Card connect failed", map[string]any{"rc": rc})
	}
	return rc
}

// ReconnectCard re-establishes the key session.
func (l *Layer) ReconnectCard() int64 {
	l.txMu.Lock()
	defer l.txMu.Unlock()
	return CodeForError(l.session.Reopen(), ErrNoService)
}

// DisconnectCard closes the underlying key session.
func (l *Layer) DisconnectCard() int64 {
	l.txMu.Lock()
	defer l.txMu.Unlock()
	return CodeForError(l.session.Close(), ErrCommError)
}

// Transmit forwards a raw command to the key. The response is nil unless the
// return code is Success.
func (l *Layer) Transmit(cmd []byte) (int64, []byte) {
	l.txMu.Lock()
	defer l.txMu.Unlock()

	rsp, err := l.session.Transmit(cmd)
	if err != nil {
		rc := CodeForError(err, ErrNotTransacted)
		logging.Debug(logging.CatPCSC, "Transmit failed", map[string]any{
			"cmd": hex.EncodeToString(cmd),
			"rc":  rc,
		})
		return rc, nil
	}
	return Success, rsp
}

// ListReaders reports the single emulated reader name. The name is empty
// unless the return code is Success.
func (l *Layer) ListReaders() (int64, string) {
	name := l.session.ReaderName()
	if name == "" {
		return ErrNoReaders, ""
	}
	return Success, name
}

// CardState reports the current readiness of the key. Always returns a
// value; absence is a state, not an error.
func (l *Layer) CardState() int32 {
	if l.session.CardPresent() {
		return StateSpecific
	}
	return StateAbsent
}

// WaitStatusChange blocks until the key's presence flips or ctx ends.
// Returns Success on a transition, ErrTimeout when the deadline passes and
// ErrCancelled when the caller cancels.
func (l *Layer) WaitStatusChange(ctx context.Context) int64 {
	initial := l.session.CardPresent()

	ticker := time.NewTicker(l.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if ctx.Err() == context.DeadlineExceeded {
				return ErrTimeout
			}
			return ErrCancelled
		case <-ticker.C:
			if l.session.CardPresent() != initial {
				return Success
			}
		}
	}
}

// CardSerial returns the key's serial number if the session could read one.
func (l *Layer) CardSerial() (string, bool) {
	return l.session.Serial()
}

// CardATR returns the key's ATR, or an empty slice when unavailable.
func (l *Layer) CardATR() []byte {
	atr := l.session.ATR()
	if atr == nil {
		return []byte{}
	}
	return atr
}

// StringifyError translates a return code to its symbolic name. ok is false
// for codes outside the table.
func (l *Layer) StringifyError(code int64) (string, bool) {
	s, ok := errorStrings[code]
	return s, ok
}

// AddContext registers a context handle. It fails when the handle is the
// NoContext sentinel, already registered, or the layer is at capacity. A
// failed add leaves the tables untouched.
func (l *Layer) AddContext(hContext int32) bool {
	if hContext == NoContext {
		return false
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.contexts[hContext]; ok {
		return false
	}
	if len(l.contexts) >= MaxContexts {
		return false
	}
	l.contexts[hContext] = struct{}{}
	return true
}

// RemoveContext unregisters a context handle. Cards owned by the context are
// deliberately left registered; card cleanup is the caller's responsibility.
func (l *Layer) RemoveContext(hContext int32) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.contexts[hContext]; !ok {
		return false
	}
	delete(l.contexts, hContext)
	return true
}

// AddCard registers a card handle under an owning context. It fails when the
// owner is not currently registered or the card handle already is.
func (l *Layer) AddCard(hCard, hContext int32) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.contexts[hContext]; !ok {
		return false
	}
	if _, ok := l.cards[hCard]; ok {
		return false
	}
	l.cards[hCard] = hContext
	return true
}

// RemoveCard unregisters a card handle. A miss is a no-op reported as false.
func (l *Layer) RemoveCard(hCard int32) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.cards[hCard]; !ok {
		return false
	}
	delete(l.cards, hCard)
	return true
}

// ContextIsValid reports whether the context handle is currently registered.
func (l *Layer) ContextIsValid(hContext int32) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.contexts[hContext]
	return ok
}

// CardIsValid reports whether the card handle is currently registered.
func (l *Layer) CardIsValid(hCard int32) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.cards[hCard]
	return ok
}

// ContextForCard returns the context owning the card. Unknown cards and
// cards whose owning context has since been removed report NoContext.
func (l *Layer) ContextForCard(hCard int32) int32 {
	l.mu.Lock()
	defer l.mu.Unlock()

	owner, ok := l.cards[hCard]
	if !ok {
		return NoContext
	}
	if _, live := l.contexts[owner]; !live {
		return NoContext
	}
	return owner
}

// ContextCount returns the number of currently registered contexts.
func (l *Layer) ContextCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.contexts)
}

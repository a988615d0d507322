package pcsc

import (
	"context"
	"math"
	"math/rand/v2"

	"github.com/yubilite/pcsc-agent/internal/logging"
)

// handleAttempts bounds the retry loop when a freshly generated handle
// collides with a registered one.
const handleAttempts = 32

// CardStatus is the answer to a Status call: the emulated reader name plus
// the key's state, ATR and serial as far as they are known.
type CardStatus struct {
	Reader string `json:"reader"`
	State  int32  `json:"state"`
	ATR    []byte `json:"atr"`
	Serial string `json:"serial,omitempty"`
}

// Client is the SCard-shaped front end over a Layer. It generates the opaque
// context and card handles and validates them before delegating; the layer
// itself never generates handles.
type Client struct {
	layer *Layer
}

// NewClient creates a front end over the given layer.
func NewClient(layer *Layer) *Client {
	return &Client{layer: layer}
}

// newHandle returns a random positive non-zero int32. Zero is reserved as
// the NoContext sentinel.
func newHandle() int32 {
	return rand.Int32N(math.MaxInt32-1) + 1
}

// EstablishContext registers a fresh context and returns its handle.
// Returns ErrNoMemory when the layer is at capacity.
func (c *Client) EstablishContext() (int32, int64) {
	for i := 0; i < handleAttempts; i++ {
		if c.layer.ContextCount() >= MaxContexts {
			return NoContext, ErrNoMemory
		}
		h := newHandle()
		if c.layer.AddContext(h) {
			logging.Debug(logging.CatPCSC, "Context established", map[string]any{"context": h})
			return h, Success
		}
	}
	return NoContext, ErrNoMemory
}

// ReleaseContext unregisters a context.
func (c *Client) ReleaseContext(hContext int32) int64 {
	if !c.layer.RemoveContext(hContext) {
		return ErrInvalidHandle
	}
	logging.Debug(logging.CatPCSC, "Context released", map[string]any{"context": hContext})
	return Success
}

// Connect opens the key session and registers a card handle under hContext.
func (c *Client) Connect(hContext int32) (int32, int64) {
	if !c.layer.ContextIsValid(hContext) {
		return 0, ErrInvalidHandle
	}

	if rc := c.layer.ConnectCard(); rc != Success {
		return 0, rc
	}

	for i := 0; i < handleAttempts; i++ {
		h := newHandle()
		if c.layer.AddCard(h, hContext) {
			return h, Success
		}
		// AddCard also fails when the context vanished between the
		// validity check and the insert.
		if !c.layer.ContextIsValid(hContext) {
			return 0, ErrInvalidHandle
		}
	}
	return 0, ErrNoMemory
}

// Disconnect closes the key session and unregisters the card handle.
func (c *Client) Disconnect(hCard int32) int64 {
	if !c.layer.CardIsValid(hCard) {
		return ErrInvalidHandle
	}
	rc := c.layer.DisconnectCard()
	c.layer.RemoveCard(hCard)
	return rc
}

// Reconnect re-establishes the key session for an existing card handle.
func (c *Client) Reconnect(hCard int32) int64 {
	if !c.layer.CardIsValid(hCard) {
		return ErrInvalidHandle
	}
	return c.layer.ReconnectCard()
}

// Transmit forwards a raw command on behalf of a card handle.
func (c *Client) Transmit(hCard int32, cmd []byte) ([]byte, int64) {
	if !c.layer.CardIsValid(hCard) {
		return nil, ErrInvalidHandle
	}
	if len(cmd) == 0 {
		return nil, ErrInvalidParam
	}
	rc, rsp := c.layer.Transmit(cmd)
	return rsp, rc
}

// Status reports the reader name, card state, ATR and serial for a card.
func (c *Client) Status(hCard int32) (CardStatus, int64) {
	if !c.layer.CardIsValid(hCard) {
		return CardStatus{}, ErrInvalidHandle
	}

	_, reader := c.layer.ListReaders()
	serial, _ := c.layer.CardSerial()
	return CardStatus{
		Reader: reader,
		State:  c.layer.CardState(),
		ATR:    c.layer.CardATR(),
		Serial: serial,
	}, Success
}

// GetStatusChange blocks until the key presence flips or ctx ends.
func (c *Client) GetStatusChange(ctx context.Context, hContext int32) int64 {
	if !c.layer.ContextIsValid(hContext) {
		return ErrInvalidHandle
	}
	return c.layer.WaitStatusChange(ctx)
}

// ListReaders returns the single emulated reader name for a context.
func (c *Client) ListReaders(hContext int32) (string, int64) {
	if !c.layer.ContextIsValid(hContext) {
		return "", ErrInvalidHandle
	}
	rc, name := c.layer.ListReaders()
	return name, rc
}

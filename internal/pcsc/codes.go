package pcsc

import (
	"errors"

	"github.com/yubilite/pcsc-agent/internal/keysession"
)

// PC/SC return codes (pcsc-lite values). The layer never interprets these
// beyond StringifyError; they travel to callers unchanged.
const (
	Success              int64 = 0x00000000
	ErrInternal          int64 = 0x80100001
	ErrCancelled         int64 = 0x80100002
	ErrInvalidHandle     int64 = 0x80100003
	ErrInvalidParam      int64 = 0x80100004
	ErrNoMemory          int64 = 0x80100006
	ErrInsufficientBuf   int64 = 0x80100008
	ErrUnknownReader     int64 = 0x80100009
	ErrTimeout           int64 = 0x8010000A
	ErrSharingViolation  int64 = 0x8010000B
	ErrNoSmartcard       int64 = 0x8010000C
	ErrProtoMismatch     int64 = 0x8010000F
	ErrCommError         int64 = 0x80100013
	ErrNotTransacted     int64 = 0x80100016
	ErrReaderUnavailable int64 = 0x80100017
	ErrNoService         int64 = 0x8010001D
	ErrNoReaders         int64 = 0x8010002E
	WarnResetCard        int64 = 0x80100068
	WarnRemovedCard      int64 = 0x80100069
)

// Card readiness reported by CardState, winscard numbering.
const (
	StateUnknown int32 = iota
	StateAbsent
	StatePresent
	StateSwallowed
	StatePowered
	StateNegotiable
	StateSpecific
)

var errorStrings = map[int64]string{
	Success:              "SCARD_S_SUCCESS",
	ErrInternal:          "SCARD_F_INTERNAL_ERROR",
	ErrCancelled:         "SCARD_E_CANCELLED",
	ErrInvalidHandle:     "SCARD_E_INVALID_HANDLE",
	ErrInvalidParam:      "SCARD_E_INVALID_PARAMETER",
	ErrNoMemory:          "SCARD_E_NO_MEMORY",
	ErrInsufficientBuf:   "SCARD_E_INSUFFICIENT_BUFFER",
	ErrUnknownReader:     "SCARD_E_UNKNOWN_READER",
	ErrTimeout:           "SCARD_E_TIMEOUT",
	ErrSharingViolation:  "SCARD_E_SHARING_VIOLATION",
	ErrNoSmartcard:       "SCARD_E_NO_SMARTCARD",
	ErrProtoMismatch:     "SCARD_E_PROTO_MISMATCH",
	ErrNotTransacted:     "SCARD_E_NOT_TRANSACTED",
	ErrReaderUnavailable: "SCARD_E_READER_UNAVAILABLE",
	ErrNoService:         "SCARD_E_NO_SERVICE",
	ErrNoReaders:         "SCARD_E_NO_READERS_AVAILABLE",
	ErrCommError:         "SCARD_F_COMM_ERROR",
	WarnResetCard:        "SCARD_W_RESET_CARD",
	WarnRemovedCard:      "SCARD_W_REMOVED_CARD",
}

// CodeForError maps a session error to a PC/SC return code. Unrecognized
// errors fall back to the caller-supplied code so transmit failures and
// connect failures can report different defaults.
func CodeForError(err error, fallback int64) int64 {
	switch {
	case err == nil:
		return Success
	case errors.Is(err, keysession.ErrNoKey):
		return ErrNoReaders
	case errors.Is(err, keysession.ErrNoCard):
		return ErrNoSmartcard
	case errors.Is(err, keysession.ErrNotOpen):
		return ErrReaderUnavailable
	default:
		return fallback
	}
}

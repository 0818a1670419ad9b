package chatd

import (
	"fmt"
	"strings"

	"golang.org/x/sys/unix"
)

// Error is a structured chatd error carrying operation context.
type Error struct {
	Op       string     // Operation that failed (e.g. "bind", "ring_setup")
	ClientID uint64     // Client id (0 if not applicable)
	Errno    unix.Errno // Kernel errno (0 if not applicable)
	Msg      string     // Human-readable message
	Inner    error      // Wrapped error
}

// Error implements the error interface
func (e *Error) Error() string {
	var parts []string
	if e.Op != "" {
		parts = append(parts, fmt.Sprintf("op=%s", e.Op))
	}
	if e.ClientID != 0 {
		parts = append(parts, fmt.Sprintf("client_id=%d", e.ClientID))
	}
	if e.Errno != 0 {
		parts = append(parts, fmt.Sprintf("errno=%d", int(e.Errno)))
	}

	if len(parts) > 0 {
		return fmt.Sprintf("chatd: %s (%s)", e.Msg, strings.Join(parts, " "))
	}
	return fmt.Sprintf("chatd: %s", e.Msg)
}

// Unwrap returns the wrapped error for errors.Is/As support
func (e *Error) Unwrap() error {
	return e.Inner
}

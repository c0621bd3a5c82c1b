// SPDX-License-Identifier: MIT

package store

import "errors"

// Typed error kinds surfaced by the session store. Callers branch on these
// with errors.Is; the API layer maps them to response codes.
var (
	// ErrNotFound: no session (or notification) matches the lookup.
	ErrNotFound = errors.New("not found")
	// ErrConflict: invite code collided with a live session.
	ErrConflict = errors.New("invite code conflict")
	// ErrExhausted: code generation retries ran out.
	ErrExhausted = errors.New("invite code generation exhausted")
	// ErrFull: session already holds the maximum number of participants.
	ErrFull = errors.New("session is full")
	// ErrTerminal: operation attempted on a completed or cancelled session.
	ErrTerminal = errors.New("session is terminal")
	// ErrNotMember: leader assignment to a non-participant.
	ErrNotMember = errors.New("user is not a participant")
	// ErrForbidden: row-level authorisation denied the access.
	ErrForbidden = errors.New("forbidden")
	// ErrIllegalTransition: durable status change violates the lifecycle table.
	ErrIllegalTransition = errors.New("illegal status transition")
)

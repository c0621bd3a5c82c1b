// SPDX-License-Identifier: MIT

package model

import (
	"crypto/rand"
	"strings"
)

// InviteCodeLength is the fixed length of a session invite code.
const InviteCodeLength = 6

const inviteAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// GenerateInviteCode draws a fresh 6-character uppercase alphanumeric code
// uniformly at random. Collision probing against the store is the caller's
// responsibility.
func GenerateInviteCode() string {
	// Rejection sampling keeps the draw uniform: bytes at or above the
	// largest multiple of the alphabet size are discarded.
	const limit = 256 - 256%len(inviteAlphabet)
	out := make([]byte, 0, InviteCodeLength)
	buf := make([]byte, InviteCodeLength*2)
	for len(out) < InviteCodeLength {
		if _, err := rand.Read(buf); err != nil {
			// crypto/rand never fails on supported platforms
			panic(err)
		}
		for _, b := range buf {
			if int(b) >= limit {
				continue
			}
			out = append(out, inviteAlphabet[int(b)%len(inviteAlphabet)])
			if len(out) == InviteCodeLength {
				break
			}
		}
	}
	return string(out)
}

// NormalizeInviteCode uppercases and trims user input. Lookup is
// case-insensitive; storage is always uppercase.
func NormalizeInviteCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// ValidInviteCode reports whether a normalized code is well-formed.
func ValidInviteCode(code string) bool {
	if len(code) != InviteCodeLength {
		return false
	}
	for i := 0; i < len(code); i++ {
		c := code[i]
		if (c < 'A' || c > 'Z') && (c < '0' || c > '9') {
			return false
		}
	}
	return true
}

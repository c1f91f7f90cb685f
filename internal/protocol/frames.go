// Package protocol defines the multipart wire formats spoken between
// clients and nodes (API protocol), between nodes (request protocol) and on
// the membership topic (publish protocol). Every field is one frame, every
// text frame is UTF-8 and numeric codes are ASCII digits.
package protocol

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Version is the protocol version frame shared by the API and request
// protocols.
const Version = "1"

// Outcome classifies a parsed incoming message. Anything but Parsed maps to
// a fixed reply: Malformed and UnknownOp answer with the unknown-request
// code, VersionMismatch with the version code and NoHeader cannot be
// answered at all because there is nothing to route the reply with.
type Outcome int

const (
	Parsed Outcome = iota
	NoHeader
	Malformed
	UnknownOp
	VersionMismatch
)

// FormatTime renders a timestamp for the wire: colon separated UTC
// components, seconds precision, no zero padding.
func FormatTime(t time.Time) string {
	t = t.UTC()
	return fmt.Sprintf(
		"%d:%d:%d:%d:%d:%d",
		t.Year(), int(t.Month()), t.Day(), t.Hour(), t.Minute(), t.Second())
}

// ParseTime reads a timestamp in the wire format back into UTC time.
func ParseTime(s string) (time.Time, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 6 {
		return time.Time{}, fmt.Errorf("timestamp %q: want 6 fields, got %d", s, len(parts))
	}
	numbers := make([]int, 6)
	for i, part := range parts {
		n, err := strconv.Atoi(part)
		if err != nil {
			return time.Time{}, fmt.Errorf("timestamp %q: %w", s, err)
		}
		numbers[i] = n
	}
	return time.Date(
		numbers[0], time.Month(numbers[1]), numbers[2],
		numbers[3], numbers[4], numbers[5], 0, time.UTC), nil
}

// SplitHeader cuts a message at the first empty frame. The header part
// includes the empty delimiter and is copied verbatim into replies. ok is
// false when no empty frame exists, in which case rest is the whole
// message.
func SplitHeader(frames [][]byte) (header, rest [][]byte, ok bool) {
	for i, frame := range frames {
		if len(frame) == 0 {
			return frames[:i+1], frames[i+1:], true
		}
	}
	return nil, frames, false
}

package protocol

import (
	"bytes"
	"testing"
	"time"
)

var requestID = []byte("0123456789abcdef")

func TestParsePeerSetRoundTrip(t *testing.T) {
	stamp := time.Date(2024, 3, 1, 12, 30, 45, 0, time.UTC)
	frames := BuildPeerSet(requestID, "key", "value", stamp)

	// On the receiving router socket the dealer's identity precedes the
	// request ID.
	frames = append([][]byte{[]byte("identity")}, frames...)
	request, outcome := ParseRequest(frames)
	if outcome != Parsed {
		t.Fatalf("outcome = %v", outcome)
	}
	if request.Op != ReqSet || request.Key != "key" || request.Value != "value" {
		t.Fatalf("parsed %+v", request)
	}
	if !request.Timestamp.Equal(stamp) {
		t.Fatalf("timestamp = %v, want %v", request.Timestamp, stamp)
	}
	// The header must contain everything up to the delimiter, so the reply
	// finds its way back to the waiting request ID.
	if len(request.Header) != 3 || !bytes.Equal(request.Header[1], requestID) {
		t.Fatalf("header = %v", request.Header)
	}
}

func TestParseConnect(t *testing.T) {
	frames := BuildConnect(requestID, "node-1", "tcp://host:1", "tcp://host:2")
	frames = append([][]byte{[]byte("identity")}, frames...)
	request, outcome := ParseRequest(frames)
	if outcome != Parsed {
		t.Fatalf("outcome = %v", outcome)
	}
	if request.Op != ReqConnect || request.NodeID != "node-1" ||
		request.ReqAddress != "tcp://host:1" || request.PubAddress != "tcp://host:2" {
		t.Fatalf("parsed %+v", request)
	}
}

func TestParseRequestErrors(t *testing.T) {
	header := [][]byte{[]byte("identity"), requestID, {}}
	with := func(tail ...string) [][]byte {
		frames := append([][]byte{}, header...)
		for _, frame := range tail {
			frames = append(frames, []byte(frame))
		}
		return frames
	}
	tests := []struct {
		name    string
		frames  [][]byte
		outcome Outcome
	}{
		{"no delimiter", [][]byte{[]byte("1"), []byte("get")}, NoHeader},
		{"nothing after header", header, NoHeader},
		{"version only", with("1"), Malformed},
		{"unknown op", with("1", "purge"), UnknownOp},
		{"wrong version", with("9", "get", "key"), VersionMismatch},
		{"set without timestamp", with("1", "set", "key", "value"), Malformed},
		{"set with bad timestamp", with("1", "set", "key", "value", "not-a-time"), Malformed},
		{"connect missing address", with("1", "connect", "node-1", "tcp://host:1"), Malformed},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if _, outcome := ParseRequest(test.frames); outcome != test.outcome {
				t.Fatalf("outcome = %v, want %v", outcome, test.outcome)
			}
		})
	}
}

func TestReplyRoundTrip(t *testing.T) {
	// The dealer side sees the reply without the router identity: request
	// ID, delimiter, code, payload.
	request, outcome := ParseRequest(
		append([][]byte{[]byte("identity")}, BuildPeerGet(requestID, "key")...))
	if outcome != Parsed {
		t.Fatalf("outcome = %v", outcome)
	}
	reply := BuildRequestReply(
		request.Header, ReqNoError, [][]byte{[]byte("value"), []byte("2024:3:1:12:0:0")})

	// Strip the router identity, as the router socket does when sending.
	gotID, code, payload, ok := ParseReply(reply[1:])
	if !ok {
		t.Fatal("ParseReply rejected a valid reply")
	}
	if !bytes.Equal(gotID, requestID) {
		t.Fatalf("request ID = %q, want %q", gotID, requestID)
	}
	if code != ReqNoError || string(payload[0]) != "value" {
		t.Fatalf("code = %v, payload = %v", code, payload)
	}
}

func TestParseReplyErrors(t *testing.T) {
	tests := []struct {
		name   string
		frames [][]byte
	}{
		{"empty", nil},
		{"no delimiter", [][]byte{requestID, []byte("0")}},
		{"extra header frame", [][]byte{[]byte("x"), requestID, {}, []byte("0")}},
		{"no code", [][]byte{requestID, {}}},
		{"unknown code", [][]byte{requestID, {}, []byte("42")}},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if _, _, _, ok := ParseReply(test.frames); ok {
				t.Fatal("malformed reply accepted")
			}
		})
	}
}

package protocol

import (
	"fmt"
	"time"
)

// PublishTopic is the subscription topic for membership publications.
const PublishTopic = "n"

// NodeRecord is one node as it appears in a membership publication: its ID,
// both endpoints and when the publisher last heard from it.
type NodeRecord struct {
	ID         string
	ReqAddress string
	PubAddress string
	LastSeen   time.Time
}

// BuildPublish assembles a membership publication: the topic frame, four
// frames per known peer and the publisher itself at the tail, stamped with
// now.
func BuildPublish(peers []NodeRecord, self NodeRecord, now time.Time) [][]byte {
	frames := make([][]byte, 0, 1+4*(len(peers)+1))
	frames = append(frames, []byte(PublishTopic))
	for _, peer := range peers {
		frames = appendRecord(frames, peer, peer.LastSeen)
	}
	return appendRecord(frames, self, now)
}

func appendRecord(frames [][]byte, node NodeRecord, lastSeen time.Time) [][]byte {
	return append(
		frames,
		[]byte(node.ID),
		[]byte(node.ReqAddress),
		[]byte(node.PubAddress),
		[]byte(FormatTime(lastSeen)))
}

// ParsePublish reads a membership publication back into node records.
func ParsePublish(frames [][]byte) ([]NodeRecord, error) {
	if len(frames) == 0 || string(frames[0]) != PublishTopic {
		return nil, fmt.Errorf("publish: missing topic frame")
	}
	body := frames[1:]
	if len(body)%4 != 0 {
		return nil, fmt.Errorf("publish: %d frames after topic, want a multiple of 4", len(body))
	}
	records := make([]NodeRecord, 0, len(body)/4)
	for i := 0; i < len(body); i += 4 {
		lastSeen, err := ParseTime(string(body[i+3]))
		if err != nil {
			return nil, fmt.Errorf("publish: %w", err)
		}
		records = append(records, NodeRecord{
			ID:         string(body[i]),
			ReqAddress: string(body[i+1]),
			PubAddress: string(body[i+2]),
			LastSeen:   lastSeen,
		})
	}
	return records, nil
}

// Package client talks the API protocol to one cache node over a req
// socket. Calls are synchronous and the client is not safe for concurrent
// use; open one per goroutine.
package client

import (
	"errors"
	"fmt"
	"time"

	zmq "github.com/pebbe/zmq4"

	"github.com/merry-bits/DCache/internal/protocol"
)

// Errors mapped from API reply codes. Transport problems come back as
// wrapped zmq errors instead.
var (
	// ErrTimeout means the node could not reach any owner of the key in
	// time, or the node itself did not answer within the IO timeout.
	ErrTimeout = errors.New("request timed out")

	// ErrTooBig means the entry does not fit the cache of at least one
	// owner.
	ErrTooBig = errors.New("entry too big")

	// ErrRejected means the node did not understand the request, which
	// points at a version or framing mismatch.
	ErrRejected = errors.New("request rejected by node")
)

// Client is a synchronous connection to one node's API endpoint.
type Client struct {
	socket *zmq.Socket
}

// Dial connects to a node's API endpoint. timeout bounds every send and
// receive; zero disables the bound.
func Dial(apiAddress string, timeout time.Duration) (*Client, error) {
	socket, err := zmq.NewSocket(zmq.REQ)
	if err != nil {
		return nil, fmt.Errorf("api socket: %w", err)
	}
	if timeout <= 0 {
		timeout = -time.Millisecond // no bound
	}
	if err = socket.SetLinger(0); err != nil {
		_ = socket.Close()
		return nil, err
	}
	if err = socket.SetSndtimeo(timeout); err != nil {
		_ = socket.Close()
		return nil, err
	}
	if err = socket.SetRcvtimeo(timeout); err != nil {
		_ = socket.Close()
		return nil, err
	}
	if err = socket.Connect(apiAddress); err != nil {
		_ = socket.Close()
		return nil, fmt.Errorf("connect %s: %w", apiAddress, err)
	}
	return &Client{socket: socket}, nil
}

// Close releases the socket.
func (c *Client) Close() {
	_ = c.socket.Close()
}

// Get fetches the value of a key. Unknown keys return the empty string,
// indistinguishable from a key set to the empty value.
func (c *Client) Get(key string) (string, error) {
	payload, err := c.roundTrip(protocol.BuildAPIGet(key))
	if err != nil {
		return "", err
	}
	if len(payload) == 0 {
		return "", nil
	}
	return string(payload[0]), nil
}

// Set stores a value under a key on every owner. An empty value deletes
// the key.
func (c *Client) Set(key, value string) error {
	_, err := c.roundTrip(protocol.BuildAPISet(key, value))
	return err
}

// Status holds the diagnostic snapshot of one node.
type Status struct {
	NodeID  string
	Peers   string
	Rings   string
	Entries string
	Usage   string
}

// Status fetches the node's diagnostic snapshot.
func (c *Client) Status() (Status, error) {
	payload, err := c.roundTrip(protocol.BuildAPIStatus())
	if err != nil {
		return Status{}, err
	}
	if len(payload) < 5 {
		return Status{}, fmt.Errorf("status reply: want 5 frames, got %d", len(payload))
	}
	return Status{
		NodeID:  string(payload[0]),
		Peers:   string(payload[1]),
		Rings:   string(payload[2]),
		Entries: string(payload[3]),
		Usage:   string(payload[4]),
	}, nil
}

func (c *Client) roundTrip(request [][]byte) ([][]byte, error) {
	if _, err := c.socket.SendMessage(request); err != nil {
		return nil, fmt.Errorf("send: %w", err)
	}
	frames, err := c.socket.RecvMessageBytes(0)
	if err != nil {
		return nil, fmt.Errorf("receive: %w", err)
	}
	code, payload, ok := protocol.ParseAPIReply(frames)
	if !ok {
		return nil, fmt.Errorf("%w: unreadable reply", ErrRejected)
	}
	switch code {
	case protocol.APINoError:
		return payload, nil
	case protocol.APITooBig:
		return nil, ErrTooBig
	case protocol.APITimeout:
		return nil, ErrTimeout
	default:
		return nil, fmt.Errorf("%w: code %s", ErrRejected, string(code))
	}
}

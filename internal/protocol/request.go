package protocol

import "time"

// RequestError codes travel as ASCII digit frames in request replies.
type RequestError string

const (
	ReqNoError             RequestError = "0"
	ReqTooBig              RequestError = "1"
	ReqNodeIDTaken         RequestError = "997"
	ReqUnknownRequest      RequestError = "998"
	ReqVersionNotSupported RequestError = "999"
)

// Request operations between nodes.
type RequestOp int

const (
	ReqGet RequestOp = iota
	ReqSet
	ReqConnect
)

const (
	reqOpGet     = "get"
	reqOpSet     = "set"
	reqOpConnect = "connect"
)

// Request is one parsed node-to-node request. Header holds the transport
// framing that replies must start with; on the sender side it carries the
// request ID used for correlation.
type Request struct {
	Header [][]byte
	Op     RequestOp

	// get and set
	Key       string
	Value     string
	Timestamp time.Time

	// connect
	NodeID     string
	ReqAddress string
	PubAddress string
}

// ParseRequest reads a peer request from the request router socket.
func ParseRequest(frames [][]byte) (Request, Outcome) {
	var req Request
	header, rest, ok := SplitHeader(frames)
	if !ok || len(rest) == 0 {
		return req, NoHeader
	}
	req.Header = header
	version := string(rest[0])
	rest = rest[1:]
	if len(rest) == 0 {
		return req, Malformed
	}
	switch string(rest[0]) {
	case reqOpGet:
		req.Op = ReqGet
	case reqOpSet:
		req.Op = ReqSet
	case reqOpConnect:
		req.Op = ReqConnect
	default:
		return req, UnknownOp
	}
	if version != Version {
		return req, VersionMismatch
	}
	rest = rest[1:]
	switch req.Op {
	case ReqGet:
		if len(rest) < 1 {
			return req, Malformed
		}
		req.Key = string(rest[0])
	case ReqSet:
		if len(rest) < 3 {
			return req, Malformed
		}
		req.Key = string(rest[0])
		req.Value = string(rest[1])
		timestamp, err := ParseTime(string(rest[2]))
		if err != nil {
			return req, Malformed
		}
		req.Timestamp = timestamp
	case ReqConnect:
		if len(rest) < 3 {
			return req, Malformed
		}
		req.NodeID = string(rest[0])
		req.ReqAddress = string(rest[1])
		req.PubAddress = string(rest[2])
	}
	return req, Parsed
}

// BuildRequestReply assembles a reply: the request header frames, the
// error code and the payload.
func BuildRequestReply(header [][]byte, code RequestError, payload [][]byte) [][]byte {
	reply := make([][]byte, 0, len(header)+1+len(payload))
	reply = append(reply, header...)
	reply = append(reply, []byte(code))
	return append(reply, payload...)
}

// BuildPeerGet builds a get request for another node. The request ID and
// the empty delimiter form the header echoed back in the reply.
func BuildPeerGet(requestID []byte, key string) [][]byte {
	return [][]byte{
		requestID,
		{},
		[]byte(Version),
		[]byte(reqOpGet),
		[]byte(key),
	}
}

// BuildPeerSet builds a set request for another node, carrying the write
// timestamp of the original client operation.
func BuildPeerSet(requestID []byte, key, value string, timestamp time.Time) [][]byte {
	return [][]byte{
		requestID,
		{},
		[]byte(Version),
		[]byte(reqOpSet),
		[]byte(key),
		[]byte(value),
		[]byte(FormatTime(timestamp)),
	}
}

// BuildConnect builds the handshake request a node sends to join the
// cluster through one known peer.
func BuildConnect(requestID []byte, nodeID, reqAddress, pubAddress string) [][]byte {
	return [][]byte{
		requestID,
		{},
		[]byte(Version),
		[]byte(reqOpConnect),
		[]byte(nodeID),
		[]byte(reqAddress),
		[]byte(pubAddress),
	}
}

// ParseReply reads a request reply on the sender side. ok is false for
// malformed replies, including unknown error codes.
func ParseReply(frames [][]byte) (requestID []byte, code RequestError, payload [][]byte, ok bool) {
	header, rest, split := SplitHeader(frames)
	if !split || len(header) != 2 || len(rest) == 0 {
		return nil, "", nil, false
	}
	code = RequestError(rest[0])
	switch code {
	case ReqNoError, ReqTooBig, ReqNodeIDTaken, ReqUnknownRequest, ReqVersionNotSupported:
		return header[0], code, rest[1:], true
	}
	return nil, "", nil, false
}

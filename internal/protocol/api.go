package protocol

// APIError codes travel as ASCII digit frames in API replies.
type APIError string

const (
	APINoError             APIError = "0"
	APITooBig              APIError = "1"
	APITimeout             APIError = "2"
	APIUnknownRequest      APIError = "998"
	APIVersionNotSupported APIError = "999"
)

// API operations.
type APIOp int

const (
	APIGet APIOp = iota
	APISet
	APIStatus
)

const (
	apiOpGet    = "get"
	apiOpSet    = "set"
	apiOpStatus = "status"
)

// APIRequest is one parsed client request. Header holds the transport
// framing (identity plus empty delimiter) that replies must start with.
type APIRequest struct {
	Header [][]byte
	Op     APIOp
	Key    string
	Value  string
}

// ParseAPIRequest reads a client request from the API router socket.
func ParseAPIRequest(frames [][]byte) (APIRequest, Outcome) {
	var req APIRequest
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
	case apiOpGet:
		req.Op = APIGet
	case apiOpSet:
		req.Op = APISet
	case apiOpStatus:
		req.Op = APIStatus
	default:
		return req, UnknownOp
	}
	if version != Version {
		return req, VersionMismatch
	}
	rest = rest[1:]
	switch req.Op {
	case APIGet:
		if len(rest) < 1 {
			return req, Malformed
		}
		req.Key = string(rest[0])
	case APISet:
		if len(rest) != 2 {
			return req, Malformed
		}
		req.Key = string(rest[0])
		req.Value = string(rest[1])
	}
	return req, Parsed
}

// BuildAPIReply assembles a reply: the request header frames, the error
// code and the payload.
func BuildAPIReply(header [][]byte, code APIError, payload [][]byte) [][]byte {
	reply := make([][]byte, 0, len(header)+1+len(payload))
	reply = append(reply, header...)
	reply = append(reply, []byte(code))
	return append(reply, payload...)
}

// BuildAPIGet builds a client-side get request. The REQ socket supplies the
// header framing.
func BuildAPIGet(key string) [][]byte {
	return [][]byte{[]byte(Version), []byte(apiOpGet), []byte(key)}
}

// BuildAPISet builds a client-side set request. An empty value deletes the
// key.
func BuildAPISet(key, value string) [][]byte {
	return [][]byte{[]byte(Version), []byte(apiOpSet), []byte(key), []byte(value)}
}

// BuildAPIStatus builds a client-side status request.
func BuildAPIStatus() [][]byte {
	return [][]byte{[]byte(Version), []byte(apiOpStatus)}
}

// ParseAPIReply reads a reply on the client side, after the REQ socket has
// stripped the header framing.
func ParseAPIReply(frames [][]byte) (APIError, [][]byte, bool) {
	if len(frames) == 0 {
		return "", nil, false
	}
	code := APIError(frames[0])
	switch code {
	case APINoError, APITooBig, APITimeout, APIUnknownRequest, APIVersionNotSupported:
		return code, frames[1:], true
	}
	return "", nil, false
}

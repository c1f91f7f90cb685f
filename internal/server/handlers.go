package server

import (
	"log/slog"

	"github.com/merry-bits/DCache/internal/protocol"
)

// replyFunc delivers one API reply. The server binds it to the API router
// socket.
type replyFunc func(header [][]byte, code protocol.APIError, payload [][]byte)

// getFanout answers an API get that had to be forwarded to the owners of
// the key. The first reply wins and cancels the siblings; when every owner
// stays silent the client gets a timeout.
type getFanout struct {
	reply      replyFunc
	log        *slog.Logger
	header     [][]byte
	requestIDs []string
}

func (f *getFanout) HandleResponse(requestID string, code *protocol.RequestError, payload [][]byte) []string {
	switch {
	case code == nil:
		f.reply(f.header, protocol.APITimeout, nil)
	case *code != protocol.ReqNoError || len(payload) == 0:
		// The owner answered but could not serve the key; report it as
		// unknown rather than failing the whole get.
		f.log.Warn("get from peer failed", "code", string(*code))
		f.reply(f.header, protocol.APINoError, [][]byte{{}})
	default:
		// payload is [value, timestamp], the client only wants the value.
		f.reply(f.header, protocol.APINoError, [][]byte{payload[0]})
	}
	return f.requestIDs
}

// setFanout answers an API set once every owner, the local node included,
// has reported back. One timeout fails the whole operation immediately and
// cancels the outstanding siblings.
type setFanout struct {
	reply      replyFunc
	header     [][]byte
	requestIDs []string
	expected   int
	results    []protocol.RequestError
}

func (f *setFanout) HandleResponse(requestID string, code *protocol.RequestError, payload [][]byte) []string {
	if code == nil {
		f.reply(f.header, protocol.APITimeout, nil)
		return f.requestIDs
	}
	f.results = append(f.results, *code)
	if len(f.results) == f.expected {
		reply := protocol.APINoError
		for _, result := range f.results {
			if result != protocol.ReqNoError {
				reply = protocol.APITooBig
				break
			}
		}
		f.reply(f.header, reply, nil)
	}
	return []string{requestID}
}

// connectHandler finishes the bootstrap handshake: on success the contacted
// node becomes the first known peer and its keys are pulled in through the
// regular rebalance it runs on its side.
type connectHandler struct {
	srv        *Server
	reqAddress string
}

func (h *connectHandler) HandleResponse(requestID string, code *protocol.RequestError, payload [][]byte) []string {
	switch {
	case code == nil:
		h.srv.log.Error("cluster handshake timed out", "peer", h.reqAddress)
		h.srv.dropRegisterSocket()
	case *code != protocol.ReqNoError || len(payload) < 3:
		h.srv.log.Error(
			"cluster handshake refused", "peer", h.reqAddress, "code", string(*code))
		h.srv.dropRegisterSocket()
	default:
		h.srv.finishBootstrap(
			string(payload[0]), string(payload[1]), string(payload[2]))
	}
	return []string{requestID}
}

// discard is the handler for requests whose reply carries no information,
// like the sets queued by a rebalance.
type discard struct{}

func (discard) HandleResponse(requestID string, code *protocol.RequestError, payload [][]byte) []string {
	return []string{requestID}
}

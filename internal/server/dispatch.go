package server

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/merry-bits/DCache/internal/cluster"
	"github.com/merry-bits/DCache/internal/protocol"
	"github.com/merry-bits/DCache/internal/store"
)

// handleAPI reads one client request from the API router socket and
// dispatches it. Protocol problems turn into error replies, never into a
// loop failure.
func (s *Server) handleAPI() {
	frames, err := s.api.RecvMessageBytes(0)
	if err != nil {
		s.log.Warn("api receive failed", "error", err)
		return
	}
	request, outcome := protocol.ParseAPIRequest(frames)
	switch outcome {
	case protocol.NoHeader:
		s.log.Warn("api request without header frames, no reply possible")
	case protocol.Malformed, protocol.UnknownOp:
		s.replyAPI(request.Header, protocol.APIUnknownRequest, nil)
	case protocol.VersionMismatch:
		s.replyAPI(request.Header, protocol.APIVersionNotSupported, nil)
	case protocol.Parsed:
		switch request.Op {
		case protocol.APIGet:
			s.apiGet(request)
		case protocol.APISet:
			s.apiSet(request)
		case protocol.APIStatus:
			s.apiStatus(request)
		}
	}
}

// apiGet answers from the local cache when possible and otherwise asks
// every owner of the key, letting the first reply win.
func (s *Server) apiGet(request protocol.APIRequest) {
	owners := s.members.Ring().Owners(cluster.KeyIndex(request.Key))
	if owners[s.members.Self().ID] {
		// An owner answers from its own cache; value is empty when the key
		// is unknown.
		_, value, _ := s.cache.Get(request.Key)
		s.replyAPI(
			request.Header, protocol.APINoError, [][]byte{[]byte(value)})
		return
	}
	fanout := &getFanout{reply: s.replyAPI, log: s.log, header: request.Header}
	now := time.Now().UTC()
	for nodeID := range owners {
		requestID := uuid.New()
		frames := protocol.BuildPeerGet(requestID[:], request.Key)
		if err := s.sendToPeer(nodeID, frames); err != nil {
			s.log.Warn("get forward failed", "peer", nodeID, "error", err)
			continue
		}
		fanout.requestIDs = append(fanout.requestIDs, string(requestID[:]))
		s.pending.Add(requestID[:], fanout, now)
	}
	if len(fanout.requestIDs) == 0 {
		// Nobody reachable, give the client the timeout answer right away.
		s.replyAPI(request.Header, protocol.APITimeout, nil)
	}
}

// apiSet writes the key on every owner. The reply waits for all outcomes;
// one timeout fails the operation immediately.
func (s *Server) apiSet(request protocol.APIRequest) {
	index := cluster.KeyIndex(request.Key)
	owners := s.members.Ring().Owners(index)
	selfID := s.members.Self().ID
	now := time.Now().UTC()
	fanout := &setFanout{
		reply: s.replyAPI, header: request.Header, expected: len(owners)}
	sent := 0
	for nodeID := range owners {
		if nodeID == selfID {
			continue
		}
		requestID := uuid.New()
		frames := protocol.BuildPeerSet(
			requestID[:], request.Key, request.Value, now)
		// A failed send is still registered: it times out like a silent
		// peer instead of crashing the operation.
		if err := s.sendToPeer(nodeID, frames); err != nil {
			s.log.Warn("set forward failed", "peer", nodeID, "error", err)
		} else {
			sent++
		}
		fanout.requestIDs = append(fanout.requestIDs, string(requestID[:]))
		s.pending.Add(requestID[:], fanout, now)
	}
	switch {
	case owners[selfID]:
		code := protocol.ReqNoError
		if s.cache.Set(request.Key, request.Value, now, index) == store.TooBig {
			code = protocol.ReqTooBig
		}
		// The local outcome runs through the same handler as the remote
		// ones, with an ID that was never registered.
		s.pending.Forget(fanout.HandleResponse("", &code, nil))
	case sent == 0:
		// Every owner is remote and no send went out: nothing can ever
		// answer, so the client gets the timeout right away.
		s.pending.Forget(fanout.requestIDs)
		s.replyAPI(request.Header, protocol.APITimeout, nil)
	}
}

// apiStatus replies with a diagnostic snapshot of the node.
func (s *Server) apiStatus(request protocol.APIRequest) {
	payload := [][]byte{
		[]byte(s.members.Self().ID),
		[]byte(strings.Join(s.members.PeerIDs(), ",")),
		[]byte(s.members.Ring().String()),
		[]byte(strconv.Itoa(s.cache.Len())),
		[]byte(fmt.Sprintf("%.1f%%", s.cache.Usage())),
	}
	s.replyAPI(request.Header, protocol.APINoError, payload)
}

// handlePeerRequest reads one request from another node and dispatches it.
func (s *Server) handlePeerRequest() {
	frames, err := s.requests.RecvMessageBytes(0)
	if err != nil {
		s.log.Warn("request receive failed", "error", err)
		return
	}
	request, outcome := protocol.ParseRequest(frames)
	switch outcome {
	case protocol.NoHeader:
		s.log.Warn("peer request without header frames, no reply possible")
	case protocol.Malformed, protocol.UnknownOp:
		s.sendRequestReply(request.Header, protocol.ReqUnknownRequest, nil)
	case protocol.VersionMismatch:
		s.sendRequestReply(request.Header, protocol.ReqVersionNotSupported, nil)
	case protocol.Parsed:
		switch request.Op {
		case protocol.ReqGet:
			s.peerGet(request)
		case protocol.ReqSet:
			s.peerSet(request)
		case protocol.ReqConnect:
			s.peerConnect(request)
		}
	}
}

// peerGet serves a key from the local cache. Unknown keys answer with
// empty value and timestamp frames.
func (s *Server) peerGet(request protocol.Request) {
	timestamp, value, found := s.cache.Get(request.Key)
	timestampStr := ""
	if found {
		timestampStr = protocol.FormatTime(timestamp)
	}
	s.sendRequestReply(
		request.Header, protocol.ReqNoError,
		[][]byte{[]byte(value), []byte(timestampStr)})
}

// peerSet applies a replicated write, keeping the sender's timestamp so
// last-writer-wins holds across paths.
func (s *Server) peerSet(request protocol.Request) {
	code := protocol.ReqNoError
	err := s.cache.Set(
		request.Key, request.Value, request.Timestamp,
		cluster.KeyIndex(request.Key))
	if err == store.TooBig {
		code = protocol.ReqTooBig
	}
	s.sendRequestReply(request.Header, code, nil)
}

// peerConnect handles the cluster handshake: register the newcomer, spread
// the word to every other peer so it does not have to wait for the next
// publication round, hand over the keys it now owns and introduce
// ourselves in the reply.
func (s *Server) peerConnect(request protocol.Request) {
	peer := cluster.Peer{
		ID:         request.NodeID,
		ReqAddress: request.ReqAddress,
		PubAddress: request.PubAddress,
		LastSeen:   time.Now().UTC(),
	}
	if err := s.addPeer(peer); err != nil {
		s.log.Info("connect refused", "peer", request.NodeID, "error", err)
		s.sendRequestReply(request.Header, protocol.ReqNodeIDTaken, nil)
		return
	}
	s.log.Info("node connected", "peer", request.NodeID)
	for _, nodeID := range s.members.PeerIDs() {
		if nodeID == request.NodeID {
			continue
		}
		// Fire and forget: the replies carry request IDs nobody waits
		// for and are dropped on arrival.
		requestID := uuid.New()
		frames := protocol.BuildConnect(
			requestID[:], request.NodeID, request.ReqAddress, request.PubAddress)
		if err := s.sendToPeer(nodeID, frames); err != nil {
			s.log.Warn("connect forward failed", "peer", nodeID, "error", err)
		}
	}
	s.rebalance([]string{request.NodeID}, nil)
	self := s.members.Self()
	s.sendRequestReply(
		request.Header, protocol.ReqNoError,
		[][]byte{
			[]byte(self.ID),
			[]byte(self.ReqAddress),
			[]byte(self.PubAddress),
		})
}

package server

import (
	"context"
	"fmt"
	"log/slog"
	"syscall"
	"time"

	"github.com/google/uuid"
	zmq "github.com/pebbe/zmq4"

	"github.com/merry-bits/DCache/internal/cluster"
	"github.com/merry-bits/DCache/internal/config"
	"github.com/merry-bits/DCache/internal/protocol"
	"github.com/merry-bits/DCache/internal/store"
)

// Server is one cache node. It binds a router socket for client API
// requests, a router socket for peer requests and a pub socket for
// membership publications. For every known peer it keeps a dealer socket
// (requests to that peer) and one shared sub socket connected to every
// peer's publish endpoint.
//
// All state is owned by the event loop goroutine; Run is the only method
// that may be called concurrently with nothing else.
type Server struct {
	cfg *config.Config
	log *slog.Logger

	cache    *store.Cache
	members  *cluster.Membership
	pending  *Pending
	replyAPI replyFunc

	poller      *zmq.Poller
	api         *zmq.Socket
	requests    *zmq.Socket
	publisher   *zmq.Socket
	sub         *zmq.Socket
	register    *zmq.Socket            // bootstrap handshake, nil otherwise
	peerSockets map[string]*zmq.Socket // node ID → dealer socket

	lastPublished time.Time
}

// New creates a node with a fresh ID, binds its three endpoints and puts
// the node on its own distribution rings.
func New(cfg *config.Config, reqAddress, pubAddress, apiAddress string, log *slog.Logger) (*Server, error) {
	self := cluster.Peer{
		ID:         uuid.NewString(),
		ReqAddress: reqAddress,
		PubAddress: pubAddress,
	}
	ring := cluster.NewHashRing(cfg.Redundancy, cfg.VirtualReplicas)
	s := &Server{
		cfg:         cfg,
		log:         log.With("node", self.ID),
		cache:       store.NewCache(cfg.MaxCacheSize),
		members:     cluster.NewMembership(self, ring, cfg.PeerTimeout),
		pending:     NewPending(cfg.IOTimeout),
		poller:      zmq.NewPoller(),
		peerSockets: make(map[string]*zmq.Socket),
	}
	s.replyAPI = s.sendAPIReply
	if err := s.openSockets(apiAddress); err != nil {
		s.Close()
		return nil, err
	}
	s.log.Info(
		"node ready",
		"request", reqAddress, "publish", pubAddress, "api", apiAddress)
	return s, nil
}

func (s *Server) openSockets(apiAddress string) error {
	var err error
	if s.api, err = s.bindSocket(zmq.ROUTER, apiAddress); err != nil {
		return fmt.Errorf("api socket: %w", err)
	}
	if s.requests, err = s.bindSocket(zmq.ROUTER, s.members.Self().ReqAddress); err != nil {
		return fmt.Errorf("request socket: %w", err)
	}
	if s.publisher, err = s.bindSocket(zmq.PUB, s.members.Self().PubAddress); err != nil {
		return fmt.Errorf("publish socket: %w", err)
	}
	s.sub, err = zmq.NewSocket(zmq.SUB)
	if err != nil {
		return fmt.Errorf("sub socket: %w", err)
	}
	if err = s.sub.SetSubscribe(protocol.PublishTopic); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	s.poller.Add(s.api, zmq.POLLIN)
	s.poller.Add(s.requests, zmq.POLLIN)
	s.poller.Add(s.sub, zmq.POLLIN)
	return nil
}

func (s *Server) bindSocket(kind zmq.Type, address string) (*zmq.Socket, error) {
	sock, err := zmq.NewSocket(kind)
	if err != nil {
		return nil, err
	}
	if err = sock.SetLinger(0); err != nil {
		return nil, err
	}
	if err = sock.SetSndtimeo(s.cfg.IOTimeout); err != nil {
		return nil, err
	}
	if err = sock.Bind(address); err != nil {
		return nil, fmt.Errorf("bind %s: %w", address, err)
	}
	return sock, nil
}

// newPeerSocket opens a dealer socket to a peer's request endpoint and
// registers it with the poller.
func (s *Server) newPeerSocket(reqAddress string) (*zmq.Socket, error) {
	sock, err := zmq.NewSocket(zmq.DEALER)
	if err != nil {
		return nil, err
	}
	if err = sock.SetLinger(0); err != nil {
		return nil, err
	}
	if err = sock.SetSndtimeo(s.cfg.IOTimeout); err != nil {
		return nil, err
	}
	if err = sock.Connect(reqAddress); err != nil {
		return nil, fmt.Errorf("connect %s: %w", reqAddress, err)
	}
	s.poller.Add(sock, zmq.POLLIN)
	return sock, nil
}

// Close releases every socket. The server cannot be used afterwards.
func (s *Server) Close() {
	for _, sock := range []*zmq.Socket{s.api, s.requests, s.publisher, s.sub, s.register} {
		if sock != nil {
			_ = sock.Close()
		}
	}
	for _, sock := range s.peerSockets {
		_ = sock.Close()
	}
}

// Bootstrap starts the handshake with one existing cluster node. The reply
// is handled inside the event loop like any other pending request.
func (s *Server) Bootstrap(peerReqAddress string) error {
	sock, err := s.newPeerSocket(peerReqAddress)
	if err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}
	s.register = sock
	self := s.members.Self()
	requestID := uuid.New()
	frames := protocol.BuildConnect(
		requestID[:], self.ID, self.ReqAddress, self.PubAddress)
	if _, err = sock.SendMessage(frames); err != nil {
		s.dropRegisterSocket()
		return fmt.Errorf("bootstrap: %w", err)
	}
	s.pending.Add(requestID[:], &connectHandler{srv: s, reqAddress: peerReqAddress}, time.Now().UTC())
	s.log.Info("contacting cluster", "peer", peerReqAddress)
	return nil
}

// Run executes the event loop until the context is cancelled. Each tick:
// poll, client requests, peer requests, peer replies, request timeouts,
// publications, dead peer sweep, periodic publish.
func (s *Server) Run(ctx context.Context) error {
	s.log.Info("entering event loop")
	for ctx.Err() == nil {
		polled, err := s.poller.Poll(s.cfg.PubInterval)
		if err != nil {
			if zmq.AsErrno(err) == zmq.Errno(syscall.EINTR) {
				continue // interrupted, the ctx check decides
			}
			return fmt.Errorf("poll: %w", err)
		}
		ready := make(map[*zmq.Socket]bool, len(polled))
		for _, item := range polled {
			ready[item.Socket] = true
		}
		if ready[s.api] {
			s.handleAPI()
		}
		if ready[s.requests] {
			s.handlePeerRequest()
		}
		for _, sock := range s.replySockets() {
			if ready[sock] {
				s.handleReply(sock)
			}
		}
		s.pending.Expire(time.Now().UTC())
		if ready[s.sub] {
			s.handlePublication()
		}
		now := time.Now().UTC()
		s.sweepDead(now)
		if now.Sub(s.lastPublished) >= s.cfg.PubInterval {
			s.publish(now)
		}
	}
	s.log.Info("event loop stopped")
	return nil
}

// replySockets snapshots the sockets replies can arrive on, so handlers
// may mutate the peer table while the loop works through them.
func (s *Server) replySockets() []*zmq.Socket {
	sockets := make([]*zmq.Socket, 0, len(s.peerSockets)+1)
	for _, sock := range s.peerSockets {
		sockets = append(sockets, sock)
	}
	if s.register != nil {
		sockets = append(sockets, s.register)
	}
	return sockets
}

// handleReply reads one reply from a peer socket and resolves the pending
// request it answers. Unknown IDs are dropped: those are late replies
// whose request already timed out or was cancelled by a sibling.
func (s *Server) handleReply(sock *zmq.Socket) {
	frames, err := sock.RecvMessageBytes(0)
	if err != nil {
		s.log.Warn("reply receive failed", "error", err)
		return
	}
	requestID, code, payload, ok := protocol.ParseReply(frames)
	if !ok {
		s.log.Debug("malformed reply dropped", "frames", len(frames))
		return
	}
	if !s.pending.Resolve(requestID, code, payload) {
		s.log.Debug("late reply dropped")
	}
}

// handlePublication merges a received membership table, connects to any
// new peers and moves keys they now own.
func (s *Server) handlePublication() {
	frames, err := s.sub.RecvMessageBytes(0)
	if err != nil {
		s.log.Warn("publication receive failed", "error", err)
		return
	}
	records, err := protocol.ParsePublish(frames)
	if err != nil {
		s.log.Warn("publication dropped", "error", err)
		return
	}
	added := s.members.Update(records)
	addedIDs := make([]string, 0, len(added))
	for _, peer := range added {
		if err := s.attachPeer(peer); err != nil {
			// Without a socket the peer must not stay on the rings either,
			// or keys would route to a node nobody can reach. A later
			// publication registers it again.
			s.log.Warn("peer sockets failed", "peer", peer.ID, "error", err)
			s.members.RemovePeer(peer.ID)
			continue
		}
		s.log.Debug("peer added", "peer", peer.ID)
		addedIDs = append(addedIDs, peer.ID)
	}
	if len(addedIDs) > 0 {
		s.rebalance(addedIDs, nil)
	}
}

// attachPeer allocates the sockets for an already registered peer: a
// dealer for requests and a subscription to its publish endpoint.
func (s *Server) attachPeer(peer cluster.Peer) error {
	sock, err := s.newPeerSocket(peer.ReqAddress)
	if err != nil {
		return err
	}
	if err = s.sub.Connect(peer.PubAddress); err != nil {
		s.poller.RemoveBySocket(sock)
		_ = sock.Close()
		return err
	}
	s.peerSockets[peer.ID] = sock
	return nil
}

// addPeer registers a new peer and allocates its sockets. Registration is
// rolled back when the sockets cannot be opened.
func (s *Server) addPeer(peer cluster.Peer) error {
	if err := s.members.AddPeer(peer); err != nil {
		return err
	}
	if err := s.attachPeer(peer); err != nil {
		s.members.RemovePeer(peer.ID)
		return err
	}
	return nil
}

// sweepDead drops peers that have been silent for too long, closes their
// sockets and hands their keys to the new owners.
func (s *Server) sweepDead(now time.Time) {
	removed := s.members.SweepDead(now)
	if len(removed) == 0 {
		return
	}
	removedIDs := make([]string, 0, len(removed))
	for _, peer := range removed {
		s.log.Info("removing dead peer", "peer", peer.ID)
		if sock, ok := s.peerSockets[peer.ID]; ok {
			s.poller.RemoveBySocket(sock)
			_ = sock.Close()
			delete(s.peerSockets, peer.ID)
		}
		_ = s.sub.Disconnect(peer.PubAddress)
		removedIDs = append(removedIDs, peer.ID)
	}
	s.rebalance(nil, removedIDs)
}

// publish sends the full membership view: every peer with its last-seen
// time and the local node stamped with now.
func (s *Server) publish(now time.Time) {
	frames := protocol.BuildPublish(s.members.Records(), s.members.SelfRecord(), now)
	if _, err := s.publisher.SendMessage(frames); err != nil {
		s.log.Warn("publish failed", "error", err)
	}
	s.lastPublished = now
}

// rebalance moves cache entries after one membership change: every entry
// is offered to its new owners and dropped locally when the local node is
// no longer one of them. Deletes run after the sends were queued because
// queuing reads the entries.
func (s *Server) rebalance(added, removed []string) {
	plan := cluster.Rebalance(
		s.members.Ring(), s.members.Self().ID, s.cache.Items(), added, removed)
	now := time.Now().UTC()
	moves := 0
	for nodeID, items := range plan.Sends {
		for _, item := range items {
			requestID := uuid.New()
			frames := protocol.BuildPeerSet(
				requestID[:], item.Key, item.Value, item.LastUpdate)
			if err := s.sendToPeer(nodeID, frames); err != nil {
				s.log.Warn("key move failed", "peer", nodeID, "error", err)
				continue
			}
			s.pending.Add(requestID[:], discard{}, now)
			moves++
		}
	}
	for _, key := range plan.Drops {
		s.cache.Delete(key)
	}
	s.log.Debug(
		"adjusted distribution", "moves", moves, "deletes", len(plan.Drops))
}

// sendToPeer sends request frames on the dealer socket of a peer.
func (s *Server) sendToPeer(nodeID string, frames [][]byte) error {
	sock, ok := s.peerSockets[nodeID]
	if !ok {
		return fmt.Errorf("no socket for node %s", nodeID)
	}
	if _, err := sock.SendMessage(frames); err != nil {
		return fmt.Errorf("send to %s: %w", nodeID, err)
	}
	return nil
}

// finishBootstrap turns the register socket into the dealer socket of the
// first peer after a successful handshake.
func (s *Server) finishBootstrap(nodeID, reqAddress, pubAddress string) {
	sock := s.register
	s.register = nil
	peer := cluster.Peer{
		ID:         nodeID,
		ReqAddress: reqAddress,
		PubAddress: pubAddress,
		LastSeen:   time.Now().UTC(),
	}
	if err := s.members.AddPeer(peer); err != nil {
		s.log.Error("bootstrap peer rejected", "error", err)
		s.poller.RemoveBySocket(sock)
		_ = sock.Close()
		return
	}
	if err := s.sub.Connect(pubAddress); err != nil {
		s.log.Warn("subscribe to bootstrap peer failed", "error", err)
	}
	s.peerSockets[nodeID] = sock
	s.log.Info("joined cluster", "peer", nodeID)
	s.rebalance([]string{nodeID}, nil)
}

// dropRegisterSocket abandons a failed handshake. The node keeps running
// on its own; a later publication can still bring the cluster in.
func (s *Server) dropRegisterSocket() {
	if s.register == nil {
		return
	}
	s.poller.RemoveBySocket(s.register)
	_ = s.register.Close()
	s.register = nil
}

// sendAPIReply answers a client on the API router socket.
func (s *Server) sendAPIReply(header [][]byte, code protocol.APIError, payload [][]byte) {
	if _, err := s.api.SendMessage(protocol.BuildAPIReply(header, code, payload)); err != nil {
		s.log.Warn("api reply failed", "error", err)
	}
}

// sendRequestReply answers a peer on the request router socket.
func (s *Server) sendRequestReply(header [][]byte, code protocol.RequestError, payload [][]byte) {
	if _, err := s.requests.SendMessage(protocol.BuildRequestReply(header, code, payload)); err != nil {
		s.log.Warn("request reply failed", "error", err)
	}
}

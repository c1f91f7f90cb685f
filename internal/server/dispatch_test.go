package server

import (
	"fmt"
	"log/slog"
	"testing"
	"time"

	zmq "github.com/pebbe/zmq4"

	"github.com/merry-bits/DCache/internal/cluster"
	"github.com/merry-bits/DCache/internal/config"
	"github.com/merry-bits/DCache/internal/protocol"
	"github.com/merry-bits/DCache/internal/store"
)

// newDetachedServer builds a server whose peers have no sockets, so every
// forward fails, and whose API replies land in the recorder.
func newDetachedServer(t *testing.T, recorder *apiReplyRecorder) *Server {
	t.Helper()
	cfg := config.Default()
	ring := cluster.NewHashRing(cfg.Redundancy, cfg.VirtualReplicas)
	self := cluster.Peer{
		ID:         "self",
		ReqAddress: "tcp://self:1",
		PubAddress: "tcp://self:2",
	}
	members := cluster.NewMembership(self, ring, cfg.PeerTimeout)
	for _, id := range []string{"a", "b"} {
		err := members.AddPeer(cluster.Peer{
			ID:         id,
			ReqAddress: "tcp://" + id + ":1",
			PubAddress: "tcp://" + id + ":2",
			LastSeen:   time.Now().UTC(),
		})
		if err != nil {
			t.Fatalf("AddPeer(%s): %v", id, err)
		}
	}
	s := &Server{
		cfg:         cfg,
		log:         slog.New(slog.DiscardHandler),
		cache:       store.NewCache(cfg.MaxCacheSize),
		members:     members,
		pending:     NewPending(cfg.IOTimeout),
		peerSockets: make(map[string]*zmq.Socket),
	}
	s.replyAPI = recorder.record
	return s
}

// keyOwnedBy finds a key whose owner set does or does not include the
// local node, depending on wantSelf.
func keyOwnedBy(t *testing.T, s *Server, wantSelf bool) string {
	t.Helper()
	for i := 0; i < 10000; i++ {
		key := fmt.Sprintf("key-%d", i)
		owners := s.members.Ring().Owners(cluster.KeyIndex(key))
		if owners["self"] == wantSelf {
			return key
		}
	}
	t.Fatal("no key with the wanted ownership found")
	return ""
}

func TestSetAllOwnersUnreachable(t *testing.T) {
	// Every owner is a remote peer without a socket: nothing will ever
	// answer, so the client must not wait out the full IO timeout.
	recorder := &apiReplyRecorder{}
	s := newDetachedServer(t, recorder)
	key := keyOwnedBy(t, s, false)

	s.apiSet(protocol.APIRequest{
		Header: testHeader, Op: protocol.APISet, Key: key, Value: "value"})

	if recorder.calls != 1 || recorder.code != protocol.APITimeout {
		t.Fatalf("reply calls=%d code=%v, want one immediate APITimeout",
			recorder.calls, recorder.code)
	}
	if s.pending.Len() != 0 {
		t.Fatalf("pending = %d requests, want none left behind", s.pending.Len())
	}
}

func TestSetLocalOwnerWaitsForRemoteOwners(t *testing.T) {
	// When the local node is one of the owners its own write succeeds, but
	// the unreachable remote owners still decide the outcome: the reply
	// must wait for their timeouts.
	recorder := &apiReplyRecorder{}
	s := newDetachedServer(t, recorder)
	key := keyOwnedBy(t, s, true)
	owners := s.members.Ring().Owners(cluster.KeyIndex(key))
	if len(owners) < 2 {
		t.Skip("key has no remote owners in this ring layout")
	}

	s.apiSet(protocol.APIRequest{
		Header: testHeader, Op: protocol.APISet, Key: key, Value: "value"})

	if recorder.calls != 0 {
		t.Fatalf("replied with %v before the remote owners settled", recorder.code)
	}
	if s.pending.Len() != len(owners)-1 {
		t.Fatalf("pending = %d requests, want %d", s.pending.Len(), len(owners)-1)
	}
	if _, value, found := s.cache.Get(key); !found || value != "value" {
		t.Fatal("local write missing")
	}

	// The expiry sweep turns the silent peers into the timeout answer.
	s.pending.Expire(time.Now().UTC().Add(s.cfg.IOTimeout + time.Second))
	if recorder.calls != 1 || recorder.code != protocol.APITimeout {
		t.Fatalf("reply calls=%d code=%v, want one APITimeout", recorder.calls, recorder.code)
	}
	if s.pending.Len() != 0 {
		t.Fatalf("pending = %d requests after expiry, want none", s.pending.Len())
	}
}

func TestGetAllOwnersUnreachable(t *testing.T) {
	recorder := &apiReplyRecorder{}
	s := newDetachedServer(t, recorder)
	key := keyOwnedBy(t, s, false)

	s.apiGet(protocol.APIRequest{
		Header: testHeader, Op: protocol.APIGet, Key: key})

	if recorder.calls != 1 || recorder.code != protocol.APITimeout {
		t.Fatalf("reply calls=%d code=%v, want one immediate APITimeout",
			recorder.calls, recorder.code)
	}
	if s.pending.Len() != 0 {
		t.Fatalf("pending = %d requests, want none", s.pending.Len())
	}
}

func TestGetLocalOwnerAnswersFromCache(t *testing.T) {
	recorder := &apiReplyRecorder{}
	s := newDetachedServer(t, recorder)
	key := keyOwnedBy(t, s, true)
	s.cache.Set(key, "value", time.Now().UTC(), cluster.KeyIndex(key))

	s.apiGet(protocol.APIRequest{
		Header: testHeader, Op: protocol.APIGet, Key: key})

	if recorder.code != protocol.APINoError || string(recorder.payload[0]) != "value" {
		t.Fatalf("reply code=%v payload=%v, want the cached value",
			recorder.code, recorder.payload)
	}
}

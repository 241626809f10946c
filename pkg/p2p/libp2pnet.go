package p2p

import (
	"context"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"io"
	"sync"
	"time"

	libp2p "github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	ma "github.com/multiformats/go-multiaddr"
	"go.uber.org/zap"

	"github.com/nexuschain/bft-node/pkg/consensus"
)

const (
	protocolTopic          = "bft-protocol"
	protocolUnicast        = protocol.ID("/bft/message/1.0.0")
	protocolSyncCheckpoint = protocol.ID("/bft/sync/checkpoint/1.0.0")
	protocolSyncBlocks     = protocol.ID("/bft/sync/blocks/1.0.0")
	streamReadTimeout      = 10 * time.Second
)

// Libp2pNet is the libp2p-backed consensus.Network and
// consensus.SyncTransport: gossipsub carries the live three-phase
// traffic, unicast streams carry the Synchronizer's catch-up requests.
type Libp2pNet struct {
	h    host.Host
	ps   *pubsub.PubSub
	log  *zap.SugaredLogger
	self consensus.NodeID

	topic *pubsub.Topic
	sub   *pubsub.Subscription

	muDir     sync.RWMutex
	directory map[consensus.NodeID]peer.ID

	muH     sync.RWMutex
	handler func(*consensus.ProtocolMessage)

	checkpointSource CheckpointSource
	blockSource      BlockSource
}

// CheckpointSource lets the network layer serve a stable checkpoint
// proof to a peer requesting it over a unicast stream.
type CheckpointSource interface {
	ProofFor(n consensus.Sequence) []*consensus.ProtocolMessage
	StableSeq() consensus.Sequence
}

// BlockSource lets the network layer serve raw block bytes for a
// sequence range to a peer catching up. consensus.Node implements
// this over its committed-sequence-to-digest bindings and block store.
type BlockSource interface {
	BlocksInRange(from, to consensus.Sequence) map[consensus.Sequence][]byte
}

type Libp2pConfig struct {
	ListenAddr string
	Bootstrap  []string
	SelfID     consensus.NodeID
	Logger     *zap.SugaredLogger
}

func NewLibp2pNet(ctx context.Context, cfg Libp2pConfig) (*Libp2pNet, error) {
	var opts []libp2p.Option
	if cfg.ListenAddr != "" {
		maddr, err := ma.NewMultiaddr(cfg.ListenAddr)
		if err != nil {
			return nil, fmt.Errorf("parse listen addr: %w", err)
		}
		opts = append(opts, libp2p.ListenAddrs(maddr))
	}
	h, err := libp2p.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("create libp2p host: %w", err)
	}
	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		return nil, fmt.Errorf("create gossipsub: %w", err)
	}

	n := &Libp2pNet{
		h:         h,
		ps:        ps,
		log:       cfg.Logger,
		self:      cfg.SelfID,
		directory: make(map[consensus.NodeID]peer.ID),
	}

	for _, bs := range cfg.Bootstrap {
		if err := n.connectMultiaddr(ctx, bs); err != nil && cfg.Logger != nil {
			cfg.Logger.Warnw("bootstrap_connect_failed", "addr", bs, "err", err)
		}
	}

	if n.topic, err = ps.Join(protocolTopic); err != nil {
		return nil, fmt.Errorf("join topic: %w", err)
	}
	if n.sub, err = n.topic.Subscribe(); err != nil {
		return nil, fmt.Errorf("subscribe topic: %w", err)
	}

	h.SetStreamHandler(protocolUnicast, n.handleUnicastStream)
	h.SetStreamHandler(protocolSyncCheckpoint, n.handleCheckpointStream)
	h.SetStreamHandler(protocolSyncBlocks, n.handleBlocksStream)

	go n.readLoop(ctx)

	if cfg.Logger != nil {
		cfg.Logger.Infow("libp2p_ready", "peer", h.ID().String(), "listen", cfg.ListenAddr)
	}
	return n, nil
}

// SetSyncSources wires the components that serve this replica's
// checkpoint proof and block bytes to peers requesting them.
func (n *Libp2pNet) SetSyncSources(cps CheckpointSource, blocks BlockSource) {
	n.checkpointSource = cps
	n.blockSource = blocks
}

// AddPeer registers the libp2p peer identity behind a validator NodeID,
// used to address unicast sync requests and gossip membership.
func (n *Libp2pNet) AddPeer(id consensus.NodeID, addr string) error {
	m, err := ma.NewMultiaddr(addr)
	if err != nil {
		return fmt.Errorf("parse peer addr: %w", err)
	}
	info, err := peer.AddrInfoFromP2pAddr(m)
	if err != nil {
		return fmt.Errorf("parse peer addr info: %w", err)
	}
	n.h.Peerstore().AddAddrs(info.ID, info.Addrs, time.Hour)
	n.muDir.Lock()
	n.directory[id] = info.ID
	n.muDir.Unlock()
	return nil
}

func (n *Libp2pNet) connectMultiaddr(ctx context.Context, addr string) error {
	m, err := ma.NewMultiaddr(addr)
	if err != nil {
		return err
	}
	info, err := peer.AddrInfoFromP2pAddr(m)
	if err != nil {
		return err
	}
	return n.h.Connect(ctx, *info)
}

// Peers implements consensus.PeerStore over the known peer directory.
func (n *Libp2pNet) Peers() []consensus.PeerInfo {
	n.muDir.RLock()
	defer n.muDir.RUnlock()
	out := make([]consensus.PeerInfo, 0, len(n.directory))
	for id := range n.directory {
		out = append(out, consensus.PeerInfo{ID: id})
	}
	return out
}

// Broadcast implements consensus.Network by publishing to the shared
// gossipsub topic; the Engine's own routing dispatches by Kind on receipt.
func (n *Libp2pNet) Broadcast(msg *consensus.ProtocolMessage) error {
	data, err := gobEncode(toWire(msg))
	if err != nil {
		return err
	}
	return n.topic.Publish(context.Background(), data)
}

// SendTo implements consensus.Network's unicast path, used sparingly
// (e.g. a replica-specific retransmission); most traffic goes through
// Broadcast.
func (n *Libp2pNet) SendTo(to consensus.NodeID, msg *consensus.ProtocolMessage) error {
	if to == n.self {
		n.dispatch(msg)
		return nil
	}
	n.muDir.RLock()
	pid, ok := n.directory[to]
	n.muDir.RUnlock()
	if !ok {
		return fmt.Errorf("p2p: no known peer id for %s", to)
	}
	ctx, cancel := context.WithTimeout(context.Background(), streamReadTimeout)
	defer cancel()
	stream, err := n.h.NewStream(ctx, pid, protocolUnicast)
	if err != nil {
		return fmt.Errorf("open unicast stream: %w", err)
	}
	defer stream.Close()
	return writeFrame(stream, toWire(msg))
}

// SetHandler implements consensus.Network.
func (n *Libp2pNet) SetHandler(h func(*consensus.ProtocolMessage)) {
	n.muH.Lock()
	n.handler = h
	n.muH.Unlock()
}

func (n *Libp2pNet) dispatch(msg *consensus.ProtocolMessage) {
	n.muH.RLock()
	h := n.handler
	n.muH.RUnlock()
	if h != nil {
		h(msg)
	}
}

func (n *Libp2pNet) readLoop(ctx context.Context) {
	for {
		m, err := n.sub.Next(ctx)
		if err != nil {
			return
		}
		if m.ReceivedFrom == n.h.ID() {
			continue
		}
		var w MessageWire
		if err := gobDecode(m.Data, &w); err != nil {
			if n.log != nil {
				n.log.Warnw("dropping undecodable message", "err", err)
			}
			continue
		}
		n.dispatch(fromWire(w))
	}
}

// checkpointRequest/checkpointResponse and blocksRequest/blocksResponse
// are the unicast sync wire shapes, kept separate from MessageWire
// since they carry a request, not a signed protocol message.
type checkpointRequest struct{ Seq uint64 }
type checkpointResponse struct {
	Seq    uint64
	Digest [32]byte
	Proof  []MessageWire
}
type blocksRequest struct{ From, To uint64 }
type blocksResponse struct{ Blocks map[uint64][]byte }

func init() {
	gob.RegisterName("p2p.checkpointRequest", checkpointRequest{})
	gob.RegisterName("p2p.checkpointResponse", checkpointResponse{})
	gob.RegisterName("p2p.blocksRequest", blocksRequest{})
	gob.RegisterName("p2p.blocksResponse", blocksResponse{})
}

// RequestCheckpoint implements consensus.SyncTransport by opening a
// unicast stream to peer and asking for its stable checkpoint proof at
// seq.
func (n *Libp2pNet) RequestCheckpoint(ctx context.Context, peerID consensus.NodeID, seq consensus.Sequence) (*consensus.StableCheckpoint, error) {
	n.muDir.RLock()
	pid, ok := n.directory[peerID]
	n.muDir.RUnlock()
	if !ok {
		return nil, fmt.Errorf("p2p: no known peer id for %s", peerID)
	}
	stream, err := n.h.NewStream(ctx, pid, protocolSyncCheckpoint)
	if err != nil {
		return nil, fmt.Errorf("open checkpoint stream: %w", err)
	}
	defer stream.Close()

	if err := writeFrame(stream, checkpointRequest{Seq: uint64(seq)}); err != nil {
		return nil, err
	}
	var resp checkpointResponse
	if err := readFrame(stream, &resp); err != nil {
		return nil, err
	}
	cp := &consensus.StableCheckpoint{Seq: consensus.Sequence(resp.Seq), Digest: resp.Digest}
	for _, w := range resp.Proof {
		cp.Proof = append(cp.Proof, fromWire(w))
	}
	return cp, nil
}

// RequestBlocks implements consensus.SyncTransport's block catch-up leg.
func (n *Libp2pNet) RequestBlocks(ctx context.Context, peerID consensus.NodeID, from, to consensus.Sequence) (map[consensus.Sequence][]byte, error) {
	n.muDir.RLock()
	pid, ok := n.directory[peerID]
	n.muDir.RUnlock()
	if !ok {
		return nil, fmt.Errorf("p2p: no known peer id for %s", peerID)
	}
	stream, err := n.h.NewStream(ctx, pid, protocolSyncBlocks)
	if err != nil {
		return nil, fmt.Errorf("open blocks stream: %w", err)
	}
	defer stream.Close()

	if err := writeFrame(stream, blocksRequest{From: uint64(from), To: uint64(to)}); err != nil {
		return nil, err
	}
	var resp blocksResponse
	if err := readFrame(stream, &resp); err != nil {
		return nil, err
	}
	out := make(map[consensus.Sequence][]byte, len(resp.Blocks))
	for n, b := range resp.Blocks {
		out[consensus.Sequence(n)] = b
	}
	return out, nil
}

func (n *Libp2pNet) handleUnicastStream(s network.Stream) {
	defer s.Close()
	var w MessageWire
	if err := readFrame(s, &w); err != nil {
		return
	}
	n.dispatch(fromWire(w))
}

func (n *Libp2pNet) handleCheckpointStream(s network.Stream) {
	defer s.Close()
	var req checkpointRequest
	if err := readFrame(s, &req); err != nil {
		return
	}
	if n.checkpointSource == nil {
		return
	}
	seq := n.checkpointSource.StableSeq()
	proof := n.checkpointSource.ProofFor(seq)
	resp := checkpointResponse{Seq: uint64(seq)}
	if len(proof) > 0 {
		resp.Digest = proof[0].Digest()
	}
	for _, m := range proof {
		resp.Proof = append(resp.Proof, toWire(m))
	}
	_ = writeFrame(s, resp)
}

func (n *Libp2pNet) handleBlocksStream(s network.Stream) {
	defer s.Close()
	var req blocksRequest
	if err := readFrame(s, &req); err != nil {
		return
	}
	if n.blockSource == nil {
		return
	}
	blocks := n.blockSource.BlocksInRange(consensus.Sequence(req.From), consensus.Sequence(req.To))
	resp := blocksResponse{Blocks: make(map[uint64][]byte, len(blocks))}
	for seq, b := range blocks {
		resp.Blocks[uint64(seq)] = b
	}
	_ = writeFrame(s, resp)
}

// writeFrame/readFrame carry a length-prefixed gob value over a stream,
// so the reader knows exactly how many bytes to buffer.
func writeFrame(w io.Writer, v any) error {
	data, err := gobEncode(v)
	if err != nil {
		return err
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(data)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

func readFrame(r io.Reader, v any) error {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	data := make([]byte, n)
	if _, err := io.ReadFull(r, data); err != nil {
		return err
	}
	return gobDecode(data, v)
}

// Package gossip carries dBFT payloads between validators over a libp2p
// gossipsub topic.
//
// A Transport is the EventSink of a dbft.Node: BroadcastMessage events are
// published on the topic, and payloads received from peers are handed to a
// Handler (typically Node.Submit).
package gossip

import (
	"context"
	"errors"
	"fmt"

	"github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	pb "github.com/libp2p/go-libp2p-pubsub/pb"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/edgedlt/dbft"
	"github.com/edgedlt/dbft/internal/crypto"
)

// ErrClosed is returned after Close.
var ErrClosed = errors.New("transport closed")

// Handler receives payloads published by peers.
type Handler func(ctx context.Context, p *dbft.Payload) error

// Config configures a Transport.
type Config struct {
	// Network is the magic of accepted payloads. It also names the topic.
	Network uint32

	// ListenAddrs are libp2p multiaddrs. Defaults to a random loopback TCP
	// port.
	ListenAddrs []string

	// Topic overrides the topic name.
	Topic string

	// OutboxSize bounds the payloads waiting to be published.
	OutboxSize int

	// Logger for structured logging.
	Logger *zap.Logger
}

func (c *Config) setDefaults() {
	if len(c.ListenAddrs) == 0 {
		c.ListenAddrs = []string{"/ip4/127.0.0.1/tcp/0"}
	}
	if c.Topic == "" {
		c.Topic = fmt.Sprintf("/dbft/%08x/consensus", c.Network)
	}
	if c.OutboxSize <= 0 {
		c.OutboxSize = 1024
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// Transport publishes and receives payloads on one gossipsub topic.
type Transport struct {
	cfg    Config
	host   host.Host
	ps     *pubsub.PubSub
	topic  *pubsub.Topic
	sub    *pubsub.Subscription
	logger *zap.Logger

	outbox chan *dbft.Payload

	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group
}

var _ dbft.EventSink = (*Transport)(nil)

// New creates the libp2p host, joins the topic and subscribes to it.
// Nothing is published or delivered until Start.
func New(ctx context.Context, cfg Config) (*Transport, error) {
	cfg.setDefaults()

	h, err := libp2p.New(libp2p.ListenAddrStrings(cfg.ListenAddrs...))
	if err != nil {
		return nil, fmt.Errorf("create libp2p host: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	t := &Transport{
		cfg:    cfg,
		host:   h,
		logger: cfg.Logger.With(zap.Stringer("peer", h.ID())),
		outbox: make(chan *dbft.Payload, cfg.OutboxSize),
		ctx:    ctx,
		cancel: cancel,
	}

	ps, err := pubsub.NewGossipSub(ctx, h,
		pubsub.WithMessageIdFn(payloadID),
		pubsub.WithMaxMessageSize(dbft.MaxPayloadSize),
		pubsub.WithValidateQueueSize(256),
	)
	if err != nil {
		t.closeHost()
		return nil, fmt.Errorf("create gossipsub: %w", err)
	}
	t.ps = ps

	if err := ps.RegisterTopicValidator(cfg.Topic, t.validate); err != nil {
		t.closeHost()
		return nil, fmt.Errorf("register validator: %w", err)
	}
	if t.topic, err = ps.Join(cfg.Topic); err != nil {
		t.closeHost()
		return nil, fmt.Errorf("join %s: %w", cfg.Topic, err)
	}
	if t.sub, err = t.topic.Subscribe(); err != nil {
		t.closeHost()
		return nil, fmt.Errorf("subscribe %s: %w", cfg.Topic, err)
	}
	return t, nil
}

// payloadID keys gossipsub deduplication by payload hash, so the same
// payload relayed by different peers is delivered once.
func payloadID(m *pb.Message) string {
	h := crypto.Sha256(m.Data)
	return string(h[:])
}

// validate drops malformed payloads and payloads of other networks before
// they are relayed. Signatures are checked by the Service.
func (t *Transport) validate(_ context.Context, from peer.ID, m *pubsub.Message) pubsub.ValidationResult {
	p, err := dbft.PayloadFromBytes(m.Data)
	if err != nil {
		t.logger.Debug("rejected malformed payload", zap.Stringer("from", from), zap.Error(err))
		return pubsub.ValidationReject
	}
	if p.Network != t.cfg.Network {
		return pubsub.ValidationIgnore
	}
	m.ValidatorData = p
	return pubsub.ValidationAccept
}

// ID returns the libp2p peer ID.
func (t *Transport) ID() peer.ID { return t.host.ID() }

// AddrInfo returns the dialable address of this transport.
func (t *Transport) AddrInfo() peer.AddrInfo {
	return peer.AddrInfo{ID: t.host.ID(), Addrs: t.host.Addrs()}
}

// Connect dials a peer.
func (t *Transport) Connect(ctx context.Context, pi peer.AddrInfo) error {
	if err := t.host.Connect(ctx, pi); err != nil {
		return fmt.Errorf("connect %s: %w", pi.ID, err)
	}
	return nil
}

// Peers returns the peers subscribed to the topic.
func (t *Transport) Peers() []peer.ID {
	return t.topic.ListPeers()
}

// Emit implements dbft.EventSink. It never blocks: when the outbox is full
// the payload is dropped and recovery has to make up for it.
func (t *Transport) Emit(e dbft.Event) {
	b, ok := e.(dbft.BroadcastMessage)
	if !ok {
		return
	}
	select {
	case t.outbox <- b.Payload:
	default:
		t.logger.Warn("outbox full, dropping payload", zap.Stringer("payload", b.Payload))
	}
}

// Start runs the publish and receive loops until Close.
func (t *Transport) Start(handler Handler) {
	g, ctx := errgroup.WithContext(t.ctx)
	t.group = g
	g.Go(func() error { return t.publishLoop(ctx) })
	g.Go(func() error { return t.receiveLoop(ctx, handler) })
}

func (t *Transport) publishLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case p := <-t.outbox:
			if err := t.topic.Publish(ctx, p.Bytes()); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				t.logger.Warn("publish failed", zap.Stringer("payload", p), zap.Error(err))
			}
		}
	}
}

func (t *Transport) receiveLoop(ctx context.Context, handler Handler) error {
	self := t.host.ID()
	for {
		msg, err := t.sub.Next(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, pubsub.ErrSubscriptionCancelled) {
				return nil
			}
			return fmt.Errorf("next message: %w", err)
		}
		if msg.ReceivedFrom == self {
			continue
		}
		p, ok := msg.ValidatorData.(*dbft.Payload)
		if !ok {
			if p, err = dbft.PayloadFromBytes(msg.Data); err != nil {
				continue
			}
		}
		if err := handler(ctx, p); err != nil {
			if errors.Is(err, dbft.ErrNodeStopped) || ctx.Err() != nil {
				return nil
			}
			t.logger.Debug("payload not delivered", zap.Stringer("payload", p), zap.Error(err))
		}
	}
}

// Close stops the loops and the libp2p host.
func (t *Transport) Close() error {
	t.cancel()
	var err error
	if t.group != nil {
		err = t.group.Wait()
	}
	t.sub.Cancel()
	if cerr := t.topic.Close(); cerr != nil {
		t.logger.Debug("close topic", zap.Error(cerr))
	}
	return errors.Join(err, t.host.Close())
}

func (t *Transport) closeHost() {
	t.cancel()
	_ = t.host.Close()
}

package bus

import (
	"context"
	"fmt"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
	libp2p "github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	ma "github.com/multiformats/go-multiaddr"
	"github.com/sirupsen/logrus"
)

// Configuration of the libp2p GossipSub bus.
type GossipConfig struct {
	// Multiaddrs to listen on, e.g. `/ip4/0.0.0.0/tcp/4001`.
	ListenAddresses []string `yaml:"listen"`
	// Full multiaddrs (including `/p2p/<id>`) of the peers to connect to on start.
	BootstrapPeers []string `yaml:"bootstrap"`
	// Discover peers on the local network.
	MDNS bool `yaml:"mdns"`
	// Service tag used for the mDNS discovery.
	MDNSTag string `yaml:"mdnsTag"`
	// Prefix of the topic names, the channel name is appended to it.
	TopicPrefix string `yaml:"topicPrefix"`
	// Log level of the libp2p subsystems.
	LogLevel string `yaml:"logLevel"`
}

const gossipPeerPollInterval = 100 * time.Millisecond

// Gossip is a bus built on top of libp2p GossipSub: one topic per channel.
type Gossip struct {
	host   host.Host
	pubsub *pubsub.PubSub
	mdns   mdns.Service
	config GossipConfig
	logger *logrus.Entry

	mutex  sync.Mutex
	topics map[string]*gossipTopic
	closed bool
}

type gossipTopic struct {
	topic *pubsub.Topic
	// Live subscriptions plus publishes in flight.
	users int
}

func NewGossip(ctx context.Context, config GossipConfig) (*Gossip, error) {
	if config.LogLevel != "" {
		for _, subsystem := range []string{"pubsub", "swarm2", "mdns"} {
			if err := logging.SetLogLevel(subsystem, config.LogLevel); err != nil {
				logrus.WithError(err).WithField("subsystem", subsystem).Warn("failed to set libp2p log level")
			}
		}
	}

	if config.TopicPrefix == "" {
		config.TopicPrefix = "duet/signaling"
	}

	if config.MDNSTag == "" {
		config.MDNSTag = "duet-signaling"
	}

	options := []libp2p.Option{}
	if len(config.ListenAddresses) > 0 {
		options = append(options, libp2p.ListenAddrStrings(config.ListenAddresses...))
	}

	h, err := libp2p.New(options...)
	if err != nil {
		return nil, fmt.Errorf("failed to create libp2p host: %w", err)
	}

	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		_ = h.Close()
		return nil, fmt.Errorf("failed to start gossipsub: %w", err)
	}

	gossip := &Gossip{
		host:   h,
		pubsub: ps,
		config: config,
		logger: logrus.WithFields(logrus.Fields{"bus": "gossip", "peer_id": h.ID().String()}),
		topics: make(map[string]*gossipTopic),
	}

	if config.MDNS {
		gossip.mdns = mdns.NewMdnsService(h, config.MDNSTag, &mdnsNotifee{host: h, logger: gossip.logger})
		if err := gossip.mdns.Start(); err != nil {
			_ = h.Close()
			return nil, fmt.Errorf("failed to start mDNS discovery: %w", err)
		}
	}

	for _, address := range config.BootstrapPeers {
		if err := gossip.connect(ctx, address); err != nil {
			gossip.logger.WithError(err).WithField("address", address).Warn("failed to connect to bootstrap peer")
		}
	}

	gossip.logger.WithField("addresses", gossip.Addresses()).Info("gossip bus started")
	return gossip, nil
}

// Full multiaddrs of the host, suitable as bootstrap peers of another bus.
func (g *Gossip) Addresses() []string {
	addresses := make([]string, 0, len(g.host.Addrs()))
	for _, address := range g.host.Addrs() {
		addresses = append(addresses, fmt.Sprintf("%s/p2p/%s", address, g.host.ID()))
	}

	return addresses
}

func (g *Gossip) connect(ctx context.Context, address string) error {
	multiaddr, err := ma.NewMultiaddr(address)
	if err != nil {
		return fmt.Errorf("invalid multiaddr: %w", err)
	}

	info, err := peer.AddrInfoFromP2pAddr(multiaddr)
	if err != nil {
		return fmt.Errorf("multiaddr has no peer id: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	return g.host.Connect(ctx, *info)
}

// The subscription is acknowledged once it is registered locally and we are connected to at least
// one other peer, i.e. once there is someone to receive messages from.
func (g *Gossip) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	topic, err := g.join(channel)
	if err != nil {
		return nil, err
	}

	sub, err := topic.Subscribe()
	if err != nil {
		g.leave(channel)
		return nil, fmt.Errorf("%w: %v", ErrSubscriptionFailed, err)
	}

	if err := g.waitForPeers(ctx); err != nil {
		sub.Cancel()
		g.leave(channel)
		return nil, err
	}

	subCtx, cancel := context.WithCancel(context.Background())
	subscription := &gossipSubscription{
		messages: make(chan []byte, 64),
		cancel:   cancel,
		done:     make(chan struct{}),
	}

	go func() {
		defer close(subscription.done)
		defer close(subscription.messages)
		defer g.leave(channel)
		defer sub.Cancel()

		for {
			msg, err := sub.Next(subCtx)
			if err != nil {
				return
			}

			select {
			case subscription.messages <- msg.Data:
			case <-subCtx.Done():
				return
			}
		}
	}()

	return subscription, nil
}

func (g *Gossip) waitForPeers(ctx context.Context) error {
	ticker := time.NewTicker(gossipPeerPollInterval)
	defer ticker.Stop()

	for len(g.host.Network().Peers()) == 0 {
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: no peers connected", ErrSubscriptionFailed)
		case <-ticker.C:
		}
	}

	return nil
}

// A channel joined only to publish is left right after the message is handed to the router.
func (g *Gossip) Publish(ctx context.Context, channel string, data []byte) error {
	topic, err := g.join(channel)
	if err != nil {
		return err
	}
	defer g.leave(channel)

	return topic.Publish(ctx, data)
}

// Returns the joined topic of a channel, joining it if necessary. Every call must be paired with
// a call to `leave`.
func (g *Gossip) join(channel string) (*pubsub.Topic, error) {
	g.mutex.Lock()
	defer g.mutex.Unlock()

	if g.closed {
		return nil, ErrBusClosed
	}

	joined, ok := g.topics[channel]
	if !ok {
		topic, err := g.pubsub.Join(g.config.TopicPrefix + "/" + channel)
		if err != nil {
			return nil, fmt.Errorf("failed to join topic: %w", err)
		}

		joined = &gossipTopic{topic: topic}
		g.topics[channel] = joined
	}

	joined.users++
	return joined.topic, nil
}

// Leaves the topic once nobody uses it anymore.
func (g *Gossip) leave(channel string) {
	g.mutex.Lock()
	defer g.mutex.Unlock()

	joined, ok := g.topics[channel]
	if !ok {
		return
	}

	joined.users--
	if joined.users > 0 {
		return
	}

	delete(g.topics, channel)
	if err := joined.topic.Close(); err != nil {
		g.logger.WithError(err).WithField("channel", channel).Debug("failed to close topic")
	}
}

func (g *Gossip) Close() error {
	g.mutex.Lock()
	if g.closed {
		g.mutex.Unlock()
		return nil
	}
	g.closed = true
	g.mutex.Unlock()

	if g.mdns != nil {
		if err := g.mdns.Close(); err != nil {
			g.logger.WithError(err).Warn("failed to stop mDNS discovery")
		}
	}

	return g.host.Close()
}

type gossipSubscription struct {
	messages  chan []byte
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

func (s *gossipSubscription) Messages() <-chan []byte {
	return s.messages
}

func (s *gossipSubscription) Close() {
	s.closeOnce.Do(func() {
		s.cancel()
		<-s.done
	})
}

type mdnsNotifee struct {
	host   host.Host
	logger *logrus.Entry
}

func (n *mdnsNotifee) HandlePeerFound(info peer.AddrInfo) {
	if info.ID == n.host.ID() {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := n.host.Connect(ctx, info); err != nil {
		n.logger.WithError(err).WithField("peer", info.ID.String()).Debug("failed to connect to discovered peer")
	}
}

package porta

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	leg_metrics "github.com/armon/go-metrics"
	"github.com/google/uuid"
	"github.com/hashicorp/go-metrics"
	"github.com/hashicorp/memberlist"
	"google.golang.org/protobuf/encoding/protowire"
)

// GossipConfig configures a GossipRegistry.
type GossipConfig struct {
	// BindAddr and BindPort are where the gossip protocol listens. A zero
	// port picks a free one.
	BindAddr string
	BindPort int

	// NodeName must be unique in the cluster. A random one is chosen if
	// empty.
	NodeName string

	// Neighbours are the `host:port` of members to join at creation.
	Neighbours []string

	LogHandler   slog.Handler
	MetricSink   metrics.MetricSink
	MetricLabels []metrics.Label

	// LeaveTimeout bounds how long Close waits for the cluster to learn
	// we left.
	LeaveTimeout time.Duration
}

// GossipRegistry is a NameService replicated across processes. Every
// member holds the whole directory and changes spread by gossip.
type GossipRegistry struct {
	*LocalRegistry

	logger *slog.Logger
	ml     *memberlist.Memberlist
	queue  *memberlist.TransmitLimitedQueue
	leave  time.Duration
	nodes  atomic.Int32

	lk     sync.Mutex
	closed bool
}

var (
	_ NameService             = (*GossipRegistry)(nil)
	_ memberlist.Delegate      = (*gossipDelegate)(nil)
	_ memberlist.EventDelegate = (*gossipDelegate)(nil)
)

// NewGossipRegistry starts a gossip member and joins the configured
// neighbours.
func NewGossipRegistry(cfg GossipConfig) (*GossipRegistry, error) {
	if cfg.NodeName == "" {
		cfg.NodeName = uuid.NewString()
	}
	if cfg.LeaveTimeout <= 0 {
		cfg.LeaveTimeout = 5 * time.Second
	}
	if cfg.MetricSink == nil {
		cfg.MetricSink = metrics.Default()
	}

	var logger *slog.Logger
	mlCfg := memberlist.DefaultLocalConfig()
	if cfg.LogHandler != nil {
		logger = slog.New(cfg.LogHandler)
		mlCfg.Logger = slog.NewLogLogger(cfg.LogHandler, slog.LevelDebug)
	} else {
		logger = slog.Default()
		mlCfg.Logger = slog.NewLogLogger(slog.Default().Handler(), slog.LevelDebug)
	}
	logger = logger.With(LabelNodeName.L(cfg.NodeName))

	labels := append([]metrics.Label{}, cfg.MetricLabels...)
	labels = append(labels, LabelNodeName.M(cfg.NodeName))
	mlCfg.MetricLabels = make([]leg_metrics.Label, len(labels))
	for i, label := range labels {
		mlCfg.MetricLabels[i] = leg_metrics.Label{
			Name:  label.Name,
			Value: label.Value,
		}
	}

	g := &GossipRegistry{
		LocalRegistry: newLocalRegistry(logger, cfg.NodeName, cfg.MetricSink, labels),
		logger:        logger,
		leave:         cfg.LeaveTimeout,
	}
	g.queue = &memberlist.TransmitLimitedQueue{
		NumNodes: func() int {
			return max(1, int(g.nodes.Load()))
		},
		RetransmitMult: mlCfg.RetransmitMult,
	}
	g.onChange = g.broadcast

	delegate := &gossipDelegate{g: g}
	mlCfg.Name = cfg.NodeName
	if cfg.BindAddr != "" {
		mlCfg.BindAddr = cfg.BindAddr
		mlCfg.AdvertiseAddr = cfg.BindAddr
	}
	mlCfg.BindPort = cfg.BindPort
	mlCfg.AdvertisePort = cfg.BindPort
	mlCfg.Delegate = delegate
	mlCfg.Events = delegate

	ml, err := memberlist.Create(mlCfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
	}
	g.ml = ml

	if len(cfg.Neighbours) > 0 {
		if err := g.Join(cfg.Neighbours); err != nil {
			ml.Shutdown()
			return nil, err
		}
	}
	return g, nil
}

// Join contacts the members at addrs and merges their directory.
func (g *GossipRegistry) Join(addrs []string) error {
	g.lk.Lock()
	defer g.lk.Unlock()
	if g.closed {
		return ErrRegistryClosed
	}
	joined, err := g.ml.Join(addrs)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrJoinCluster, err)
	}
	g.logger.Info("cluster joined")
	if joined != len(addrs) {
		g.logger.Warn(
			"not all neighbours are reachable",
			"joined", joined,
			"expected", len(addrs),
		)
	}
	return nil
}

// Members returns the names of the live members, us included.
func (g *GossipRegistry) Members() []string {
	nodes := g.ml.Members()
	names := make([]string, 0, len(nodes))
	for _, node := range nodes {
		names = append(names, node.Name)
	}
	return names
}

// LocalAddr is the `host:port` other members can join.
func (g *GossipRegistry) LocalAddr() string {
	return g.ml.LocalNode().Address()
}

// Close leaves the cluster and stops gossiping.
func (g *GossipRegistry) Close() error {
	g.lk.Lock()
	if g.closed {
		g.lk.Unlock()
		return nil
	}
	g.closed = true
	g.lk.Unlock()

	start := time.Now()
	g.logger.Info("shutdown: leave cluster")
	if err := g.ml.Leave(g.leave); err != nil {
		g.logger.Warn("could not leave the cluster gracefully", LabelError.L(err))
	}
	err := g.ml.Shutdown()
	g.logger.Info("shutdown: completed", LabelDuration.L(time.Since(start)))
	return err
}

func (g *GossipRegistry) broadcast(rec nameRecord) {
	g.queue.QueueBroadcast(&recordBroadcast{name: rec.name, msg: encodeRecord(nil, rec)})
}

// recordBroadcast carries one record. A newer broadcast for the same name
// replaces it in the queue.
type recordBroadcast struct {
	name string
	msg  []byte
}

func (b *recordBroadcast) Invalidates(other memberlist.Broadcast) bool {
	o, ok := other.(*recordBroadcast)
	return ok && o.name == b.name
}

func (b *recordBroadcast) Message() []byte {
	return b.msg
}

func (b *recordBroadcast) Finished() {}

type gossipDelegate struct {
	g *GossipRegistry
}

func (d *gossipDelegate) NodeMeta(int) []byte {
	return nil
}

func (d *gossipDelegate) NotifyMsg(buf []byte) {
	rec, err := decodeRecord(buf)
	if err != nil {
		d.g.logger.Warn("dropping malformed record", LabelError.L(err))
		return
	}
	if d.g.dir.merge(rec) {
		d.g.sink.SetGaugeWithLabels(MetricRegistryRecords, float32(d.g.dir.live()), d.g.labels)
	}
}

func (d *gossipDelegate) GetBroadcasts(overhead, limit int) [][]byte {
	return d.g.queue.GetBroadcasts(overhead, limit)
}

func (d *gossipDelegate) LocalState(bool) []byte {
	var buf []byte
	for _, rec := range d.g.dir.snapshot() {
		buf = protowire.AppendTag(buf, 1, protowire.BytesType)
		buf = protowire.AppendBytes(buf, encodeRecord(nil, rec))
	}
	return buf
}

func (d *gossipDelegate) MergeRemoteState(buf []byte, _ bool) {
	merged := 0
	for len(buf) > 0 {
		num, typ, n := protowire.ConsumeTag(buf)
		if n < 0 {
			d.g.logger.Warn("dropping malformed state", LabelError.L(protowire.ParseError(n)))
			return
		}
		buf = buf[n:]
		if num != 1 || typ != protowire.BytesType {
			n = protowire.ConsumeFieldValue(num, typ, buf)
			if n < 0 {
				return
			}
			buf = buf[n:]
			continue
		}
		raw, n := protowire.ConsumeBytes(buf)
		if n < 0 {
			d.g.logger.Warn("dropping malformed state", LabelError.L(protowire.ParseError(n)))
			return
		}
		buf = buf[n:]
		rec, err := decodeRecord(raw)
		if err != nil {
			d.g.logger.Warn("dropping malformed record", LabelError.L(err))
			continue
		}
		if d.g.dir.merge(rec) {
			merged++
		}
	}
	if merged > 0 {
		d.g.sink.SetGaugeWithLabels(MetricRegistryRecords, float32(d.g.dir.live()), d.g.labels)
	}
}

func (d *gossipDelegate) NotifyJoin(node *memberlist.Node) {
	d.g.nodes.Add(1)
	withLogNode(d.g.logger, node).Info("peer joined cluster")
}

func (d *gossipDelegate) NotifyLeave(node *memberlist.Node) {
	d.g.nodes.Add(-1)
	dropped := d.g.dir.dropNode(node.Name)
	withLogNode(d.g.logger, node).Info("peer left cluster", "dropped_names", dropped)
	d.g.sink.SetGaugeWithLabels(MetricRegistryRecords, float32(d.g.dir.live()), d.g.labels)
}

func (d *gossipDelegate) NotifyUpdate(node *memberlist.Node) {
	withLogNode(d.g.logger, node).Info("peer updated")
}

func withLogNode(logger *slog.Logger, node *memberlist.Node) *slog.Logger {
	return logger.With(LabelPeerName.L(node.Name), "peer_addr", node.Address())
}

const (
	recordName      protowire.Number = 1
	recordCarrier   protowire.Number = 2
	recordHost      protowire.Number = 3
	recordPort      protowire.Number = 4
	recordNode      protowire.Number = 5
	recordRev       protowire.Number = 6
	recordDeleted   protowire.Number = 7
	recordAnnounced protowire.Number = 8
)

func encodeRecord(buf []byte, rec nameRecord) []byte {
	buf = appendString(buf, recordName, rec.name)
	buf = appendString(buf, recordCarrier, rec.contact.Carrier)
	buf = appendString(buf, recordHost, rec.contact.Host)
	if rec.contact.Port != 0 {
		buf = protowire.AppendTag(buf, recordPort, protowire.VarintType)
		buf = protowire.AppendVarint(buf, uint64(rec.contact.Port))
	}
	buf = appendString(buf, recordNode, rec.node)
	buf = protowire.AppendTag(buf, recordRev, protowire.VarintType)
	buf = protowire.AppendVarint(buf, rec.rev)
	buf = appendBool(buf, recordDeleted, rec.deleted)
	buf = appendBool(buf, recordAnnounced, rec.announced)
	return buf
}

func decodeRecord(buf []byte) (nameRecord, error) {
	var rec nameRecord
	for len(buf) > 0 {
		num, typ, n := protowire.ConsumeTag(buf)
		if n < 0 {
			return rec, fmt.Errorf("%w: %w", ErrInvalidRecord, protowire.ParseError(n))
		}
		buf = buf[n:]

		switch {
		case typ == protowire.BytesType && num <= recordNode:
			v, n := protowire.ConsumeBytes(buf)
			if n < 0 {
				return rec, fmt.Errorf("%w: %w", ErrInvalidRecord, protowire.ParseError(n))
			}
			buf = buf[n:]
			switch num {
			case recordName:
				rec.name = string(v)
			case recordCarrier:
				rec.contact.Carrier = string(v)
			case recordHost:
				rec.contact.Host = string(v)
			case recordNode:
				rec.node = string(v)
			}
		case typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(buf)
			if n < 0 {
				return rec, fmt.Errorf("%w: %w", ErrInvalidRecord, protowire.ParseError(n))
			}
			buf = buf[n:]
			switch num {
			case recordPort:
				rec.contact.Port = int(v)
			case recordRev:
				rec.rev = v
			case recordDeleted:
				rec.deleted = v != 0
			case recordAnnounced:
				rec.announced = v != 0
			}
		default:
			n := protowire.ConsumeFieldValue(num, typ, buf)
			if n < 0 {
				return rec, fmt.Errorf("%w: %w", ErrInvalidRecord, protowire.ParseError(n))
			}
			buf = buf[n:]
		}
	}

	if rec.name == "" || rec.node == "" {
		return rec, ErrInvalidRecord
	}
	rec.contact.Name = rec.name
	if !rec.deleted && !rec.contact.IsValid() {
		return rec, ErrInvalidRecord
	}
	return rec, nil
}

package arbor

import (
	"fmt"
	"log/slog"
	"strconv"

	"github.com/hashicorp/memberlist"
	"github.com/raskyld/arbor/pkg/topology"
)

// gossip turns memberlist failure detection into link closures: when a
// tree neighbour leaves or is declared dead, the link toward it is
// closed and the regular failure handling runs.
type gossip struct {
	logger *slog.Logger
	net    *Network
}

func withLogNode(logger *slog.Logger, node *memberlist.Node) *slog.Logger {
	return logger.With(
		LabelPeerName.L(node.Name),
		LabelPeerAddr.L(node.Address()),
	)
}

func (g *gossip) NotifyJoin(node *memberlist.Node) {
	withLogNode(g.logger, node).Debug("peer joined cluster")
}

func (g *gossip) NotifyLeave(node *memberlist.Node) {
	logger := withLogNode(g.logger, node)
	rank, err := strconv.ParseUint(node.Name, 10, 32)
	if err != nil {
		logger.Warn("peer name is not a rank", LabelError.L(err))
		return
	}
	logger.Info("peer left cluster")
	g.net.dropPeer(topology.Rank(rank))
}

func (g *gossip) NotifyUpdate(node *memberlist.Node) {
	withLogNode(g.logger, node).Debug("peer updated")
}

func (n *Network) startGossip() error {
	mlCfg := n.cfg.mlCfg
	mlCfg.Name = rankString(n.local)
	mlCfg.Events = &gossip{
		logger: n.logger.With("component", "gossip"),
		net:    n,
	}
	mlCfg.LogOutput = nil
	if n.cfg.logHandler != nil {
		mlCfg.Logger = slog.NewLogLogger(n.cfg.logHandler, slog.LevelDebug)
	} else {
		mlCfg.Logger = slog.NewLogLogger(slog.Default().Handler(), slog.LevelDebug)
	}

	if n.tr != nil {
		// Make memberlist use our QUIC transport.
		mlCfg.Transport = n.tr
	} else {
		if n.cfg.trCfg.BindAddr != "" {
			mlCfg.BindAddr = n.cfg.trCfg.BindAddr
		}
		if n.cfg.trCfg.BindPort != 0 {
			mlCfg.BindPort = n.cfg.trCfg.BindPort
			mlCfg.AdvertisePort = n.cfg.trCfg.BindPort
		}
	}

	ml, err := memberlist.Create(mlCfg)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidCfg, err)
	}
	n.ml = ml

	if len(n.cfg.neighbours) > 0 {
		joined, err := ml.Join(n.cfg.neighbours)
		if err != nil {
			return fmt.Errorf("gossip: join cluster: %w", err)
		}
		if joined != len(n.cfg.neighbours) {
			n.logger.Warn(
				"not all neighbours are reachable",
				"joined", joined,
				"expected", len(n.cfg.neighbours),
			)
		}
	}
	return nil
}

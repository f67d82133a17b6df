package arbor

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"time"

	leg_metrics "github.com/armon/go-metrics"
	"github.com/hashicorp/go-metrics"
	"github.com/hashicorp/memberlist"
	"github.com/raskyld/arbor/pkg/topology"
)

type config struct {
	mlCfg        *memberlist.Config
	trCfg        TransportConfig
	logHandler   slog.Handler
	msink        metrics.MetricSink
	metricLabels []metrics.Label

	gossip     bool
	neighbours []string

	recovery    bool
	strategy    topology.Strategy
	syncTimeout time.Duration
	bufferDepth int
	dialer      Dialer
	fatal       func(error)
	rand        rand.Source
}

func defaultConfig() config {
	mlCfg := memberlist.DefaultLANConfig()
	mlCfg.ProbeTimeout = 2 * time.Second
	return config{
		mlCfg: mlCfg,
		trCfg: TransportConfig{
			DialTimeout: 30 * time.Second,
			GracePeriod: 10 * time.Second,
		},
		recovery:    true,
		strategy:    topology.StrategyWRS,
		syncTimeout: 500 * time.Millisecond,
		bufferDepth: 1,
	}
}

// Option to pass to `New`
type Option func(*config) error

// WithListenOn specifies which UDP interface must be used by the
// transport and, when enabled, the gossip layer.
func WithListenOn(addr string, port int) Option {
	return func(c *config) error {
		c.trCfg.BindAddr = addr
		c.trCfg.BindPort = port
		return nil
	}
}

// WithLog specifies which `slog.Handler` to use.
func WithLog(handler slog.Handler) Option {
	return func(c *config) error {
		c.logHandler = handler
		c.trCfg.LogHandler = handler
		return nil
	}
}

// WithMetricLabels adds static labels to all metrics produced by the
// Network.
func WithMetricLabels(labels []metrics.Label) Option {
	return func(c *config) error {
		c.metricLabels = labels
		c.trCfg.MetricLabels = labels

		// memberlist still emits through the legacy armon package.
		c.mlCfg.MetricLabels = make([]leg_metrics.Label, len(labels))
		for i, label := range labels {
			c.mlCfg.MetricLabels[i] = leg_metrics.Label{
				Name:  label.Name,
				Value: label.Value,
			}
		}
		return nil
	}
}

// WithTlsConfig enables the QUIC transport. Nodes then reach each other
// on the host and port recorded in the topology. It is REALLY important
// that you use mTLS in production since that's the only way to make sure
// only your processes join the tree.
func WithTlsConfig(tlsConf *tls.Config) Option {
	return func(c *config) error {
		if tlsConf == nil {
			return ErrNoTLSConfig
		}
		c.trCfg.TlsConfig = tlsConf.Clone()
		return nil
	}
}

// WithMetricSink allows you to chose how to collect the metrics emitted
// by your `Network`.
func WithMetricSink(ms metrics.MetricSink) Option {
	return func(c *config) error {
		if ms == nil {
			ms = &metrics.BlackholeSink{}
		}
		c.msink = ms
		c.trCfg.MetricSink = ms
		return nil
	}
}

// WithDialTimeout controls how much time we are willing to wait for a
// remote node to answer, including during failure recovery.
func WithDialTimeout(timeout time.Duration) Option {
	return func(c *config) error {
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		c.trCfg.DialTimeout = timeout
		return nil
	}
}

// WithGracePeriod controls how much time we wait on Shutdown for UDP
// buffers to flush.
func WithGracePeriod(period time.Duration) Option {
	return func(c *config) error {
		if period < 0 {
			return fmt.Errorf("negative grace period %s", period)
		}
		c.trCfg.GracePeriod = period
		return nil
	}
}

// WithGossip runs a memberlist failure detector next to the tree. When a
// tree neighbour is declared dead, its link is closed so recovery starts
// without waiting for the transport to notice.
func WithGossip(neighbours ...string) Option {
	return func(c *config) error {
		c.gossip = true
		c.neighbours = neighbours
		return nil
	}
}

// WithRecovery enables or disables the automatic recovery from a parent
// failure. It is enabled by default. When disabled, losing the parent
// invokes the fatal handler.
func WithRecovery(enabled bool) Option {
	return func(c *config) error {
		c.recovery = enabled
		return nil
	}
}

// WithRecoveryStrategy selects how a new parent is picked among the
// potential adopters.
func WithRecoveryStrategy(s topology.Strategy) Option {
	return func(c *config) error {
		if _, err := topology.ParseStrategy(s.String()); err != nil {
			return err
		}
		c.strategy = s
		return nil
	}
}

// WithSyncTimeout is the default deadline of streams using the timeout
// synchronization policy. Streams can override it by setting the
// parameters of their synchronization filter.
func WithSyncTimeout(timeout time.Duration) Option {
	return func(c *config) error {
		c.syncTimeout = timeout
		return nil
	}
}

// WithStreamBufferDepth sets how many packets a stream keeps for the
// application. When full, the oldest packet is overwritten. Zero means
// unbounded.
func WithStreamBufferDepth(depth int) Option {
	return func(c *config) error {
		if depth < 0 {
			return fmt.Errorf("negative buffer depth %d", depth)
		}
		c.bufferDepth = depth
		return nil
	}
}

// WithDialer overrides how links to other nodes are established. By
// default, the QUIC transport is used when a TLS configuration is given.
func WithDialer(d Dialer) Option {
	return func(c *config) error {
		c.dialer = d
		return nil
	}
}

// WithFatalHandler is invoked when the node can no longer be part of the
// tree, typically because no potential parent adopted it. The default
// handler logs the error and exits the process.
func WithFatalHandler(fn func(error)) Option {
	return func(c *config) error {
		c.fatal = fn
		return nil
	}
}

// WithRandSource seeds the randomness used to select a new parent.
func WithRandSource(src rand.Source) Option {
	return func(c *config) error {
		c.rand = src
		return nil
	}
}

func exitOnFatal(logger *slog.Logger) func(error) {
	return func(err error) {
		logger.Error("node cannot take part in the tree anymore", LabelError.L(err))
		os.Exit(1)
	}
}

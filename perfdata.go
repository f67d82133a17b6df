package arbor

import (
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/arbor/pkg/packet"
	"github.com/raskyld/arbor/pkg/topology"
)

// PerfMetric is a quantity recorded per stream.
type PerfMetric uint8

const (
	PerfPackets PerfMetric = iota
	PerfBytes
	// PerfFilterElapsed is the time spent in transformations, in
	// milliseconds.
	PerfFilterElapsed
	lastPerfMetric
)

func (m PerfMetric) String() string {
	switch m {
	case PerfPackets:
		return "packets"
	case PerfBytes:
		return "bytes"
	case PerfFilterElapsed:
		return "filter_elapsed_ms"
	}
	return fmt.Sprintf("unknown(%d)", uint8(m))
}

// PerfContext is where a [PerfMetric] is recorded.
type PerfContext uint8

const (
	PerfSend PerfContext = iota
	PerfRecv
	PerfFilterIn
	PerfFilterOut
	lastPerfContext
)

func (c PerfContext) String() string {
	switch c {
	case PerfSend:
		return "send"
	case PerfRecv:
		return "recv"
	case PerfFilterIn:
		return "filter_in"
	case PerfFilterOut:
		return "filter_out"
	}
	return fmt.Sprintf("unknown(%d)", uint8(c))
}

type perfKey struct {
	metric PerfMetric
	ctx    PerfContext
}

func validPerf(m PerfMetric, c PerfContext) error {
	if m >= lastPerfMetric || c >= lastPerfContext {
		return fmt.Errorf("%w: perf data %s/%s", ErrProtocolViolation, m, c)
	}
	return nil
}

// perfData keeps the samples of one stream on the local node. Samples
// are mirrored to the metric sink as they are recorded.
type perfData struct {
	lk      sync.Mutex
	enabled map[perfKey]bool
	samples map[perfKey][]float64

	msink  metrics.MetricSink
	labels []metrics.Label
}

func newPerfData(msink metrics.MetricSink, labels []metrics.Label) *perfData {
	return &perfData{
		enabled: make(map[perfKey]bool),
		samples: make(map[perfKey][]float64),
		msink:   msink,
		labels:  slices.Clip(labels),
	}
}

func (pd *perfData) enable(m PerfMetric, c PerfContext, on bool) {
	pd.lk.Lock()
	defer pd.lk.Unlock()
	k := perfKey{m, c}
	if on {
		pd.enabled[k] = true
		return
	}
	delete(pd.enabled, k)
}

func (pd *perfData) active(m PerfMetric, c PerfContext) bool {
	pd.lk.Lock()
	defer pd.lk.Unlock()
	return pd.enabled[perfKey{m, c}]
}

func (pd *perfData) record(m PerfMetric, c PerfContext, v float64) {
	k := perfKey{m, c}
	pd.lk.Lock()
	if !pd.enabled[k] {
		pd.lk.Unlock()
		return
	}
	pd.samples[k] = append(pd.samples[k], v)
	pd.lk.Unlock()

	pd.msink.AddSampleWithLabels(
		MetricArborPerfData,
		float32(v),
		append(pd.labels, LabelPerfMetric.M(m.String()), LabelPerfContext.M(c.String())),
	)
}

// collect returns the samples recorded so far and forgets them.
func (pd *perfData) collect(m PerfMetric, c PerfContext) []float64 {
	pd.lk.Lock()
	defer pd.lk.Unlock()
	k := perfKey{m, c}
	out := pd.samples[k]
	delete(pd.samples, k)
	if out == nil {
		out = []float64{}
	}
	return out
}

func (pd *perfData) print(logger *slog.Logger, m PerfMetric, c PerfContext) {
	pd.lk.Lock()
	samples := append([]float64(nil), pd.samples[perfKey{m, c}]...)
	pd.lk.Unlock()
	logger.Info("perf data",
		LabelPerfMetric.L(m.String()),
		LabelPerfContext.L(c.String()),
		"samples", samples,
	)
}

func perfPacket(streamID uint32, tag packet.Tag, m PerfMetric, c PerfContext) *packet.Packet {
	return packet.New(streamID, tag, packet.Uint8(uint8(m)), packet.Uint8(uint8(c)))
}

func parsePerf(p *packet.Packet) (PerfMetric, PerfContext, error) {
	if err := p.Expect(packet.TypeUint8, packet.TypeUint8); err != nil {
		return 0, 0, err
	}
	m, _ := p.At(0).Uint()
	c, _ := p.At(1).Uint()
	if err := validPerf(PerfMetric(m), PerfContext(c)); err != nil {
		return 0, 0, err
	}
	return PerfMetric(m), PerfContext(c), nil
}

func perfReplyPacket(streamID uint32, rank topology.Rank, m PerfMetric, c PerfContext, values []float64) *packet.Packet {
	return packet.New(streamID, packet.TagCollectPerfDataReply,
		packet.Uint32(uint32(rank)),
		packet.Uint8(uint8(m)),
		packet.Uint8(uint8(c)),
		packet.Array(values),
	)
}

type perfReply struct {
	rank   topology.Rank
	metric PerfMetric
	ctx    PerfContext
	values []float64
}

func parsePerfReply(p *packet.Packet) (perfReply, error) {
	if err := p.Expect(packet.TypeUint32, packet.TypeUint8, packet.TypeUint8, packet.TypeFloat64Array); err != nil {
		return perfReply{}, err
	}
	r, _ := p.At(0).Uint()
	m, _ := p.At(1).Uint()
	c, _ := p.At(2).Uint()
	values, err := packet.AsArray[float64](p.At(3))
	if err != nil {
		return perfReply{}, err
	}
	return perfReply{
		rank:   topology.Rank(r),
		metric: PerfMetric(m),
		ctx:    PerfContext(c),
		values: values,
	}, nil
}

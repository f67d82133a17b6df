package packet

import "fmt"

// Tag distinguishes control packets from application data. Tags below
// [FirstApplicationTag] are reserved for the overlay protocol.
type Tag int32

const (
	TagInvalid Tag = iota

	// TagNewChildConnection is the first packet sent by a child on a
	// fresh link to its parent.
	TagNewChildConnection
	TagNewStream
	TagNewStreamNamed
	TagDeleteStream
	TagSetFilterParamsUpstreamSync
	TagSetFilterParamsUpstreamTransient
	TagSetFilterParamsDownstream
	TagTopologyUpdate
	TagFailureReport
	TagNewParentReport
	TagRecoveryReport
	TagTopologyReport
	TagTopologyAck
	TagShutdown
	TagShutdownAck
	TagEnablePerfData
	TagDisablePerfData
	TagCollectPerfData
	TagCollectPerfDataReply
	TagPrintPerfData
	lastControlTag
)

// FirstApplicationTag is the lowest tag applications may use.
const FirstApplicationTag Tag = 100

var tagNames = [...]string{
	TagInvalid:                          "invalid",
	TagNewChildConnection:               "new-child-connection",
	TagNewStream:                        "new-stream",
	TagNewStreamNamed:                   "new-stream-named",
	TagDeleteStream:                     "delete-stream",
	TagSetFilterParamsUpstreamSync:      "set-filter-params-upstream-sync",
	TagSetFilterParamsUpstreamTransient: "set-filter-params-upstream-transient",
	TagSetFilterParamsDownstream:        "set-filter-params-downstream",
	TagTopologyUpdate:                   "topology-update",
	TagFailureReport:                    "failure-report",
	TagNewParentReport:                  "new-parent-report",
	TagRecoveryReport:                   "recovery-report",
	TagTopologyReport:                   "topology-report",
	TagTopologyAck:                      "topology-ack",
	TagShutdown:                         "shutdown",
	TagShutdownAck:                      "shutdown-ack",
	TagEnablePerfData:                   "enable-perfdata",
	TagDisablePerfData:                  "disable-perfdata",
	TagCollectPerfData:                  "collect-perfdata",
	TagCollectPerfDataReply:             "collect-perfdata-reply",
	TagPrintPerfData:                    "print-perfdata",
}

// IsControl reports whether t is handled by the overlay itself.
func (t Tag) IsControl() bool {
	return t > TagInvalid && t < lastControlTag
}

func (t Tag) String() string {
	if t.IsControl() {
		return tagNames[t]
	}
	return fmt.Sprintf("app(%d)", int32(t))
}

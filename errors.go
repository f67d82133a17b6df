package arbor

import (
	"errors"
	"fmt"

	"github.com/quic-go/quic-go"
	"github.com/raskyld/arbor/pkg/topology"
)

var (
	ErrInvalidCfg        = errors.New("network: invalid options")
	ErrNetworkClosed     = errors.New("network: shutting down")
	ErrNotFrontEnd       = errors.New("network: only the front-end can do that")
	ErrNoParent          = errors.New("network: not attached to a parent")
	ErrUnknownStream     = errors.New("network: unknown stream")
	ErrStreamClosed      = errors.New("network: stream closed")
	ErrInvalidMembers    = errors.New("network: stream members must be back-ends")
	ErrReservedTag       = errors.New("network: tag is reserved for control packets")
	ErrProtocolViolation = errors.New("network: protocol violation")
	ErrHandshake         = errors.New("network: handshake failed")

	ErrRecoveryDisabled   = errors.New("recovery: disabled")
	ErrRecoveryExhausted  = errors.New("recovery: no potential parent adopted us")
	ErrAdopterUnreachable = errors.New("recovery: potential parent unreachable")
	ErrNoDialer           = errors.New("recovery: no dialer to reach a new parent")

	ErrBufferSize      = errors.New("transport: could not allocate udp buffer")
	ErrHostnameResolve = errors.New("transport: could not resolve hostname from certificate")
	ErrInvalidAddr     = errors.New("transport: the address you provided is invalid")
	ErrUdpNotAvailable = errors.New("transport: UDP listener not available")
	ErrShutdown        = errors.New("transport: shutting down")
	ErrStreamWrite     = errors.New("transport: error writing to a stream")
	ErrNoTLSConfig     = errors.New("transport: TlsConfig is required")
)

var (
	QErrStreamProtocolViolation = quic.StreamErrorCode(0xFF)
)

var (
	QErrInternal = QuicApplicationError{
		Code:   0x1,
		Prefix: "internal",
	}
	QErrHostname = QuicApplicationError{
		Code:   0x2,
		Prefix: "hostname",
	}
	QErrShutdown = QuicApplicationError{
		Code:   0x3,
		Prefix: "shutdown",
	}
)

type QuicApplicationError struct {
	Code   uint64
	Prefix string
}

func (qerr *QuicApplicationError) Close(conn quic.Connection, msg string) error {
	if conn != nil {
		return conn.CloseWithError(
			quic.ApplicationErrorCode(qerr.Code),
			fmt.Sprintf("%s: %s", qerr.Prefix, msg),
		)
	}
	return nil
}

// IsFatal reports whether err leaves the local node unable to take part
// in the tree anymore.
func IsFatal(err error) bool {
	switch {
	case errors.Is(err, ErrRecoveryExhausted),
		errors.Is(err, ErrRecoveryDisabled),
		errors.Is(err, ErrNoDialer),
		errors.Is(err, topology.ErrCycle),
		errors.Is(err, topology.ErrDisconnected),
		errors.Is(err, topology.ErrMalformed):
		return true
	}
	return false
}

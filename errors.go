package pcf

import (
	"errors"
	"fmt"

	"github.com/quic-go/quic-go"
)

var (
	ErrConfig     = errors.New("fabric: invalid configuration")
	ErrNoPort     = errors.New("fabric: port is required")
	ErrFabricDown = errors.New("fabric: shutting down")

	ErrUnknownPeer      = errors.New("registry: unknown peer")
	ErrPeerFailed       = errors.New("registry: peer is in failed state")
	ErrEmptyPayload     = errors.New("dispatcher: payload is empty")
	ErrMalformedPayload = errors.New("dispatcher: malformed payload")

	ErrDiscovery = errors.New("discovery: scan failed")

	ErrConnection           = errors.New("transport: connection failed")
	ErrSend                 = errors.New("transport: send failed")
	ErrTransportUnavailable = errors.New("transport: unavailable")
	ErrNoTLSConfig          = errors.New("transport: TlsConfig is required for quic")
	ErrUnknownKind          = errors.New("transport: unknown kind")
	ErrUnknownNetwork       = errors.New("transport: unknown network")
	ErrNotAdvertised        = errors.New("transport: not advertised yet")
	ErrForeignConn          = errors.New("transport: connection belongs to another transport")
	ErrOutOfRange           = errors.New("transport: peer is out of range")
)

var (
	QErrShutdown = QuicApplicationError{
		Code:   0x1,
		Prefix: "shutdown",
	}
	QErrStreamCancelled = quic.StreamErrorCode(0xC)
)

// QuicApplicationError closes a QUIC connection with a code and a human
// friendly reason the remote can log.
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

// RemoteError is returned when the remote handler answered with a failure
// acknowledgement: the transport worked but the message was not processed.
type RemoteError struct {
	Code    int
	Message string
}

func (rerr *RemoteError) Error() string {
	return fmt.Sprintf("remote: status %d: %s", rerr.Code, rerr.Message)
}

func configErr(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConfig, fmt.Sprintf(format, args...))
}

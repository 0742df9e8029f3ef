package engine

import (
	"fmt"

	"gvisor.dev/gvisor/pkg/tcpip"

	"github.com/relativecompanies/netbridge/bridge"
)

// stackError translates a netstack error into the bridge error taxonomy. The
// result satisfies errors.Is against the matching bridge sentinel.
func stackError(err tcpip.Error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %s", sentinelFor(err), err)
}

func sentinelFor(err tcpip.Error) error {
	switch err.(type) {
	case *tcpip.ErrNoBufferSpace, *tcpip.ErrQueueSizeNotSupported:
		return bridge.ErrNoMemory
	case *tcpip.ErrPortInUse, *tcpip.ErrNoPortAvailable, *tcpip.ErrAlreadyBound, *tcpip.ErrDuplicateAddress:
		return bridge.ErrAddressInUse
	case *tcpip.ErrConnectStarted, *tcpip.ErrAlreadyConnecting, *tcpip.ErrWouldBlock:
		return bridge.ErrInProgress
	case *tcpip.ErrNotConnected, *tcpip.ErrClosedForSend, *tcpip.ErrClosedForReceive:
		return bridge.ErrNotConnected
	case *tcpip.ErrConnectionRefused, *tcpip.ErrHostUnreachable, *tcpip.ErrNetworkUnreachable, *tcpip.ErrNoNet:
		return bridge.ErrConnectionRefused
	case *tcpip.ErrConnectionReset, *tcpip.ErrConnectionAborted, *tcpip.ErrAborted:
		return bridge.ErrConnectionReset
	case *tcpip.ErrTimeout:
		return bridge.ErrTimeout
	case *tcpip.ErrInvalidEndpointState:
		return bridge.ErrClosed
	default:
		return bridge.ErrInvalidArgument
	}
}

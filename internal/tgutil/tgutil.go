// Package tgutil holds small, stateless conversions shared between the
// native client bridge and the gateway components that consume its events:
// peer-id normalization and the external/internal message-id codec.
package tgutil

import (
	"fmt"

	"github.com/gotd/td/tg"
)

// GetPeerID normalizes a peer down to its numeric identifier (user, chat, or
// channel). Returns 0 for an unrecognized peer shape.
func GetPeerID(peer tg.PeerClass) int64 {
	switch p := peer.(type) {
	case *tg.PeerUser:
		return p.UserID
	case *tg.PeerChat:
		return p.ChatID
	case *tg.PeerChannel:
		return p.ChannelID
	default:
		return 0
	}
}

// messageIDShift is the bit width native (internal) message ids reserve
// below the externally visible 32-bit sequential id.
const messageIDShift = 20

// AsTdlib converts an externally visible 32-bit message id to the native
// client's internal 64-bit id.
func AsTdlib(external int64) int64 {
	return external << messageIDShift
}

// AsClient converts a native internal message id back to the externally
// visible 32-bit id. Returns an error if internal is not a multiple of
// 1<<20, i.e. it was never produced by AsTdlib.
func AsClient(internal int64) (int64, error) {
	if internal&((1<<messageIDShift)-1) != 0 {
		return 0, fmt.Errorf("tgutil: message id %d is not a valid internal id", internal)
	}
	return internal >> messageIDShift, nil
}

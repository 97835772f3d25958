package transport

import (
	"fmt"
	"net"
	"strings"
)

const tempPrefix = "temp:"

// TempPeerID names an inbound session before its hello arrives.
func TempPeerID(kind Kind, addr net.Addr) PeerID {
	if addr == nil {
		return PeerID(fmt.Sprintf("%s%s:unknown", tempPrefix, kind))
	}
	return PeerID(fmt.Sprintf("%s%s:%s", tempPrefix, kind, addr.String()))
}

// IsTemp reports whether id was built by TempPeerID.
func (id PeerID) IsTemp() bool { return strings.HasPrefix(string(id), tempPrefix) }

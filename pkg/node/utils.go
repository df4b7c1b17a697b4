package node

import (
	"net"
	"strings"
)

// NormalizeHostPort cuts a tcp:// or http:// prefix from addr and adds
// defPort when addr carries none.
func NormalizeHostPort(addr, defPort string) string {
	for _, scheme := range []string{"tcp://", "http://"} {
		if rest, ok := strings.CutPrefix(addr, scheme); ok {
			addr = rest
			break
		}
	}

	if _, _, err := net.SplitHostPort(addr); err == nil {
		return addr
	}

	return net.JoinHostPort(addr, defPort)
}

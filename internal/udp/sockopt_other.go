//go:build !unix

package udp

import "syscall"

// The Go runtime already enables SO_BROADCAST on datagram sockets here.
func enableBroadcast(syscall.RawConn) error { return nil }

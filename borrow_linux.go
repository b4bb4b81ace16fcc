//go:build linux

// SPDX-License-Identifier: GPL-3.0-or-later

package jimmies

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// checkTCPProtocol rejects stream sockets speaking something else (e.g., SCTP).
//
// Multipath TCP is accepted: the net package creates such sockets for
// "tcp" listeners and dialers when the kernel supports them.
func checkTCPProtocol(fd int) error {
	proto, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_PROTOCOL)
	if err != nil {
		return os.NewSyscallError("getsockopt", err)
	}
	if proto != unix.IPPROTO_TCP && proto != unix.IPPROTO_MPTCP {
		return fmt.Errorf("%w: protocol %d is not TCP", ErrInvalidSocketKind, proto)
	}
	return nil
}

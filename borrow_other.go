//go:build !(linux || darwin || dragonfly || freebsd || netbsd || openbsd)

// SPDX-License-Identifier: GPL-3.0-or-later

package jimmies

import (
	"fmt"
	"syscall"
)

func inspectSocket(raw syscall.RawConn) (socketInfo, error) {
	return socketInfo{}, fmt.Errorf("%w: borrowing descriptors on this platform", ErrNotImplemented)
}

func sysRead(raw syscall.RawConn, buf []byte) (int, error) {
	return 0, ErrNotImplemented
}

func sysWrite(raw syscall.RawConn, data []byte) (int, error) {
	return 0, ErrNotImplemented
}

func sysAccept(raw syscall.RawConn) (int, error) {
	return -1, ErrNotImplemented
}

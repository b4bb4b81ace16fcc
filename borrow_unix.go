//go:build linux || darwin || dragonfly || freebsd || netbsd || openbsd

// SPDX-License-Identifier: GPL-3.0-or-later

package jimmies

import (
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"syscall"

	"golang.org/x/sys/unix"
)

func inspectSocket(raw syscall.RawConn) (socketInfo, error) {
	var (
		info socketInfo
		err  error
	)
	if cerr := raw.Control(func(fd uintptr) {
		info, err = inspectFD(int(fd))
	}); cerr != nil {
		return socketInfo{}, cerr
	}
	return info, err
}

func inspectFD(fd int) (socketInfo, error) {
	stype, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_TYPE)
	if err != nil {
		return socketInfo{}, fmt.Errorf("%w: %w", ErrInvalidSocketKind, os.NewSyscallError("getsockopt", err))
	}
	if stype != unix.SOCK_STREAM {
		return socketInfo{}, fmt.Errorf("%w: socket type %d is not SOCK_STREAM", ErrInvalidSocketKind, stype)
	}

	sa, err := unix.Getsockname(fd)
	if err != nil {
		return socketInfo{}, fmt.Errorf("%w: %w", ErrInvalidSocketKind, os.NewSyscallError("getsockname", err))
	}
	laddr := sockaddrToTCPAddr(sa)
	if laddr == nil {
		return socketInfo{}, fmt.Errorf("%w: %T is not an internet address", ErrInvalidSocketKind, sa)
	}
	if err := checkTCPProtocol(fd); err != nil {
		return socketInfo{}, err
	}

	listening, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ACCEPTCONN)
	if err != nil {
		return socketInfo{}, os.NewSyscallError("getsockopt", err)
	}

	info := socketInfo{fd: fd, kind: KindStream, laddr: laddr}
	if listening != 0 {
		info.kind = KindListener
		return info, nil
	}
	if peer, err := unix.Getpeername(fd); err == nil {
		if raddr := sockaddrToTCPAddr(peer); raddr != nil {
			info.raddr = raddr
		}
	}
	return info, nil
}

func sockaddrToTCPAddr(sa unix.Sockaddr) *net.TCPAddr {
	switch sa := sa.(type) {
	case *unix.SockaddrInet4:
		return &net.TCPAddr{IP: append(net.IP{}, sa.Addr[:]...), Port: sa.Port}
	case *unix.SockaddrInet6:
		addr := &net.TCPAddr{IP: append(net.IP{}, sa.Addr[:]...), Port: sa.Port}
		if sa.ZoneId != 0 {
			addr.Zone = strconv.FormatUint(uint64(sa.ZoneId), 10)
		}
		return addr
	default:
		return nil
	}
}

func sysRead(raw syscall.RawConn, buf []byte) (int, error) {
	var (
		count int
		operr error
	)
	err := raw.Read(func(fd uintptr) bool {
		for {
			count, operr = unix.Read(int(fd), buf)
			if operr != unix.EINTR {
				break
			}
		}
		return operr != unix.EAGAIN
	})
	if err != nil {
		return 0, err
	}
	if operr != nil {
		return 0, os.NewSyscallError("read", operr)
	}
	if count == 0 && len(buf) > 0 {
		return 0, io.EOF
	}
	return count, nil
}

func sysWrite(raw syscall.RawConn, data []byte) (int, error) {
	var (
		count int
		operr error
	)
	err := raw.Write(func(fd uintptr) bool {
		for {
			count, operr = unix.Write(int(fd), data)
			if operr != unix.EINTR {
				break
			}
		}
		return operr != unix.EAGAIN
	})
	if err != nil {
		return 0, err
	}
	if operr != nil {
		return 0, os.NewSyscallError("write", operr)
	}
	return count, nil
}

func sysAccept(raw syscall.RawConn) (int, error) {
	var (
		nfd   int
		operr error
	)
	err := raw.Read(func(fd uintptr) bool {
		for {
			nfd, _, operr = unix.Accept(int(fd))
			if operr != unix.EINTR && operr != unix.ECONNABORTED {
				break
			}
		}
		return operr != unix.EAGAIN
	})
	if err != nil {
		return -1, err
	}
	if operr != nil {
		return -1, os.NewSyscallError("accept", operr)
	}
	unix.CloseOnExec(nfd)
	return nfd, nil
}

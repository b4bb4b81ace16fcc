//go:build darwin || dragonfly || freebsd || netbsd || openbsd

// SPDX-License-Identifier: GPL-3.0-or-later

package jimmies

// checkTCPProtocol is a no-op: these kernels do not expose SO_PROTOCOL and
// an internet SOCK_STREAM socket is TCP in practice.
func checkTCPProtocol(fd int) error {
	return nil
}

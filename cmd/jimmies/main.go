// SPDX-License-Identifier: GPL-3.0-or-later

// Command jimmies runs TLS client and echo server sessions over TCP.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := Execute(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "jimmies: %v\n", err)
		os.Exit(1)
	}
}

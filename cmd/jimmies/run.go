// SPDX-License-Identifier: GPL-3.0-or-later

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/stillinbeta/jimmies"
	"golang.org/x/sync/errgroup"
)

// maxEchoSessions bounds the sessions an echo server serves concurrently.
const maxEchoSessions = 64

// runConnect dials cfg.Address, sends stdin and copies the reply to stdout
// until the server closes the session.
func runConnect(ctx context.Context, cfg *cliConfig, logger *slog.Logger, stdin io.Reader, stdout io.Writer) error {
	ctx, cancel := withTimeout(ctx, cfg.Timeout)
	defer cancel()

	lcfg := jimmies.NewConfig()
	factory, err := jimmies.NewFactory(lcfg, cfg.options(), logger)
	if err != nil {
		return err
	}
	opts := jimmies.NewWrapOptions()
	opts.ServerHostname = cfg.ServerName

	// The cancel watcher closes the connection when ctx is done, which
	// interrupts a blocked Recv.
	dialPipe := jimmies.Compose3(
		jimmies.Func[string, net.Conn](jimmies.NewConnectFunc(lcfg, logger)),
		jimmies.Func[net.Conn, net.Conn](jimmies.NewCancelWatchFunc()),
		jimmies.Func[net.Conn, *jimmies.Session](jimmies.NewWrapSocketFunc(factory, opts)),
	)
	session, err := jimmies.Apply(dialPipe, cfg.Address).Call(ctx, jimmies.Unit{})
	if err != nil {
		return err
	}
	defer session.Close()

	request, err := io.ReadAll(stdin)
	if err != nil {
		return fmt.Errorf("read stdin: %w", err)
	}
	if err := session.SendAll(request); err != nil {
		return contextError(ctx, err)
	}
	if _, err := io.Copy(stdout, session); err != nil {
		return contextError(ctx, err)
	}
	return nil
}

// runEcho listens on cfg.Address and serves the echo service.
func runEcho(ctx context.Context, cfg *cliConfig, logger *slog.Logger) error {
	factory, err := jimmies.NewFactory(jimmies.NewConfig(), cfg.options(), logger)
	if err != nil {
		return err
	}
	ln, err := net.Listen("tcp", cfg.Address)
	if err != nil {
		return err
	}
	logger.Info("echoListening", slog.String("localAddr", ln.Addr().String()))
	return serveEcho(ctx, ln.(*net.TCPListener), factory, cfg, logger)
}

// serveEcho accepts sessions on ln until ctx is done, or serves a single
// session unless cfg.KeepOpen is set. It closes ln.
func serveEcho(ctx context.Context, ln *net.TCPListener, factory *jimmies.Factory, cfg *cliConfig, logger *slog.Logger) error {
	defer ln.Close()
	listening, err := factory.WrapSocket(ctx, ln, jimmies.WrapOptions{ServerSide: true})
	if err != nil {
		return err
	}
	defer listening.Close()

	stop := context.AfterFunc(ctx, func() {
		ln.Close()
	})
	defer stop()

	var group errgroup.Group
	group.SetLimit(maxEchoSessions)
	for {
		session, addr, err := listening.Accept()
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			_ = group.Wait()
			return err
		}
		group.Go(func() error {
			serveEchoSession(ctx, session, cfg.Timeout, logger.With(
				slog.String("remoteAddr", addr.String())))
			return nil
		})
		if !cfg.KeepOpen {
			break
		}
	}
	return group.Wait()
}

// serveEchoSession handshakes and writes back everything it reads until
// the peer closes the session or ctx is done.
func serveEchoSession(ctx context.Context, session *jimmies.Session, timeout time.Duration, logger *slog.Logger) {
	defer session.Close()
	stop := context.AfterFunc(ctx, func() {
		_ = session.SetDeadline(time.Unix(1, 0))
	})
	defer stop()

	hsctx, cancel := withTimeout(ctx, timeout)
	err := session.DoHandshake(hsctx)
	cancel()
	if err != nil {
		logger.Warn("echoHandshakeFailed", slog.Any("err", err))
		return
	}

	var total int64
	for {
		data, err := session.Recv(16384)
		if err != nil {
			logger.Warn("echoRecvFailed", slog.Any("err", contextError(ctx, err)))
			break
		}
		if len(data) <= 0 {
			break
		}
		if err := session.SendAll(data); err != nil {
			logger.Warn("echoSendFailed", slog.Any("err", contextError(ctx, err)))
			break
		}
		total += int64(len(data))
	}
	logger.Info("echoDone", slog.Int64("bytes", total))
}

// contextError returns the context error when ctx caused err.
func contextError(ctx context.Context, err error) error {
	if cerr := ctx.Err(); cerr != nil && !errors.Is(err, cerr) {
		return fmt.Errorf("%w (%w)", cerr, err)
	}
	return err
}

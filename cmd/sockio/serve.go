package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kleeedolinux/sockio/debug"
	"github.com/kleeedolinux/sockio/socket/sioserver"
)

func serveCmd() *cobra.Command {
	var (
		addr         string
		heartbeat    time.Duration
		closeTimeout time.Duration
		maxConns     int
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a Socket.IO 0.9 echo server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			logger := debug.Logger()

			sio := sioserver.NewServer(
				sioserver.WithHeartbeatTimeout(heartbeat),
				sioserver.WithCloseTimeout(closeTimeout),
				sioserver.WithMaxConnections(maxConns),
				sioserver.WithLogger(logger),
			)
			sio.OnConnect(func(c *sioserver.Conn) {
				logger.Info("client connected", "session", c.ID(), "clients", sio.Count())
			})
			sio.OnDisconnect(func(c *sioserver.Conn) {
				logger.Info("client disconnected", "session", c.ID())
			})

			srv := &http.Server{
				Addr:              addr,
				Handler:           sio,
				ReadHeaderTimeout: 5 * time.Second,
			}

			errCh := make(chan error, 1)
			go func() {
				logger.Info("listening", "addr", addr)
				errCh <- srv.ListenAndServe()
			}()

			select {
			case err := <-errCh:
				if !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			case <-ctx.Done():
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			if err := sio.Shutdown(shutdownCtx); err != nil {
				logger.Warn("closing sessions", "error", err)
			}
			return srv.Shutdown(shutdownCtx)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", envString("SOCKIO_ADDR", ":8080"), "Listen address")
	cmd.Flags().DurationVar(&heartbeat, "heartbeat", 25*time.Second, "Heartbeat timeout advertised in the handshake")
	cmd.Flags().DurationVar(&closeTimeout, "close-timeout", 60*time.Second, "Closing timeout advertised in the handshake")
	cmd.Flags().IntVar(&maxConns, "max-conns", 100, "Maximum concurrent websocket sessions")

	return cmd
}

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/kleeedolinux/sockio/debug"
	"github.com/kleeedolinux/sockio/socket"
	"github.com/kleeedolinux/sockio/socket/transport"
)

type connectOptions struct {
	host        string
	port        uint16
	secure      bool
	endpoint    string
	query       string
	event       string
	args        string
	metricsAddr string
}

func connectCmd() *cobra.Command {
	opts := connectOptions{}

	cmd := &cobra.Command{
		Use:   "connect",
		Short: "Connect to a Socket.IO 0.9 server",
		Long: `Connect to a Socket.IO 0.9 server and print every state change and
packet until interrupted. The client reconnects at the heartbeat cadence
after a failure.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConnect(cmd.Context(), opts)
		},
	}

	cmd.Flags().StringVar(&opts.host, "host", envString("SOCKIO_HOST", "localhost"), "Server host")
	cmd.Flags().Uint16VarP(&opts.port, "port", "p", envUint16("SOCKIO_PORT", 8080), "Server port")
	cmd.Flags().BoolVar(&opts.secure, "secure", envBool("SOCKIO_SECURE", false), "Use https and wss")
	cmd.Flags().StringVar(&opts.endpoint, "endpoint", "", "Endpoint to join once online")
	cmd.Flags().StringVar(&opts.query, "query", "", "Query sent with the endpoint connect packet")
	cmd.Flags().StringVar(&opts.event, "emit", "", "Event to emit once online")
	cmd.Flags().StringVar(&opts.args, "args", "[]", "JSON array of event arguments")
	cmd.Flags().StringVar(&opts.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")

	return cmd
}

func runConnect(ctx context.Context, opts connectOptions) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	var eventArgs []any
	if opts.event != "" {
		if err := json.Unmarshal([]byte(opts.args), &eventArgs); err != nil {
			return fmt.Errorf("invalid --args: %w", err)
		}
	}

	logger := debug.Logger()

	clientOpts := []socket.ClientOption{
		socket.WithAddress(opts.host, opts.port),
		socket.WithSecure(opts.secure),
		socket.WithLogger(logger),
	}

	if opts.metricsAddr != "" {
		reg := prometheus.NewRegistry()
		clientOpts = append(clientOpts, socket.WithMetrics(socket.NewMetrics(socket.WithRegistry(reg))))

		srv := &http.Server{
			Addr:              opts.metricsAddr,
			Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", "error", err)
			}
		}()
		defer srv.Close()
		logger.Info("serving metrics", "addr", opts.metricsAddr)
	}

	client := socket.NewClient(transport.NewWebSocketTransport(), clientOpts...)
	defer client.Stop()

	client.OnStateChange(func(sc socket.StateChange) {
		if sc.Message != "" {
			fmt.Printf("state: %s -> %s (%s)\n", sc.Old, sc.New, sc.Message)
		} else {
			fmt.Printf("state: %s -> %s\n", sc.Old, sc.New)
		}
		if sc.New == socket.StateOnline {
			onOnline(client, opts, eventArgs, logger)
		}
	})
	client.OnPacket(func(p socket.Packet) {
		fmt.Printf("recv: %s\n", p)
	})

	if err := client.Connect(); err != nil {
		return err
	}

	<-ctx.Done()
	fmt.Println("closing")
	return client.Close()
}

func onOnline(client *socket.Client, opts connectOptions, eventArgs []any, logger *slog.Logger) {
	if opts.endpoint != "" || opts.query != "" {
		if _, err := client.SendConnect(opts.endpoint, opts.query); err != nil {
			logger.Error("joining endpoint failed", "endpoint", opts.endpoint, "error", err)
		}
	}
	if opts.event != "" {
		if _, err := client.Emit(opts.event, eventArgs, false); err != nil {
			logger.Error("emit failed", "event", opts.event, "error", err)
		}
	}
}

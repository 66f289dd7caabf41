package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"

	"github.com/cartridge/mantis/internal/config"
	"github.com/cartridge/mantis/internal/envrpc"
	"github.com/cartridge/mantis/internal/sim"
)

const gracefulStopTimeout = 30 * time.Second

func newSimServerCmd(cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "simserver",
		Short: "Serve the built-in simulator as a remote environment",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := newLogger(cfg)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runSimServer(ctx, cfg, logger)
		},
	}
	cmd.Flags().StringVar(&cfg.SimListen, "sim-listen", cfg.SimListen, "gRPC listen address")
	return cmd
}

func runSimServer(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	simulator, err := sim.New(simConfig(cfg))
	if err != nil {
		return err
	}
	defer simulator.Close()

	server := grpc.NewServer(
		grpc.UnaryInterceptor(loggingInterceptor(logger)),
	)
	envrpc.Register(server, envrpc.NewServer(simulator))

	lis, err := net.Listen("tcp", cfg.SimListen)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.SimListen, err)
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", lis.Addr().String()).Msg("Simulator listening")
		serveErr <- server.Serve(lis)
	}()

	select {
	case err := <-serveErr:
		return err
	case <-ctx.Done():
	}

	logger.Info().Msg("Shutting down gracefully")

	stopped := make(chan struct{})
	go func() {
		server.GracefulStop()
		close(stopped)
	}()

	select {
	case <-time.After(gracefulStopTimeout):
		logger.Warn().Msg("Shutdown timeout exceeded, forcing stop")
		server.Stop()
	case <-stopped:
		logger.Info().Msg("Server stopped gracefully")
	}
	return nil
}

// loggingInterceptor logs gRPC requests
func loggingInterceptor(logger zerolog.Logger) grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)

		event := logger.Debug()
		if err != nil {
			event = logger.Warn().Err(err)
		}
		event.Str("method", info.FullMethod).Dur("duration", time.Since(start)).Msg("gRPC request")
		return resp, err
	}
}

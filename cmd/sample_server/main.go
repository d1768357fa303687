package main

import (
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/caio-sobreiro/dicomdul/dul"
	"github.com/caio-sobreiro/dicomdul/negotiate"
	"github.com/caio-sobreiro/dicomdul/transport"
	"github.com/caio-sobreiro/dicomdul/types"
)

func main() {
	port := flag.Int("port", 4242, "TCP port to listen on")
	aeTitle := flag.String("ae", "SAMPLE_SCP", "Server AE Title")
	maxConcurrent := flag.Int("max-concurrent", transport.DefaultMaxConcurrent, "Maximum simultaneous inbound associations")
	artim := flag.Duration("artim", dul.DefaultARTIMTimeout, "ARTIM timeout for half-open associations")
	grace := flag.Duration("grace", 5*time.Second, "Shutdown grace period")
	certFile := flag.String("tls-cert", "", "TLS certificate file (optional)")
	keyFile := flag.String("tls-key", "", "TLS key file (optional)")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
	slog.SetDefault(logger)

	caps := negotiate.NewCapabilities().
		Add(types.VerificationSOPClass,
			types.ImplicitVRLittleEndian,
			types.ExplicitVRLittleEndian).
		AcceptStorageClasses(
			types.ExplicitVRLittleEndian,
			types.ImplicitVRLittleEndian)

	cfg := transport.Config{
		AETitle: *aeTitle,
		DataHandler: func(assoc *dul.Association, payload []byte) {
			logger.Info("Received data",
				"association_id", assoc.ID,
				"bytes", len(payload))
		},
	}
	opts := []transport.Option{
		transport.WithLogger(logger),
		transport.WithMaxConcurrent(*maxConcurrent),
		transport.WithARTIMTimeout(*artim),
	}
	if *certFile != "" {
		cert, err := tls.LoadX509KeyPair(*certFile, *keyFile)
		if err != nil {
			logger.Error("Failed to load TLS key pair", "error", err)
			os.Exit(1)
		}
		opts = append(opts, transport.WithTLS(&tls.Config{Certificates: []tls.Certificate{cert}}))
	}

	svc, err := transport.NewService(negotiate.New(caps), cfg, opts...)
	if err != nil {
		logger.Error("Failed to build transport service", "error", err)
		os.Exit(1)
	}

	svc.OnPeerConnected(func(addr net.Addr) {
		logger.Info("Peer connected", "remote_addr", addr.String())
	})
	svc.OnConnectionClosed(func(id uuid.UUID, reason dul.CloseReason) {
		logger.Info("Association closed", "association_id", id, "reason", reason.String())
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	served := make(chan error, 1)
	go func() { served <- svc.Listen(fmt.Sprintf(":%d", *port)) }()

	select {
	case <-ctx.Done():
		logger.Info("Shutting down")
		if err := svc.Shutdown(*grace); err != nil {
			logger.Warn("Shutdown incomplete", "error", err)
		}
		<-served
		logger.Info("Sample server shutdown complete")
	case err := <-served:
		if err != nil {
			logger.Error("Sample server terminated unexpectedly", "error", err)
			os.Exit(1)
		}
	}
}

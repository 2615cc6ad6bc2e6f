// Command bdtransport runs a BitDust reliable-ordered UDP endpoint,
// either listening for inbound streams or pushing a single file to a peer.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bitdust-io/reliable-udp/internal/config"
	"github.com/bitdust-io/reliable-udp/internal/diagnostics"
	"github.com/bitdust-io/reliable-udp/internal/logging"
	"github.com/bitdust-io/reliable-udp/internal/metrics"
	"github.com/bitdust-io/reliable-udp/internal/transport"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	switch os.Args[1] {
	case "listen":
		runListen(os.Args[2:])
	case "send":
		runSend(os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, "usage:\n  bdtransport listen --config <path>\n  bdtransport send --config <path> --to <addr> --file <path> --target <peer-id>\n")
}

func runListen(args []string) {
	fs := flag.NewFlagSet("listen", flag.ExitOnError)
	configPath := fs.String("config", "/etc/bdtransport/endpoint.yaml", "path to endpoint config file")
	myID := fs.String("id", "", "this endpoint's peer-id, advertised in GREETING")
	myURL := fs.String("url", "", "this endpoint's peer-url, advertised in GREETING")
	fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	logger, logCloser := logging.New(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.File)
	defer logCloser.Close()

	reg := metrics.New()
	monitor := diagnostics.New(logger, 30*time.Second)
	monitor.Start()
	defer monitor.Stop()

	if cfg.Metrics.Enabled {
		go serveMetrics(cfg.Metrics.Listen, reg, logger)
	}

	ep, err := transport.NewEndpoint(cfg.Listen, transport.EndpointOptions{
		MyID:                 *myID,
		MyURL:                *myURL,
		GlobalInBytesPerSec:  float64(cfg.Rate.GlobalInBytesPerSec),
		GlobalOutBytesPerSec: float64(cfg.Rate.GlobalOutBytesPerSec),
		TickPeriod:           cfg.TickPeriod,
		Logger:               logger,
		Metrics:              reg,
	})
	if err != nil {
		logger.Error("starting endpoint", "error", err)
		os.Exit(1)
	}

	ep.SetIncomingStreamHandler(func(peerAddr string, streamID uint32, totalSize uint32) (transport.Consumer, bool) {
		logger.Info("accepting inbound stream", "peer_addr", peerAddr, "stream", streamID, "total_size", totalSize)
		return newDiscardConsumer(logger, streamID, totalSize), true
	})

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	logger.Info("endpoint listening", "addr", cfg.Listen)
	if err := ep.Run(ctx); err != nil && ctx.Err() == nil {
		logger.Error("endpoint run loop exited", "error", err)
		os.Exit(1)
	}
}

func runSend(args []string) {
	fs := flag.NewFlagSet("send", flag.ExitOnError)
	configPath := fs.String("config", "/etc/bdtransport/endpoint.yaml", "path to endpoint config file")
	to := fs.String("to", "", "remote UDP address (host:port)")
	filePath := fs.String("file", "", "local file to send")
	target := fs.String("target", "", "remote peer-id this transfer is addressed to")
	fs.Parse(args)

	if *to == "" || *filePath == "" {
		usage()
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	logger, logCloser := logging.New(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.File)
	defer logCloser.Close()

	reg := metrics.New()
	ep, err := transport.NewEndpoint(":0", transport.EndpointOptions{
		GlobalInBytesPerSec:  float64(cfg.Rate.GlobalInBytesPerSec),
		GlobalOutBytesPerSec: float64(cfg.Rate.GlobalOutBytesPerSec),
		TickPeriod:           cfg.TickPeriod,
		Logger:               logger,
		Metrics:              reg,
	})
	if err != nil {
		logger.Error("starting endpoint", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		if err := ep.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("endpoint run loop exited", "error", err)
		}
	}()

	data, err := os.ReadFile(*filePath)
	if err != nil {
		logger.Error("reading file", "error", err)
		os.Exit(1)
	}

	done := make(chan struct{})
	producer := newFileProducer(logger, data, done)

	ticket := &transport.FileTicket{
		LocalPath:  *filePath,
		TargetID:   *target,
		Single:     true,
		EnqueuedAt: time.Now(),
		Producer:   producer,
		TotalSize:  uint32(len(data)),
		Data:       data,
	}

	if err := ep.SendFile(*to, ticket); err != nil {
		logger.Error("queuing file", "error", err)
		os.Exit(1)
	}

	<-done
	cancel()
	ep.Close()
}

func serveMetrics(listen string, reg *metrics.Registry, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg.Gatherer(), promhttp.HandlerOpts{}))
	if err := http.ListenAndServe(listen, mux); err != nil {
		logger.Error("metrics server stopped", "error", err)
	}
}

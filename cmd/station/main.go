// Command station runs one chunkswarm station: the long-running daemon
// that serves spec.md §5/§6's engine (scheduler tick, dispatcher pool,
// ingress drain, and the Publish/Offer/Status/List/Cancel API) over a
// QUIC-backed WebRTC-class transport, alongside a Prometheus metrics and
// health endpoint. Grounded on the teacher's daemon/main.go: same flag
// set shape, same "generate a self-signed cert, stand up observability,
// listen, run until signalled" startup sequence, restructured around
// this repo's single engine.Engine instead of the teacher's
// TransferService + QUICConnection accept loop.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/qrpswarm/chunkswarm/internal/config"
	"github.com/qrpswarm/chunkswarm/internal/dispatch"
	"github.com/qrpswarm/chunkswarm/internal/engine"
	"github.com/qrpswarm/chunkswarm/internal/identity"
	"github.com/qrpswarm/chunkswarm/internal/observability"
	"github.com/qrpswarm/chunkswarm/internal/quicutil"
	"github.com/qrpswarm/chunkswarm/internal/swarm"
)

func main() {
	configPath := flag.String("config", "", "path to a JSON config file overriding the defaults")
	quicAddr := flag.String("quic-addr", "", "QUIC listener address (overrides config station_address)")
	observAddr := flag.String("observ-addr", "127.0.0.1:8081", "metrics/health HTTP server address")
	keyPath := flag.String("key", "", "path to this station's persisted X25519 identity key")
	flag.Parse()

	logger := observability.NewLogger("chunkswarm-station", "0.1.0", os.Stdout)

	shutdownTracing, err := observability.InitTracing(context.Background(), "chunkswarm-station")
	if err != nil {
		logger.Error(err, "failed to initialize tracing, continuing without export")
	} else {
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shutdownTracing(ctx)
		}()
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		logger.Fatal(err, "failed to load configuration")
	}
	if *quicAddr != "" {
		cfg.StationAddress = *quicAddr
	}

	kp, err := identity.LoadOrCreate(*keyPath)
	if err != nil {
		logger.Fatal(err, "failed to load or create station identity")
	}
	localID := swarm.ShortPeerID(kp.Public)
	logger.Info(fmt.Sprintf("station identity %s", localID))

	certPEM, keyPEM, err := quicutil.GenerateSelfSignedCert()
	if err != nil {
		logger.Fatal(err, "failed to generate TLS certificate")
	}
	tlsConfig, err := quicutil.MakeTLSConfig(certPEM, keyPEM)
	if err != nil {
		logger.Fatal(err, "failed to build TLS config")
	}

	peerChannel := dispatch.NewQUICChannel(tlsConfig)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := peerChannel.Serve(ctx, cfg.StationAddress); err != nil {
		logger.Fatal(err, "failed to start QUIC listener")
	}
	logger.Info("QUIC listener started on " + cfg.StationAddress)

	eng, err := engine.New(cfg, nil, peerChannel, localID)
	if err != nil {
		logger.Fatal(err, "failed to construct engine")
	}
	defer eng.Close()

	eng.Health().RegisterCheck("quic_listener", observability.QUICListenerCheck(cfg.StationAddress))
	eng.Health().RegisterCheck("keystore", observability.KeystoreCheck(true))

	go serveObservability(*observAddr, eng.Metrics(), eng.Health(), logger)
	go drainInbound(ctx, peerChannel, eng, logger)

	logger.Info("engine running")
	eng.Run(ctx)
	logger.Info("station shut down")
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.DefaultConfig(), nil
	}
	return config.Load(path)
}

// drainInbound feeds frames the QUIC channel accepted into the engine's
// ingress queue, completing the wiring between the transport's inbound
// stream and the engine's IngestFrame (the teacher's
// accept-loop-hands-to-service shape, minus the teacher's
// per-connection rate limiter: a station's peer count here is orders of
// magnitude smaller than the teacher's public-internet listener, so
// token-bucket admission control is not a grounded need here).
func drainInbound(ctx context.Context, ch *dispatch.QUICChannel, eng *engine.Engine, logger *observability.Logger) {
	frames, err := ch.InboundFrames()
	if err != nil {
		logger.Error(err, "quic channel recv unavailable")
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case f := <-frames:
			if err := eng.IngestFrame(f.Peer, f.Data); err != nil {
				logger.Error(err, "failed to ingest inbound frame")
			}
		}
	}
}

func serveObservability(addr string, metrics *observability.Metrics, health *observability.HealthChecker, logger *observability.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/health", health.Handler())
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	logger.Info("observability server listening on " + addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error(err, "observability server error")
	}
}

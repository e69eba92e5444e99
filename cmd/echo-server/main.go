// echo-server accepts connections over the WebSocket fabric provider
// and answers every "ask" request with a "reply" carrying the same
// bytes.
package main

import (
	"flag"
	"os"
	"os/signal"
	"syscall"

	_ "go.uber.org/automaxprocs"

	"fabstream/internal/logging"
	"fabstream/internal/metrics"
	"fabstream/pkg/config"
	"fabstream/pkg/fabric/wsfab"
	"fabstream/pkg/packet"
	"fabstream/pkg/payload"
	"fabstream/pkg/status"
	"fabstream/pkg/transport"
)

func main() {
	var (
		debug = flag.Bool("debug", false, "enable debug logging (overrides LOG_LEVEL)")
	)
	flag.Parse()

	cfg, err := config.Load(nil)
	if err != nil {
		logging.New(logging.Config{}).Fatal().Err(err).Msg("Failed to load configuration")
	}
	if *debug {
		cfg.LogLevel = "debug"
	}
	logger := logging.New(logging.Config{
		Level:  logging.Level(cfg.LogLevel),
		Format: logging.Format(cfg.LogFormat),
	})
	cfg.Print(logger)

	m := metrics.New(nil)
	sampler := metrics.NewSystemSampler()
	stopSampler := sampler.Run(cfg.MetricsInterval)
	defer stopSampler()

	srv := transport.NewServer(cfg, wsfab.New(logger), transport.ServerCallbacks{
		HandleNewConnection: func(conn *transport.ServerConn) {
			logger.Info().Msg("New connection")
			conn.Dispatcher().InstallRequestHandler(payload.RawFactory("ask"),
				func(id packet.RequestID, req payload.Payload) {
					data := req.(*payload.Raw).Data
					if code := conn.Dispatcher().SendResponse(id, payload.NewRaw("reply", data)); code != status.OK {
						logger.Error().Str("code", code.String()).Msg("Failed to send reply")
					}
				})
		},
		HandleConnectionClose: func(_ *transport.ServerConn, code status.Code) {
			logger.Info().Str("code", code.String()).Msg("Connection closed")
		},
	}, logger, m)
	srv.SetSampler(sampler)

	if err := srv.Start(); err != nil {
		logger.Fatal().Err(err).Msg("Failed to start server")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	logger.Info().Msg("Shutting down")
	srv.Stop()
}

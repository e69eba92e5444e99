// echo-client connects over the WebSocket fabric provider, fires a
// batch of "ask" requests, and reports round-trip latencies.
package main

import (
	"flag"
	"fmt"
	"time"

	_ "go.uber.org/automaxprocs"

	"fabstream/internal/logging"
	"fabstream/pkg/config"
	"fabstream/pkg/fabric/wsfab"
	"fabstream/pkg/payload"
	"fabstream/pkg/status"
	"fabstream/pkg/transport"
)

func main() {
	var (
		count   = flag.Int("count", 100, "number of requests to send")
		size    = flag.Int("size", 256, "payload bytes per request")
		timeout = flag.Duration("timeout", 5*time.Second, "per-request timeout")
	)
	flag.Parse()

	cfg, err := config.Load(nil)
	if err != nil {
		logging.New(logging.Config{}).Fatal().Err(err).Msg("Failed to load configuration")
	}
	logger := logging.New(logging.Config{
		Level:  logging.Level(cfg.LogLevel),
		Format: logging.Format(cfg.LogFormat),
	})

	cli := transport.NewClient(cfg, wsfab.New(logger), transport.ClientCallbacks{
		HandleClose: func(code status.Code) {
			logger.Info().Str("code", code.String()).Msg("Connection closed")
		},
	}, logger, nil)
	if err := cli.Connect(10 * time.Second); err != nil {
		logger.Fatal().Err(err).Msg("Connect failed")
	}
	defer cli.Close()

	done := make(chan status.Code, *count)
	code := cli.Dispatcher().InstallResponseHandler(
		payload.RawFactory("ask"), payload.RawFactory("reply"),
		func(ctx any, resp payload.Payload, code status.Code) {
			if code == status.OK {
				start := ctx.(time.Time)
				logger.Debug().Dur("rtt", time.Since(start)).Msg("Reply")
			}
			done <- code
		})
	if code != status.OK {
		logger.Fatal().Str("code", code.String()).Msg("Failed to install response handler")
	}

	body := make([]byte, *size)
	start := time.Now()
	for i := 0; i < *count; i++ {
		code := cli.Dispatcher().SendRequest(payload.NewRaw("ask", body), time.Now(), *timeout)
		if code != status.OK {
			logger.Fatal().Str("code", code.String()).Int("i", i).Msg("SendRequest failed")
		}
	}

	okCount, failCount := 0, 0
	for i := 0; i < *count; i++ {
		if c := <-done; c == status.OK {
			okCount++
		} else {
			failCount++
			logger.Warn().Str("code", c.String()).Msg("Request failed")
		}
	}
	elapsed := time.Since(start)
	fmt.Printf("%d ok, %d failed in %s (%.0f req/s)\n",
		okCount, failCount, elapsed, float64(okCount)/elapsed.Seconds())
}

package main

import (
	"context"
	"flag"
	"fmt"
	"math"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/example/report-form-engine/internal/conn"
	"github.com/example/report-form-engine/internal/types"
)

type latencySample struct {
	dur time.Duration
}

func main() {
	addr := flag.String("addr", "ws://localhost:8080/ws", "websocket address to target")
	report := flag.String("report", "report-loadtest", "report id whose room all clients join")
	clients := flag.Int("clients", 500, "number of concurrent editor sessions")
	updates := flag.Int("updates", 20, "number of presence updates to publish")
	interval := flag.Duration("interval", 200*time.Millisecond, "delay between presence updates")
	flag.Parse()

	zerolog.TimeFieldFormat = time.RFC3339Nano
	logger := log.With().Str("report", *report).Logger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dialer := conn.NewWebsocketDialer(*addr, logger)

	latencyCh := make(chan latencySample, *clients**updates)
	var lastPublish atomic.Int64
	var wg sync.WaitGroup

	room := types.ReportID(*report)

	for i := 0; i < *clients; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()

			member := types.Member{
				UserID:   types.UserID(fmt.Sprintf("user-%d", id)),
				Username: fmt.Sprintf("loadtest-%d", id),
			}
			mgr := conn.NewManager(dialer, conn.Config{
				Room:    room,
				Session: types.SessionID(fmt.Sprintf("session-%d", id)),
				Self:    member,
				OnPresence: func(map[types.SessionID]types.Member) {
					if sent := lastPublish.Load(); sent > 0 {
						latencyCh <- latencySample{dur: time.Since(time.Unix(0, sent))}
					}
				},
			}, logger)
			defer mgr.Close()

			mgr.Open(ctx)
			if !mgr.Connected() {
				logger.Error().Int("client", id).Msg("connect failed")
				return
			}

			if id == 0 {
				// churn client: republishes presence to fan a roster-changed
				// notification out to everyone else
				ticker := time.NewTicker(*interval)
				defer ticker.Stop()
				for j := 0; j < *updates; j++ {
					select {
					case <-ctx.Done():
						return
					case <-ticker.C:
						lastPublish.Store(time.Now().UnixNano())
						if err := mgr.PublishPresence(ctx, member); err != nil {
							logger.Error().Err(err).Msg("failed to publish presence")
							return
						}
					}
				}
				// let the last notification propagate before tearing down
				time.Sleep(time.Second)
				stop()
			} else {
				<-ctx.Done()
			}
		}(i)
	}

	go func() {
		wg.Wait()
		close(latencyCh)
	}()

	<-ctx.Done()
	summarize(latencyCh, logger)
}

func summarize(samples <-chan latencySample, logger zerolog.Logger) {
	var count int
	var total time.Duration
	var max time.Duration
	var under50ms int

	for s := range samples {
		count++
		total += s.dur
		if s.dur > max {
			max = s.dur
		}
		if s.dur < 50*time.Millisecond {
			under50ms++
		}
	}

	if count == 0 {
		fmt.Fprintln(os.Stdout, "no samples collected")
		return
	}

	avg := time.Duration(int64(math.Round(float64(total) / float64(count))))
	pct := (float64(under50ms) / float64(count)) * 100

	fmt.Fprintf(os.Stdout, "Samples: %d\nAvg latency: %s\nMax latency: %s\n<50ms: %.2f%%\n", count, avg, max, pct)
	if pct < 95 {
		logger.Warn().Msg("less than 95% of notifications met the 50ms target")
	}
}

package main

import (
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/iti/musepq/config"
	"github.com/iti/musepq/event"
	"github.com/iti/musepq/log"
	"github.com/iti/musepq/metrics"
	"github.com/iti/musepq/mtqueue"
	"github.com/iti/musepq/vrtime"
)

var benchCmd = &cobra.Command{
	Use:   "bench",
	Short: "Drive the spec.md §8 S6-style MT stress workload against mtqueue.Scheduler",
	RunE: func(cmd *cobra.Command, args []string) error {
		enqueueThreads, _ := cmd.Flags().GetInt("enqueue-threads")
		perThread, _ := cmd.Flags().GetInt("events-per-thread")
		agents, _ := cmd.Flags().GetInt("agents")
		metricsAddr, _ := cmd.Flags().GetString("metrics-addr")

		runID := uuid.NewString()
		logger := log.WithRunID(runID)
		logger.Info().
			Int("enqueue_threads", enqueueThreads).
			Int("events_per_thread", perThread).
			Int("agents", agents).
			Msg("starting MT bench")

		if metricsAddr != "" {
			go func() {
				if err := http.ListenAndServe(metricsAddr, metrics.Handler()); err != nil {
					logger.Error().Err(err).Msg("metrics server stopped")
				}
			}()
			logger.Info().Str("addr", metricsAddr).Msg("metrics endpoint listening")
		}

		recycler := event.NewSimpleRecycler(nil)
		sched := mtqueue.New(recycler, config.Defaults())
		for id := event.AgentID(1); id <= event.AgentID(agents); id++ {
			if _, err := sched.AddAgent(id); err != nil {
				return err
			}
		}

		var enqueued int64
		start := time.Now()

		var wg sync.WaitGroup
		wg.Add(enqueueThreads)
		for t := 0; t < enqueueThreads; t++ {
			go func(sender event.AgentID) {
				defer wg.Done()
				state := uint64(sender + 1)
				next := func() uint64 {
					state ^= state << 13
					state ^= state >> 7
					state ^= state << 17
					return state
				}
				for i := 0; i < perThread; i++ {
					recv := float64(next()%1_000_000) / 1000.0
					receiver := event.AgentID(1 + next()%uint64(agents))
					e := &event.Event{
						Sender:      sender,
						Receiver:    receiver,
						SentTime:    vrtime.FromSeconds(recv / 2),
						ReceiveTime: vrtime.FromSeconds(recv),
					}
					if err := sched.Enqueue(e); err != nil {
						logger.Error().Err(err).Msg("enqueue failed")
						continue
					}
					atomic.AddInt64(&enqueued, 1)
				}
			}(event.AgentID(1_000_000 * (t + 1)))
		}

		target := int64(enqueueThreads) * int64(perThread)
		var dequeued int64
		var batch []*event.Event
		for dequeued < target {
			next, err := sched.DequeueNextAgentEvents(batch[:0])
			if err != nil {
				return fmt.Errorf("musepq bench: %w", err)
			}
			batch = next
			if len(batch) == 0 {
				continue
			}
			dequeued += int64(len(batch))
		}

		wg.Wait()
		elapsed := time.Since(start)

		logger.Info().
			Int64("enqueued", atomic.LoadInt64(&enqueued)).
			Int64("dequeued", dequeued).
			Dur("elapsed", elapsed).
			Msg("bench complete")

		stats := sched.ReportStats(cmd.OutOrStdout())
		fmt.Printf("final stats: %s (elapsed=%s)\n", stats, elapsed)
		return nil
	},
}

func init() {
	benchCmd.Flags().Int("enqueue-threads", 2, "Number of concurrent enqueue goroutines")
	benchCmd.Flags().Int("events-per-thread", 100_000, "Events enqueued per thread")
	benchCmd.Flags().Int("agents", 64, "Number of registered agents, receivers chosen uniformly among them")
	benchCmd.Flags().String("metrics-addr", "", "If set, serve Prometheus metrics on this address (e.g. :9090)")
}

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/iti/musepq/config"
	"github.com/iti/musepq/event"
	"github.com/iti/musepq/log"
	"github.com/iti/musepq/queue"
	"github.com/iti/musepq/vrtime"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one seed scenario against a selectable queue implementation",
	RunE: func(cmd *cobra.Command, args []string) error {
		kind, _ := cmd.Flags().GetString("queue")
		scenario, _ := cmd.Flags().GetString("scenario")

		logger := log.WithComponent("run")

		var released int
		recycler := event.NewSimpleRecycler(func(*event.Event) { released++ })
		q, err := newQueue(kind, recycler)
		if err != nil {
			return err
		}

		events, err := runScenario(q, scenario)
		if err != nil {
			return err
		}

		logger.Info().
			Str("queue", kind).
			Str("scenario", scenario).
			Int("events_delivered", events).
			Int("events_released", released).
			Msg("scenario complete")

		stats := q.ReportStats(os.Stdout)
		fmt.Printf("final stats: %s\n", stats)
		q.PrettyPrint(os.Stdout)
		return nil
	},
}

func init() {
	runCmd.Flags().String("queue", "ladder", "Queue implementation: binaryheap, binomial, twotier, threetier, ladder")
	runCmd.Flags().String("scenario", "s1", "Seed scenario: s1, s2, s3, s5")
}

func newQueue(kind string, recycler event.Recycler) (queue.EventQueue, error) {
	switch kind {
	case "binaryheap":
		return queue.NewHeapEventQueue(recycler), nil
	case "binomial":
		return queue.NewBinomialHeapEventQueue(recycler), nil
	case "twotier":
		return queue.NewTwoTierHeapOfVectors(recycler), nil
	case "threetier":
		return queue.NewThreeTierHeap(recycler), nil
	case "ladder":
		return queue.NewLadderQueue(recycler, config.Defaults()), nil
	default:
		return nil, fmt.Errorf("musepq: unknown queue kind %q", kind)
	}
}

func evt(sender, receiver event.AgentID, sent, recv float64) *event.Event {
	return &event.Event{
		Sender:      sender,
		Receiver:    receiver,
		SentTime:    vrtime.FromSeconds(sent),
		ReceiveTime: vrtime.FromSeconds(recv),
	}
}

// runScenario plays one of spec.md §8's literal seed scenarios against q
// and drains it to completion, returning the number of events delivered.
func runScenario(q queue.EventQueue, name string) (int, error) {
	switch name {
	case "s1":
		for _, id := range []event.AgentID{1, 2, 3} {
			if _, err := q.AddAgent(id); err != nil {
				return 0, err
			}
		}
		if err := q.Enqueue(evt(0, 1, 0, 1)); err != nil {
			return 0, err
		}
		if err := q.Enqueue(evt(0, 1, 0, 3)); err != nil {
			return 0, err
		}
		if err := q.Enqueue(evt(0, 3, 0, 2)); err != nil {
			return 0, err
		}
	case "s2":
		for _, id := range []event.AgentID{1, 2} {
			if _, err := q.AddAgent(id); err != nil {
				return 0, err
			}
		}
		if err := q.Enqueue(evt(0, 1, 0, 3)); err != nil {
			return 0, err
		}
		if err := q.Enqueue(evt(0, 2, 0, 3)); err != nil {
			return 0, err
		}
		if err := q.Enqueue(evt(0, 1, 0, 3)); err != nil {
			return 0, err
		}
		if err := q.Enqueue(evt(0, 1, 0, 2)); err != nil {
			return 0, err
		}
	case "s3":
		for _, id := range []event.AgentID{9, 5, 7} {
			if _, err := q.AddAgent(id); err != nil {
				return 0, err
			}
		}
		if err := q.Enqueue(evt(5, 9, 2, 10)); err != nil {
			return 0, err
		}
		if err := q.Enqueue(evt(5, 9, 4, 11)); err != nil {
			return 0, err
		}
		if err := q.Enqueue(evt(5, 9, 6, 12)); err != nil {
			return 0, err
		}
		if err := q.Enqueue(evt(7, 9, 3, 11)); err != nil {
			return 0, err
		}
		q.EraseAfter(9, 5, vrtime.FromSeconds(4))
	case "s5":
		for _, id := range []event.AgentID{1, 2, 3} {
			if _, err := q.AddAgent(id); err != nil {
				return 0, err
			}
		}
		for i := 0; i < 10; i++ {
			for _, id := range []event.AgentID{1, 2, 3} {
				if err := q.Enqueue(evt(0, id, 0, float64(i+1))); err != nil {
					return 0, err
				}
			}
		}
		if err := q.RemoveAgent(2); err != nil {
			return 0, err
		}
	default:
		return 0, fmt.Errorf("musepq: unknown scenario %q", name)
	}

	delivered := 0
	var batch []*event.Event
	for !q.Empty() {
		var err error
		batch, err = q.DequeueNextAgentEvents(batch[:0])
		if err != nil {
			return delivered, err
		}
		delivered += len(batch)
	}
	return delivered, nil
}

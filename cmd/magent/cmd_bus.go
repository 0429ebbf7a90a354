package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"manageragent/internal/bus"
	"manageragent/internal/types"
)

var busCmd = &cobra.Command{
	Use:   "bus",
	Short: "Publish and inspect bus events",
}

var busSource string

var busPublishCmd = &cobra.Command{
	Use:   "publish <topic> [payload]",
	Short: "Publish an event",
	Args:  usageArgs(cobra.RangeArgs(1, 2)),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		var payload []byte
		if len(args) == 2 {
			payload = []byte(args[1])
		}

		b := bus.New(st, busOptions(cfg))
		defer b.Close()

		e, err := b.Publish(cmd.Context(), args[0], busSource, payload, nil)
		if err != nil {
			return err
		}
		fmt.Printf("Published %s on %s\n", e.ID, e.Topic)
		return nil
	},
}

var (
	busTailTopic  string
	busTailLimit  int
	busTailFollow bool
)

var busTailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Show recent events",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		events, err := st.ListEvents(busTailTopic, busTailLimit)
		if err != nil {
			return err
		}
		// Oldest first reads naturally in a tail.
		for i := len(events) - 1; i >= 0; i-- {
			printEvent(events[i])
		}
		if !busTailFollow {
			return nil
		}

		seen := make(map[string]bool, len(events))
		for _, e := range events {
			seen[e.ID] = true
		}
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-cmd.Context().Done():
				return nil
			case <-ticker.C:
				events, err := st.ListEvents(busTailTopic, busTailLimit)
				if err != nil {
					return err
				}
				for i := len(events) - 1; i >= 0; i-- {
					if seen[events[i].ID] {
						continue
					}
					seen[events[i].ID] = true
					printEvent(events[i])
				}
			}
		}
	},
}

func printEvent(e types.Event) {
	line := fmt.Sprintf("%s  %-24s %-12s", e.Timestamp.Format("15:04:05.000"), e.Topic, e.Source)
	if len(e.Payload) > 0 {
		line += " " + string(e.Payload)
	}
	fmt.Println(line)
}

var busStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show journal and delivery statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		total, err := st.CountEvents()
		if err != nil {
			return err
		}
		byStatus, err := st.CountDeliveriesByStatus()
		if err != nil {
			return err
		}
		subs, err := st.ListSubscriptions()
		if err != nil {
			return err
		}

		fmt.Printf("Events journaled: %d\n", total)
		fmt.Printf("Durable subscriptions: %d\n", len(subs))
		fmt.Printf("Deliveries: %d pending, %d in flight, %d delivered, %d dead\n",
			byStatus[types.DeliveryPending], byStatus[types.DeliveryInFlight],
			byStatus[types.DeliveryDelivered], byStatus[types.DeliveryDeadLetter])

		if byStatus[types.DeliveryDeadLetter] > 0 {
			dead, err := st.DeadLetters(10)
			if err != nil {
				return err
			}
			fmt.Println("\nRecent dead letters:")
			for _, d := range dead {
				fmt.Printf("  event=%s sub=%s attempts=%d err=%s\n", d.EventID, d.SubscriptionID, d.Attempts, d.LastError)
			}
		}
		return nil
	},
}

func init() {
	busPublishCmd.Flags().StringVar(&busSource, "source", "cli", "event source name")
	busTailCmd.Flags().StringVarP(&busTailTopic, "topic", "t", "", "filter by exact topic")
	busTailCmd.Flags().IntVarP(&busTailLimit, "limit", "n", 20, "events to show")
	busTailCmd.Flags().BoolVarP(&busTailFollow, "follow", "f", false, "poll for new events")
	busCmd.AddCommand(busPublishCmd)
	busCmd.AddCommand(busTailCmd)
	busCmd.AddCommand(busStatsCmd)
}

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	natspkg "github.com/brojonat/solboard/service/nats"
	"github.com/brojonat/solboard/service/pubsub"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/urfave/cli/v2"
)

// subscribeCommand tails dashboard events from JetStream.
func subscribeCommand() *cli.Command {
	return &cli.Command{
		Name:      "subscribe",
		Usage:     "Subscribe to dashboard events for a wallet, or every event",
		ArgsUsage: "[wallet_address]",
		Description: `Subscribe to events published to NATS JetStream.

With a wallet address only that wallet's events are shown; without one every
event on the stream is shown, including leaderboard updates.

Example:
  solboard nats subscribe DYw8jCTfwHNRJhhmFcbXvVDTqWMEVFBX6ZKUmG5CNSKK --json`,
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "all",
				Usage: "Replay the whole stream before following new events",
			},
		},
		Action: func(c *cli.Context) error {
			address := c.Args().First()
			jsonOutput := c.Bool("json")

			nc, err := natspkg.Connect(c.String("nats-url"), "solboard-cli")
			if err != nil {
				return err
			}
			defer nc.Close()

			js, err := jetstream.New(nc)
			if err != nil {
				return fmt.Errorf("failed to create JetStream context: %w", err)
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			target := address
			if target == "" {
				target = "all wallets"
			}
			fmt.Fprintf(os.Stderr, "Subscribed to %s (Ctrl+C to exit)\n", target)

			count := 0
			err = natspkg.Tail(ctx, js, address, c.Bool("all"), cliLogger(false), func(e pubsub.Event) error {
				count++
				if jsonOutput {
					return json.NewEncoder(os.Stdout).Encode(e)
				}
				printEvent(e)
				return nil
			})
			fmt.Fprintf(os.Stderr, "\n%d events received\n", count)
			if err != nil && ctx.Err() == nil {
				return err
			}
			return nil
		},
	}
}

func printEvent(e pubsub.Event) {
	fmt.Printf("[%s] %-12s %s %s\n", e.Timestamp.Format(time.TimeOnly), e.Type, e.Topic, string(e.Data))
}

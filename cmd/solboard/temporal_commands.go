package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/brojonat/solboard/service/temporal"
	"github.com/urfave/cli/v2"
)

func runSummaryCommand() *cli.Command {
	return &cli.Command{
		Name:  "run-summary",
		Usage: "Run the summary workflow now and wait for the result",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:  "page-size",
				Value: 10,
			},
			&cli.IntFlag{
				Name:  "leaderboard-size",
				Value: 10,
			},
		},
		Action: func(c *cli.Context) error {
			tc, err := getTemporalClient(c)
			if err != nil {
				return err
			}
			defer tc.Close()

			res, err := tc.RunSummary(c.Context, temporal.SummaryInput{
				PageSize:        c.Int("page-size"),
				LeaderboardSize: c.Int("leaderboard-size"),
			})
			if err != nil {
				return err
			}

			if c.Bool("json") {
				return outputJSON(res)
			}
			fmt.Printf("Wallets:   %d\n", res.Wallets)
			fmt.Printf("Ingested:  %d\n", res.Ingested)
			fmt.Printf("Published: %d\n", res.Published)
			if len(res.Failed) > 0 {
				fmt.Printf("Failed:    %s\n", strings.Join(res.Failed, ", "))
			}
			return nil
		},
	}
}

func upsertScheduleCommand() *cli.Command {
	return &cli.Command{
		Name:  "upsert-schedule",
		Usage: "Create or update the summary schedule",
		Flags: []cli.Flag{
			&cli.DurationFlag{
				Name:  "interval",
				Value: 5 * time.Minute,
				Usage: "Schedule interval (<= 0 deletes the schedule)",
			},
			&cli.IntFlag{
				Name:  "page-size",
				Value: 10,
			},
		},
		Action: func(c *cli.Context) error {
			tc, err := getTemporalClient(c)
			if err != nil {
				return err
			}
			defer tc.Close()

			interval := c.Duration("interval")
			err = temporal.EnsureSummarySchedule(c.Context, tc, interval, temporal.SummaryInput{PageSize: c.Int("page-size")})
			if err != nil {
				return err
			}
			if interval <= 0 {
				fmt.Fprintf(os.Stderr, "Schedule %s removed\n", temporal.SummaryScheduleID)
				return nil
			}
			fmt.Fprintf(os.Stderr, "Schedule %s runs every %s\n", temporal.SummaryScheduleID, interval)
			return nil
		},
	}
}

func deleteScheduleCommand() *cli.Command {
	return &cli.Command{
		Name:  "delete-schedule",
		Usage: "Delete the summary schedule",
		Action: func(c *cli.Context) error {
			tc, err := getTemporalClient(c)
			if err != nil {
				return err
			}
			defer tc.Close()

			if err := tc.DeleteSummarySchedule(c.Context); err != nil {
				return err
			}
			fmt.Fprintf(os.Stderr, "Schedule %s deleted\n", temporal.SummaryScheduleID)
			return nil
		},
	}
}

func getTemporalClient(c *cli.Context) (*temporal.Client, error) {
	tc, err := temporal.NewClient(
		c.String("temporal-host"),
		c.String("temporal-namespace"),
		c.String("temporal-task-queue"),
		cliLogger(false),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to temporal: %w", err)
	}
	return tc, nil
}

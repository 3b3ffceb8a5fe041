package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/urfave/cli/v2"
)

type healthReport struct {
	Status        string            `json:"status"`
	Database      string            `json:"database"`
	Watched       int               `json:"watched"`
	Subscriptions map[string]string `json:"subscriptions,omitempty"`
}

func healthCommand() *cli.Command {
	return &cli.Command{
		Name:  "health",
		Usage: "Check server health",
		Flags: []cli.Flag{
			&cli.DurationFlag{
				Name:  "timeout",
				Usage: "Request timeout",
				Value: 5 * time.Second,
			},
		},
		Action: func(c *cli.Context) error {
			serverURL := c.String("server-url")
			if serverURL == "" {
				return fmt.Errorf("server-url is required (set SERVER_URL env var or use --server-url)")
			}

			client := &http.Client{
				Timeout: c.Duration("timeout"),
			}

			resp, err := client.Get(serverURL + "/health")
			if err != nil {
				return fmt.Errorf("health check failed: %w", err)
			}
			defer resp.Body.Close()

			var report healthReport
			if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
				report.Status = "unknown"
			}
			if c.Bool("json") {
				if err := outputJSON(report); err != nil {
					return err
				}
			}

			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("server returned unhealthy status: %d", resp.StatusCode)
			}
			if !c.Bool("json") {
				fmt.Printf("✓ Server is %s (status: %d)\n", report.Status, resp.StatusCode)
				fmt.Printf("  URL:      %s\n", serverURL)
				fmt.Printf("  Database: %s\n", report.Database)
				fmt.Printf("  Watched:  %d\n", report.Watched)
				for addr, state := range report.Subscriptions {
					fmt.Printf("  %s: %s\n", addr, state)
				}
			}
			return nil
		},
	}
}

func versionCommand() *cli.Command {
	return &cli.Command{
		Name:  "version",
		Usage: "Show version information",
		Action: func(c *cli.Context) error {
			fmt.Printf("solboard CLI\n")
			fmt.Printf("  Version: %s\n", version)
			fmt.Printf("  Commit:  %s\n", commit)
			fmt.Printf("  Built:   %s\n", date)
			return nil
		},
	}
}

package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/brojonat/solboard/client"
	"github.com/itchyny/gojq"
	"github.com/urfave/cli/v2"
)

func clientCommands() *cli.Command {
	return &cli.Command{
		Name:  "client",
		Usage: "HTTP client commands for interacting with the solboard server",
		Subcommands: []*cli.Command{
			clientWatchCommand(),
			clientUnwatchCommand(),
			clientWalletsCommand(),
			clientTransactionsCommand(),
			clientBalanceCommand(),
			clientRateCommand(),
		},
	}
}

func newAPIClient(c *cli.Context) *client.Client {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelError,
	}))
	return client.NewClient(c.String("server-url"), nil, logger)
}

func clientWatchCommand() *cli.Command {
	return &cli.Command{
		Name:      "watch",
		Usage:     "Register a wallet with the server",
		ArgsUsage: "WALLET_ADDRESS",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "name",
				Usage: "Display name shown on the leaderboard",
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() < 1 {
				return fmt.Errorf("wallet address is required")
			}
			var name *string
			if c.IsSet("name") {
				n := c.String("name")
				name = &n
			}
			w, err := newAPIClient(c).Watch(c.Context, c.Args().First(), name)
			if err != nil {
				return fmt.Errorf("failed to watch wallet: %w", err)
			}
			if c.Bool("json") {
				return outputJSON(w)
			}
			fmt.Printf("Watching %s (%s)\n", w.Address, formatOptional(w.DisplayName))
			return nil
		},
	}
}

func clientUnwatchCommand() *cli.Command {
	return &cli.Command{
		Name:      "unwatch",
		Usage:     "Stop watching a wallet",
		ArgsUsage: "WALLET_ADDRESS",
		Action: func(c *cli.Context) error {
			if c.NArg() < 1 {
				return fmt.Errorf("wallet address is required")
			}
			address := c.Args().First()
			if err := newAPIClient(c).Unwatch(c.Context, address); err != nil {
				return fmt.Errorf("failed to unwatch wallet: %w", err)
			}
			fmt.Fprintf(os.Stderr, "Stopped watching %s\n", address)
			return nil
		},
	}
}

func clientWalletsCommand() *cli.Command {
	return &cli.Command{
		Name:  "wallets",
		Usage: "List wallets registered with the server",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "all",
				Usage: "Include inactive wallets",
			},
		},
		Action: func(c *cli.Context) error {
			wallets, err := newAPIClient(c).List(c.Context, c.Bool("all"))
			if err != nil {
				return fmt.Errorf("failed to list wallets: %w", err)
			}
			if c.Bool("json") {
				return outputJSON(wallets)
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ADDRESS\tNAME\tACTIVE\tCREATED")
			for _, wallet := range wallets {
				fmt.Fprintf(w, "%s\t%s\t%v\t%s\n", wallet.Address, formatOptional(wallet.DisplayName), wallet.Active, wallet.CreatedAt.Format(time.RFC3339))
			}
			w.Flush()
			return nil
		},
	}
}

func clientTransactionsCommand() *cli.Command {
	return &cli.Command{
		Name:      "transactions",
		Aliases:   []string{"txns", "tx"},
		Usage:     "List reconciled transactions for a wallet",
		ArgsUsage: "WALLET_ADDRESS",
		Description: `Fetches one page of the wallet's reconciled history from the server.

--must-jq filters keep only transactions for which every expression is truthy.
--jq transforms each remaining transaction before it is printed.

Examples:
  solboard client tx ADDRESS --must-jq '.direction == "in"' --must-jq '(.amount | tonumber) > 1'
  solboard client tx ADDRESS --jq '{signature, amountUSD}'`,
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "limit",
				Aliases: []string{"n"},
				Value:   10,
			},
			&cli.StringFlag{
				Name:  "before",
				Usage: "Signature cursor for the next page",
			},
			&cli.StringSliceFlag{
				Name:  "must-jq",
				Usage: "jq filter expression that must evaluate to true (can be specified multiple times, all must match)",
			},
			&cli.StringFlag{
				Name:  "jq",
				Usage: "jq expression applied to each transaction before printing",
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() < 1 {
				return fmt.Errorf("wallet address is required")
			}

			filters, err := compileJQ(c.StringSlice("must-jq"))
			if err != nil {
				return err
			}
			var transform *gojq.Code
			if expr := c.String("jq"); expr != "" {
				compiled, err := compileJQ([]string{expr})
				if err != nil {
					return err
				}
				transform = compiled[0]
			}

			page, err := newAPIClient(c).Transactions(c.Context, c.Args().First(), client.TransactionsOptions{
				Limit:  c.Int("limit"),
				Before: c.String("before"),
			})
			if err != nil {
				var apiErr *client.APIError
				if errors.As(err, &apiErr) && apiErr.LastKnown != nil {
					fmt.Fprintf(os.Stderr, "warning: %s, showing last known page\n", apiErr.Message)
					page = apiErr.LastKnown
				} else {
					return fmt.Errorf("failed to list transactions: %w", err)
				}
			}

			var kept []client.Transaction
			for _, txn := range page.Transactions {
				ok, err := matchesAll(filters, txn)
				if err != nil {
					return err
				}
				if ok {
					kept = append(kept, txn)
				}
			}

			if transform != nil {
				for _, txn := range kept {
					out, err := runJQ(transform, txn)
					if err != nil {
						return err
					}
					for _, v := range out {
						if err := json.NewEncoder(os.Stdout).Encode(v); err != nil {
							return err
						}
					}
				}
				return nil
			}

			if c.Bool("json") {
				return outputJSON(client.TransactionPage{Transactions: kept, Pagination: page.Pagination})
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "SIGNATURE\tDIR\tSOL\tUSD\tBLOCK TIME")
			for _, txn := range kept {
				bt := "-"
				if txn.BlockTime != nil {
					bt = txn.BlockTime.Format(time.RFC3339)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", txn.Signature, txn.Direction, txn.Amount, formatOptional(txn.AmountUSD), bt)
			}
			w.Flush()
			if page.Pagination.HasMore {
				fmt.Fprintf(os.Stderr, "\nnext page: --before %s\n", page.Pagination.NextBefore)
			}
			return nil
		},
	}
}

func clientBalanceCommand() *cli.Command {
	return &cli.Command{
		Name:      "balance",
		Usage:     "Show a wallet's ledger balance",
		ArgsUsage: "WALLET_ADDRESS",
		Action: func(c *cli.Context) error {
			if c.NArg() < 1 {
				return fmt.Errorf("wallet address is required")
			}
			b, err := newAPIClient(c).Balance(c.Context, c.Args().First())
			if err != nil {
				return fmt.Errorf("failed to get balance: %w", err)
			}
			if c.Bool("json") {
				return outputJSON(b)
			}
			fmt.Printf("%s SOL ($%s at %g)\n", b.Balance, b.BalanceUSD.StringFixed(2), b.Rate)
			return nil
		},
	}
}

func clientRateCommand() *cli.Command {
	return &cli.Command{
		Name:      "rate",
		Usage:     "Show the server's exchange rate",
		ArgsUsage: "[quote]",
		Action: func(c *cli.Context) error {
			quote := "USD"
			if c.NArg() > 0 {
				quote = c.Args().First()
			}
			r, err := newAPIClient(c).Rate(c.Context, quote)
			if err != nil {
				return fmt.Errorf("failed to get rate: %w", err)
			}
			if c.Bool("json") {
				return outputJSON(r)
			}
			fmt.Printf("1 %s = %g %s\n", r.Base, r.Rate, r.Quote)
			return nil
		},
	}
}

func compileJQ(exprs []string) ([]*gojq.Code, error) {
	codes := make([]*gojq.Code, len(exprs))
	for i, expr := range exprs {
		query, err := gojq.Parse(expr)
		if err != nil {
			return nil, fmt.Errorf("failed to parse jq filter %q: %w", expr, err)
		}
		codes[i], err = gojq.Compile(query)
		if err != nil {
			return nil, fmt.Errorf("failed to compile jq filter %q: %w", expr, err)
		}
	}
	return codes, nil
}

// toJQInput converts v to the plain maps and slices gojq operates on.
func toJQInput(v any) (any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func runJQ(code *gojq.Code, v any) ([]any, error) {
	input, err := toJQInput(v)
	if err != nil {
		return nil, err
	}
	var out []any
	iter := code.Run(input)
	for {
		res, ok := iter.Next()
		if !ok {
			return out, nil
		}
		if err, isErr := res.(error); isErr {
			return nil, fmt.Errorf("jq: %w", err)
		}
		out = append(out, res)
	}
}

// matchesAll reports whether every filter yields a truthy first result.
// A filter that errors or yields nothing does not match.
func matchesAll(filters []*gojq.Code, v any) (bool, error) {
	if len(filters) == 0 {
		return true, nil
	}
	input, err := toJQInput(v)
	if err != nil {
		return false, err
	}
	for _, code := range filters {
		iter := code.Run(input)
		res, ok := iter.Next()
		if !ok {
			return false, nil
		}
		if _, isErr := res.(error); isErr {
			return false, nil
		}
		if !isTruthy(res) {
			return false, nil
		}
	}
	return true, nil
}

// isTruthy checks if a jq result value is truthy.
// Only false and null are falsy in jq.
func isTruthy(v any) bool {
	if v == nil {
		return false
	}
	if b, ok := v.(bool); ok {
		return b
	}
	return true
}

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/brojonat/solboard/service/db"
	"github.com/brojonat/solboard/service/solana"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/urfave/cli/v2"
)

func listWalletsCommand() *cli.Command {
	return &cli.Command{
		Name:    "list-wallets",
		Usage:   "List registered wallets",
		Aliases: []string{"ls"},
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:    "all",
				Aliases: []string{"a"},
				Usage:   "Include deactivated wallets",
			},
		},
		Action: func(c *cli.Context) error {
			store, closer, err := getStore(c)
			if err != nil {
				return err
			}
			defer closer()

			wallets, err := store.ListWallets(c.Context, !c.Bool("all"))
			if err != nil {
				return fmt.Errorf("failed to list wallets: %w", err)
			}

			if c.Bool("json") {
				return outputJSON(wallets)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ADDRESS\tNAME\tACTIVE\tCREATED")
			for _, wallet := range wallets {
				fmt.Fprintf(w, "%s\t%s\t%v\t%s\n",
					wallet.Address,
					formatOptional(wallet.DisplayName),
					wallet.Active,
					wallet.CreatedAt.Format(time.RFC3339),
				)
			}
			w.Flush()

			fmt.Fprintf(os.Stderr, "\nTotal: %d wallets\n", len(wallets))
			return nil
		},
	}
}

func listTransactionsCommand() *cli.Command {
	return &cli.Command{
		Name:      "list-transactions",
		Usage:     "List stored transactions for an address, newest first",
		Aliases:   []string{"txs"},
		ArgsUsage: "<address>",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "limit",
				Aliases: []string{"n"},
				Usage:   "Limit number of transactions",
				Value:   50,
			},
			&cli.IntFlag{
				Name:  "offset",
				Usage: "Skip this many transactions",
			},
			&cli.StringFlag{
				Name:  "format",
				Usage: "Output format: json (default) or human",
				Value: "json",
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: wallet address")
			}
			store, closer, err := getStore(c)
			if err != nil {
				return err
			}
			defer closer()

			transactions, err := store.ListTransactionsByAddress(c.Context, db.ListTransactionsParams{
				Address: c.Args().First(),
				Limit:   int32(c.Int("limit")),
				Offset:  int32(c.Int("offset")),
			})
			if err != nil {
				return fmt.Errorf("failed to get transactions: %w", err)
			}

			// Default to JSON output (stdout = JSON)
			if c.String("format") == "json" {
				return outputJSON(transactions)
			}

			if len(transactions) == 0 {
				fmt.Println("No transactions found")
				return nil
			}
			for i, tx := range transactions {
				if i > 0 {
					fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
				}
				printStoredTransaction(tx)
			}
			fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
			fmt.Fprintf(os.Stderr, "\nTotal: %d transactions\n", len(transactions))
			return nil
		},
	}
}

func earningsCommand() *cli.Command {
	return &cli.Command{
		Name:      "earnings",
		Usage:     "Show confirmed inbound totals for an address",
		ArgsUsage: "<address>",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: wallet address")
			}
			store, closer, err := getStore(c)
			if err != nil {
				return err
			}
			defer closer()

			e, err := store.GetEarnings(c.Context, c.Args().First())
			if err != nil {
				return fmt.Errorf("failed to get earnings: %w", err)
			}
			if c.Bool("json") {
				return outputJSON(e)
			}
			fmt.Printf("Address:  %s\n", e.Address)
			fmt.Printf("Received: %s SOL\n", solana.Lamports(e.TotalReceived).SOL())
			fmt.Printf("USD:      %s\n", e.TotalReceivedUSD.StringFixed(2))
			fmt.Printf("Payments: %d\n", e.Count)
			return nil
		},
	}
}

func leaderboardCommand() *cli.Command {
	return &cli.Command{
		Name:  "leaderboard",
		Usage: "Rank wallets by confirmed inbound volume",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "limit",
				Aliases: []string{"n"},
				Value:   10,
			},
		},
		Action: func(c *cli.Context) error {
			store, closer, err := getStore(c)
			if err != nil {
				return err
			}
			defer closer()

			entries, err := store.Leaderboard(c.Context, int32(c.Int("limit")))
			if err != nil {
				return fmt.Errorf("failed to get leaderboard: %w", err)
			}
			if c.Bool("json") {
				return outputJSON(entries)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "RANK\tADDRESS\tNAME\tSOL\tUSD\tCOUNT")
			for i, e := range entries {
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%d\n",
					i+1,
					e.Address,
					formatOptional(e.DisplayName),
					solana.Lamports(e.TotalReceived).SOL(),
					e.TotalReceivedUSD.StringFixed(2),
					e.Count,
				)
			}
			return w.Flush()
		},
	}
}

func printStoredTransaction(tx *db.Transaction) {
	fmt.Printf("Signature:  %s\n", tx.Signature)
	fmt.Printf("From:       %s\n", tx.Sender)
	fmt.Printf("To:         %s\n", tx.Receiver)
	if tx.BlockTime != nil {
		fmt.Printf("Block Time: %s\n", tx.BlockTime.Format(time.RFC3339))
	} else {
		fmt.Printf("Block Time: (unknown)\n")
	}
	fmt.Printf("Slot:       %d\n", tx.Slot)
	fmt.Printf("Amount:     %s SOL (%d lamports)\n", solana.Lamports(tx.Amount).SOL(), tx.Amount)
	if tx.USDValue.Valid {
		fmt.Printf("USD:        %s\n", tx.USDValue.Decimal.StringFixed(2))
	}
	fmt.Printf("Direction:  %s\n", tx.Direction)
	fmt.Printf("Memo:       %s\n", formatOptional(tx.Memo))
	fmt.Printf("Status:     %s\n", tx.Status)
}

// getStore connects to the database named by the global flag.
func getStore(c *cli.Context) (*db.Store, func(), error) {
	dbURL := c.String("database-url")
	if dbURL == "" {
		dbURL = os.Getenv("DATABASE_URL")
	}
	if dbURL == "" {
		return nil, nil, fmt.Errorf("database-url is required (set DATABASE_URL env var or use --database-url)")
	}

	pool, err := pgxpool.New(context.Background(), dbURL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := pool.Ping(context.Background()); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return db.NewStore(pool, nil), pool.Close, nil
}

// outputJSON writes v to stdout as indented JSON.
func outputJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func formatOptional(s *string) string {
	if s != nil && *s != "" {
		return *s
	}
	return "(none)"
}

package main

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/brojonat/solboard/service/rates"
	"github.com/brojonat/solboard/service/reconcile"
	"github.com/brojonat/solboard/service/solana"
	"github.com/urfave/cli/v2"
)

// reconcileCommand runs one reconcile of an address directly against the
// ledger and the database, bypassing the server.
func reconcileCommand() *cli.Command {
	return &cli.Command{
		Name:      "reconcile",
		Usage:     "Reconcile an address against the ledger and print the merged view",
		ArgsUsage: "<address>",
		Description: `Fetches the newest signatures for the address, classifies them, persists any
payments the database is missing and prints the merged page.

Example:
  solboard reconcile DYw8jCTfwHNRJhhmFcbXvVDTqWMEVFBX6ZKUmG5CNSKK --limit 20`,
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "limit",
				Aliases: []string{"n"},
				Value:   reconcile.DefaultPageSize,
			},
			&cli.StringFlag{
				Name:  "before",
				Usage: "Signature cursor for the next page",
			},
			&cli.IntFlag{
				Name:  "fetch-multiplier",
				Value: reconcile.DefaultFetchMultiplier,
			},
			&cli.StringFlag{
				Name:    "price-oracle-url",
				EnvVars: []string{"PRICE_ORACLE_URL"},
				Value:   "https://api.coingecko.com/api/v3",
			},
			&cli.BoolFlag{
				Name:  "verbose",
				Usage: "Log reconcile progress to stderr",
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: wallet address")
			}
			address := c.Args().First()
			if !solana.ValidAddress(address) {
				return fmt.Errorf("invalid address %q", address)
			}

			store, closer, err := getStore(c)
			if err != nil {
				return err
			}
			defer closer()

			logger := cliLogger(c.Bool("verbose"))
			ledger, err := newLedger(c, logger)
			if err != nil {
				return err
			}
			rateCache := newRateCache(c.String("price-oracle-url"), logger)

			engine := reconcile.New(ledger, store, rateCache, reconcile.Options{
				FetchMultiplier: c.Int("fetch-multiplier"),
			}, nil, logger)

			res, err := engine.Reconcile(c.Context, address, reconcile.Page{
				Limit:  c.Int("limit"),
				Before: c.String("before"),
			})
			if err != nil {
				return fmt.Errorf("reconcile failed: %w", err)
			}

			if c.Bool("json") {
				return outputJSON(res)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "SIGNATURE\tDIR\tSOL\tUSD\tBLOCK TIME\tSTORED")
			for _, r := range res.Records {
				usd := "-"
				if r.USDValue.Valid {
					usd = r.USDValue.Decimal.StringFixed(2)
				}
				bt := "-"
				if r.BlockTime != nil {
					bt = r.BlockTime.Format(time.RFC3339)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%v\n", r.Signature, r.Direction, r.Amount.SOL(), usd, bt, r.Persisted)
			}
			w.Flush()

			fmt.Fprintf(os.Stderr, "\n%d records, %d newly ingested", len(res.Records), len(res.Ingested))
			if res.Pagination.HasMore {
				fmt.Fprintf(os.Stderr, ", next page: --before %s", res.Pagination.NextBefore)
			}
			fmt.Fprintln(os.Stderr)
			return nil
		},
	}
}

// rateCommand prints the exchange rate the service would use right now.
func rateCommand() *cli.Command {
	return &cli.Command{
		Name:      "rate",
		Usage:     "Look up the SOL exchange rate",
		ArgsUsage: "[quote]",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "price-oracle-url",
				EnvVars: []string{"PRICE_ORACLE_URL"},
				Value:   "https://api.coingecko.com/api/v3",
			},
		},
		Action: func(c *cli.Context) error {
			quote := "USD"
			if c.NArg() > 0 {
				quote = strings.ToUpper(c.Args().First())
			}
			cache := newRateCache(c.String("price-oracle-url"), cliLogger(false))
			rate := cache.GetRate(c.Context, quote)

			if c.Bool("json") {
				return outputJSON(map[string]any{"base": cache.Base(), "quote": quote, "rate": rate})
			}
			fmt.Printf("1 %s = %g %s\n", cache.Base(), rate, quote)
			return nil
		},
	}
}

func newLedger(c *cli.Context, logger *slog.Logger) (*solana.Client, error) {
	rpcURL, err := solana.SelectRandomEndpoint(strings.Split(c.String("rpc-url"), ","))
	if err != nil {
		return nil, err
	}
	return solana.NewClient(solana.NewRPCClient(rpcURL), solana.EndpointLabel(rpcURL), nil, logger, solana.ClientOptions{}), nil
}

func newRateCache(oracleURL string, logger *slog.Logger) *rates.Cache {
	oracle := rates.NewCoinGeckoOracle(oracleURL, &http.Client{Timeout: 10 * time.Second})
	return rates.NewCache(oracle, rates.Options{Fallback: 150}, nil, logger)
}

// cliLogger logs to stderr when verbose, otherwise only errors.
func cliLogger(verbose bool) *slog.Logger {
	if !verbose {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"crash/internal/config"
	"crash/internal/fair"
)

// seedchain is the operator tool for the provably-fair seed chain. A chain
// is generated once, installed atomically and never modified afterwards;
// the printed terminal hash goes into the engine config and the public
// fairness page.

func main() {
	root := &cobra.Command{
		Use:           "seedchain",
		Short:         "Manage the provably-fair server seed chain",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(generateCmd(), verifyCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func generateCmd() *cobra.Command {
	var (
		length int64
		dbURL  string
	)

	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate a seed chain and install it in the database",
		RunE: func(cmd *cobra.Command, args []string) error {
			if dbURL == "" {
				cfg, err := config.Load()
				if err != nil {
					return err
				}
				dbURL = cfg.Database.URL
			}

			ctx := cmd.Context()
			pool, err := pgxpool.New(ctx, dbURL)
			if err != nil {
				return fmt.Errorf("connect database: %w", err)
			}
			defer pool.Close()

			fmt.Printf("Generating chain of %d seeds...\n", length)
			start := time.Now()
			seeds, terminal, err := fair.GenerateChain(length)
			if err != nil {
				return err
			}
			fmt.Printf("Chain generated in %s\n", time.Since(start).Round(time.Millisecond))

			if err := install(ctx, pool, seeds); err != nil {
				return err
			}

			fmt.Println("Chain installed.")
			fmt.Printf("  chain_length:  %d\n", length)
			fmt.Printf("  terminal_hash: %s\n", terminal)
			fmt.Println("Publish the terminal hash and set engine.terminal_hash before starting the engine.")
			return nil
		},
	}

	cmd.Flags().Int64Var(&length, "length", 10_000_000, "number of seeds in the chain")
	cmd.Flags().StringVar(&dbURL, "database-url", "", "database URL (defaults to config)")
	return cmd
}

// install writes the chain and resets the cursor in one transaction. An
// existing chain is refused: replacing a live chain would break every
// outstanding commitment.
func install(ctx context.Context, pool *pgxpool.Pool, seeds []string) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var existing int64
	if err := tx.QueryRow(ctx, `SELECT COUNT(*) FROM seed_chain`).Scan(&existing); err != nil {
		return fmt.Errorf("check existing chain: %w", err)
	}
	if existing > 0 {
		return fmt.Errorf("seed_chain already holds %d seeds; refusing to overwrite", existing)
	}

	_, err = tx.CopyFrom(ctx,
		pgx.Identifier{"seed_chain"},
		[]string{"chain_index", "seed"},
		pgx.CopyFromSlice(len(seeds), func(i int) ([]any, error) {
			return []any{int64(i), seeds[i]}, nil
		}),
	)
	if err != nil {
		return fmt.Errorf("copy seeds: %w", err)
	}

	// Rounds consume the chain from the top index downward, so revealing a
	// seed never lets anyone derive the seeds still ahead.
	top := int64(len(seeds) - 1)
	if _, err := tx.Exec(ctx, `
		INSERT INTO chain_cursor (id, next_index) VALUES (1, $1)
		ON CONFLICT (id) DO UPDATE SET next_index = $1`, top); err != nil {
		return fmt.Errorf("reset cursor: %w", err)
	}

	return tx.Commit(ctx)
}

func verifyCmd() *cobra.Command {
	var (
		seed     string
		index    int64
		length   int64
		terminal string
	)

	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Check that a revealed seed belongs to the committed chain",
		RunE: func(cmd *cobra.Command, args []string) error {
			if terminal == "" || length == 0 {
				cfg, err := config.Load()
				if err != nil {
					return err
				}
				if terminal == "" {
					terminal = cfg.Engine.TerminalHash
				}
				if length == 0 {
					length = cfg.Engine.ChainLength
				}
			}

			if fair.VerifyChainMembership(seed, index, length, terminal) {
				fmt.Println("OK: seed belongs to the chain")
				return nil
			}
			return fmt.Errorf("seed does NOT belong to the chain")
		},
	}

	cmd.Flags().StringVar(&seed, "seed", "", "revealed server seed (hex)")
	cmd.Flags().Int64Var(&index, "index", 0, "chain index of the seed")
	cmd.Flags().Int64Var(&length, "length", 0, "chain length (defaults to config)")
	cmd.Flags().StringVar(&terminal, "terminal-hash", "", "published terminal hash (defaults to config)")
	cmd.MarkFlagRequired("seed")
	return cmd
}

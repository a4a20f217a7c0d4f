package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/phl-surveillance/platform/internal/canonical"
	"github.com/phl-surveillance/platform/internal/shared/auth"
	"github.com/phl-surveillance/platform/internal/shared/database"
	"github.com/phl-surveillance/platform/internal/syncengine"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "surveillance",
		Short: "Vector-borne disease surveillance sync and reporting service",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(syncCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API and the vector feed consumer",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := bootstrap(ctx, bootstrapOptions{migrate: false})
			if err != nil {
				return err
			}
			defer a.Close()
			return database.Migrate(ctx, a.db.Pool, a.log)
		},
	}
}

func syncCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run sync jobs from the command line",
	}

	pullCmd := &cobra.Command{
		Use:   "pull",
		Short: "Pull samples from a source for one region and window",
		RunE: func(cmd *cobra.Command, args []string) error {
			source, _ := cmd.Flags().GetString("source")
			region, _ := cmd.Flags().GetString("region")
			window, err := windowFlags(cmd)
			if err != nil {
				return err
			}

			return runJob(cmd.Context(), func(ctx context.Context, engine *syncengine.Engine) (any, error) {
				res, err := engine.RunPull(ctx, syncengine.PullCommand{SourceID: source, Region: region, Window: window})
				if res == nil {
					return nil, err
				}
				return res, err
			})
		},
	}
	pullCmd.Flags().String("source", "labware", "source system ID")
	pullCmd.Flags().String("region", "", "county code")
	pullCmd.Flags().String("start", "", "first collection date (YYYY-MM-DD)")
	pullCmd.Flags().String("end", "", "last collection date (YYYY-MM-DD)")
	_ = pullCmd.MarkFlagRequired("region")
	_ = pullCmd.MarkFlagRequired("start")
	_ = pullCmd.MarkFlagRequired("end")

	pushCmd := &cobra.Command{
		Use:   "push",
		Short: "Submit pending cases to a destination",
		RunE: func(cmd *cobra.Command, args []string) error {
			destination, _ := cmd.Flags().GetString("destination")
			region, _ := cmd.Flags().GetString("region")

			return runJob(cmd.Context(), func(ctx context.Context, engine *syncengine.Engine) (any, error) {
				res, err := engine.RunPush(ctx, syncengine.PushCommand{DestinationSystem: destination, Region: region})
				if res == nil {
					return nil, err
				}
				return res, err
			})
		},
	}
	pushCmd.Flags().String("destination", "nedss", "destination system ID")
	pushCmd.Flags().String("region", "", "county code")
	_ = pushCmd.MarkFlagRequired("region")

	vectorsCmd := &cobra.Command{
		Use:   "vectors",
		Short: "Submit one epi week of vector records",
		RunE: func(cmd *cobra.Command, args []string) error {
			destination, _ := cmd.Flags().GetString("destination")
			region, _ := cmd.Flags().GetString("region")
			week, _ := cmd.Flags().GetString("week-ending")
			weekEnding, err := canonical.ParseDate(week)
			if err != nil {
				return fmt.Errorf("--week-ending: %w", err)
			}

			return runJob(cmd.Context(), func(ctx context.Context, engine *syncengine.Engine) (any, error) {
				res, err := engine.PushVectorRecords(ctx, destination, region, weekEnding)
				if res == nil {
					return nil, err
				}
				return res, err
			})
		},
	}
	vectorsCmd.Flags().String("destination", "arboret", "destination system ID")
	vectorsCmd.Flags().String("region", "", "county code")
	vectorsCmd.Flags().String("week-ending", "", "epi week ending Saturday (YYYY-MM-DD)")
	_ = vectorsCmd.MarkFlagRequired("region")
	_ = vectorsCmd.MarkFlagRequired("week-ending")

	cmd.AddCommand(pullCmd, pushCmd, vectorsCmd)
	return cmd
}

func windowFlags(cmd *cobra.Command) (canonical.DateRange, error) {
	start, _ := cmd.Flags().GetString("start")
	end, _ := cmd.Flags().GetString("end")
	s, err := canonical.ParseDate(start)
	if err != nil {
		return canonical.DateRange{}, fmt.Errorf("--start: %w", err)
	}
	e, err := canonical.ParseDate(end)
	if err != nil {
		return canonical.DateRange{}, fmt.Errorf("--end: %w", err)
	}
	return canonical.NewDateRange(s, e)
}

// runJob runs one sync job as the CLI system identity and prints its result
// as JSON. A job that fails still prints the partial result.
func runJob(ctx context.Context, fn func(ctx context.Context, engine *syncengine.Engine) (any, error)) error {
	a, err := bootstrap(ctx, bootstrapOptions{migrate: true})
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := context.WithTimeout(auth.WithIdentity(ctx, auth.SystemIdentity("cli")), 2*time.Hour)
	defer cancel()

	result, jobErr := fn(ctx, a.engine)
	if result != nil {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(result); err != nil {
			return err
		}
	}
	return jobErr
}

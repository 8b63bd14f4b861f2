package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/truemark/albpriority/allocator"
	"github.com/truemark/albpriority/priority"
)

func newRootCmd(a *app) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "priorityctl",
		Short: "Manage ALB listener rule priority allocations",
		Long: `priorityctl reads and changes the priority allocations made by the
PriorityAllocator custom resource.

Allocations live in a DynamoDB table shared by every stack in the account and
region. A Postgres table with the same layout can be used instead with
--backend postgres.`,
		SilenceUsage: true,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			return a.init()
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&a.table, "table", "", "Allocation table name (default depends on --backend)")
	flags.StringVar(&a.region, "region", "", "AWS region (default from the AWS config chain)")
	flags.StringVar(&a.logLevel, "log-level", "warn", "Log level: debug, info, warn or error")
	flags.StringVar(&a.backend, "backend", backendDynamoDB, "Allocation store: dynamodb or postgres")
	flags.StringVar(&a.pg.host, "pg-host", "localhost", "Postgres host")
	flags.IntVar(&a.pg.port, "pg-port", 5432, "Postgres port")
	flags.StringVar(&a.pg.user, "pg-user", "", "Postgres user")
	flags.StringVar(&a.pg.password, "pg-password", "", "Postgres password")
	flags.StringVar(&a.pg.database, "pg-database", "", "Postgres database")
	flags.StringVar(&a.pg.sslMode, "pg-sslmode", "prefer", "Postgres SSL mode")
	flags.Int32Var(&a.pg.maxConns, "pg-max-conns", 0, "Maximum Postgres pool connections (0 keeps the pool default)")
	flags.Int32Var(&a.pg.minConns, "pg-min-conns", 0, "Minimum Postgres pool connections")
	flags.DurationVar(&a.pg.maxConnLifetime, "pg-max-conn-lifetime", 0, "Maximum lifetime of a pooled Postgres connection")
	flags.DurationVar(&a.pg.maxConnIdleTime, "pg-max-conn-idle-time", 0, "Maximum idle time of a pooled Postgres connection")

	rootCmd.AddCommand(
		newAllocateCmd(a),
		newReleaseCmd(a),
		newListCmd(a),
		newEnsureTableCmd(a),
		newVerifyTableCmd(a),
	)

	return rootCmd
}

func newAllocateCmd(a *app) *cobra.Command {
	var (
		listener  string
		service   string
		preferred int
		skipRules bool
	)

	cmd := &cobra.Command{
		Use:   "allocate",
		Short: "Allocate a priority for a service on a listener",
		Long: `Allocate returns the priority held by the service, or claims the preferred
priority if it is free, or claims the lowest free priority.

Examples:
    priorityctl allocate --listener arn:aws:elasticloadbalancing:... --service web
    priorityctl allocate --listener arn:... --service web --preferred 100`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()

			s, closeStore, err := a.openStore(ctx, a)
			if err != nil {
				return err
			}
			defer closeStore()

			rules, err := a.rules(cmd, skipRules)
			if err != nil {
				return err
			}

			alloc, err := allocator.New(s, rules, allocator.WithLogger(a.logger))
			if err != nil {
				return err
			}

			p, err := alloc.Allocate(ctx, listener, service, preferred)
			if err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), p)

			return nil
		},
	}

	cmd.Flags().StringVar(&listener, "listener", "", "Listener ARN")
	cmd.Flags().StringVar(&service, "service", "", "Service identifier")
	cmd.Flags().IntVar(&preferred, "preferred", 0, "Preferred priority (1-50000)")
	cmd.Flags().BoolVar(&skipRules, "no-rules", false, "Do not read existing rules from the load balancer")
	_ = cmd.MarkFlagRequired("listener")
	_ = cmd.MarkFlagRequired("service")

	return cmd
}

func (a *app) rules(cmd *cobra.Command, skip bool) (allocator.RuleSource, error) {
	if skip {
		return noRules{}, nil
	}

	return a.openRules(cmd.Context(), a)
}

func newReleaseCmd(a *app) *cobra.Command {
	var listener, service string

	cmd := &cobra.Command{
		Use:   "release",
		Short: "Release the priority held by a service on a listener",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()

			s, closeStore, err := a.openStore(ctx, a)
			if err != nil {
				return err
			}
			defer closeStore()

			alloc, err := allocator.New(s, noRules{}, allocator.WithLogger(a.logger))
			if err != nil {
				return err
			}

			return alloc.Release(ctx, listener, service)
		},
	}

	cmd.Flags().StringVar(&listener, "listener", "", "Listener ARN")
	cmd.Flags().StringVar(&service, "service", "", "Service identifier")
	_ = cmd.MarkFlagRequired("listener")
	_ = cmd.MarkFlagRequired("service")

	return cmd
}

func newListCmd(a *app) *cobra.Command {
	var listener, format string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the allocations recorded for a listener",
		Long: `List prints every allocation recorded for the listener, ordered by priority.

Examples:
    priorityctl list --listener arn:aws:elasticloadbalancing:...
    priorityctl list --listener arn:... --format json`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()

			s, closeStore, err := a.openStore(ctx, a)
			if err != nil {
				return err
			}
			defer closeStore()

			records, err := s.ListRecords(ctx, listener)
			if err != nil {
				return err
			}

			return writeRecords(cmd.OutOrStdout(), records, format)
		},
	}

	cmd.Flags().StringVar(&listener, "listener", "", "Listener ARN")
	cmd.Flags().StringVarP(&format, "format", "f", "text", "Output format: text or json")
	_ = cmd.MarkFlagRequired("listener")

	return cmd
}

func writeRecords(w io.Writer, records []priority.Record, format string) error {
	switch format {
	case "json":
		data, err := json.MarshalIndent(records, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(w, string(data))

	case "text":
		if len(records) == 0 {
			fmt.Fprintln(w, "No allocations found.")
			return nil
		}

		for _, r := range records {
			fmt.Fprintf(w, "%5d  %s  %s  %s\n", r.Priority, r.ServiceID, r.AllocatedAt.UTC().Format("2006-01-02T15:04:05Z"), r.Source)
		}

	default:
		return fmt.Errorf("unknown format: %s", format)
	}

	return nil
}

func newEnsureTableCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "ensure-table",
		Short: "Create the allocation table if it does not exist, then verify it",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()

			s, closeStore, err := a.openStore(ctx, a)
			if err != nil {
				return err
			}
			defer closeStore()

			if c, ok := s.(tableCreator); ok {
				if err := c.EnsureTable(ctx); err != nil {
					return err
				}
			}

			if err := s.Init(ctx, false); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Table %s is ready.\n", a.table)

			return nil
		},
	}
}

func newVerifyTableCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "verify-table",
		Short: "Verify the allocation table schema",
		Long: `Verify-table checks the key schema and service index of the allocation
table. With --backend postgres, missing objects are created before the check.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()

			s, closeStore, err := a.openStore(ctx, a)
			if err != nil {
				return err
			}
			defer closeStore()

			if err := s.Init(ctx, false); err != nil {
				return fmt.Errorf("table %s failed verification: %w", a.table, err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Table %s is valid.\n", a.table)

			return nil
		},
	}
}

package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"

	"github.com/saltyorg/reqflow/internal/auth"
	"github.com/saltyorg/reqflow/internal/config"
	"github.com/saltyorg/reqflow/internal/database"
	"github.com/saltyorg/reqflow/internal/logging"
	"github.com/saltyorg/reqflow/internal/media"
	"github.com/saltyorg/reqflow/internal/processor"
	"github.com/saltyorg/reqflow/internal/retry"
)

// openDB opens and migrates the database for short lived commands
func openDB() (*database.DB, error) {
	logging.ConsoleOnly(logLevel())
	db, err := database.New(resolveDBPath())
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func newTable() table.Writer {
	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)
	return tw
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04")
}

// nextRetry describes when the retry pass will pick an item up again
func nextRetry(policy retry.Policy, item *database.MediaItem, now time.Time) string {
	at, ok := policy.NextAttempt(item.ErrorCount, item.LastErrorAt, now)
	switch {
	case !ok:
		return "exhausted"
	case !at.After(now):
		return "eligible"
	}
	return formatTime(&at)
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show queue sizes and media counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openDB()
			if err != nil {
				return err
			}
			defer db.Close()

			summaries, err := db.ListQueueSummaries()
			if err != nil {
				return err
			}
			lanes := newTable()
			lanes.SetTitle("Queues")
			lanes.AppendHeader(table.Row{"Lane", "Size", "Max", "Processing", "Last activity"})
			for _, s := range summaries {
				lanes.AppendRow(table.Row{s.Lane, s.Size, s.MaxSize, s.IsProcessing, formatTime(s.LastActivityAt)})
			}
			lanes.SetColumnConfigs([]table.ColumnConfig{
				{Number: 2, Align: text.AlignRight},
				{Number: 3, Align: text.AlignRight},
			})
			fmt.Fprintln(cmd.OutOrStdout(), lanes.Render())

			counts, err := db.CountMediaByStatus()
			if err != nil {
				return err
			}
			statuses := newTable()
			statuses.SetTitle("Media")
			header := table.Row{"Status"}
			for _, kind := range media.Kinds {
				header = append(header, kind)
			}
			statuses.AppendHeader(header)
			for _, status := range media.Statuses {
				row := table.Row{status}
				for _, kind := range media.Kinds {
					row = append(row, counts[kind][status])
				}
				statuses.AppendRow(row)
			}
			footer := table.Row{"total"}
			for _, kind := range media.Kinds {
				footer = append(footer, counts.Total(kind))
			}
			statuses.AppendFooter(footer)
			fmt.Fprintln(cmd.OutOrStdout(), statuses.Render())
			return nil
		},
	}
}

func newFailedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "failed",
		Short: "List failed media items with their last error",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openDB()
			if err != nil {
				return err
			}
			defer db.Close()

			policy := processor.LoadConfig(config.NewLoader(db)).Retry
			now := time.Now()

			tw := newTable()
			tw.AppendHeader(table.Row{"Kind", "Catalog ID", "Title", "Errors", "Last error", "Next retry", "Message"})
			total := 0
			for _, kind := range media.Kinds {
				items, err := db.ListFailedMedia(kind)
				if err != nil {
					return err
				}
				for _, item := range items {
					tw.AppendRow(table.Row{
						item.Kind,
						strconv.FormatInt(item.CatalogID, 10),
						item.DisplayTitle(),
						item.ErrorCount,
						formatTime(item.LastErrorAt),
						nextRetry(policy, item, now),
						item.ErrorMessage,
					})
					total++
				}
			}
			if total == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No failed items")
				return nil
			}
			tw.SetColumnConfigs([]table.ColumnConfig{
				{Number: 2, Align: text.AlignRight},
				{Number: 4, Align: text.AlignRight},
				{Number: 7, WidthMax: 60},
			})
			tw.AppendFooter(table.Row{"", "", "", total, "", "", ""})
			fmt.Fprintln(cmd.OutOrStdout(), tw.Render())
			return nil
		},
	}
}

func newAPIKeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "apikey",
		Short: "Manage the HTTP API key",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "rotate",
		Short: "Generate a new API key, replacing the current one",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openDB()
			if err != nil {
				return err
			}
			defer db.Close()

			key, err := auth.NewAPIKeyService(db).Rotate()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "New API key (shown once, store it now):")
			fmt.Fprintln(cmd.OutOrStdout(), key)
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show whether an API key is configured",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openDB()
			if err != nil {
				return err
			}
			defer db.Close()

			if auth.NewAPIKeyService(db).Enabled() {
				fmt.Fprintln(cmd.OutOrStdout(), "API key configured")
			} else {
				fmt.Fprintln(cmd.OutOrStdout(), "No API key configured, the API accepts every request from allowed subnets")
			}
			return nil
		},
	})
	return cmd
}

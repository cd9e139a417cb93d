package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"jarvis/internal/memory"
)

var (
	searchQuery []string
	searchLimit int
)

var memoryCmd = &cobra.Command{
	Use:   "memory",
	Short: "Inspect the agents' memory store",
}

var memoryWatchCmd = &cobra.Command{
	Use:   "watch [kind]",
	Short: "Print memory writes and deletes as they happen",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var kind memory.Kind
		if len(args) == 1 {
			kind = memory.Kind(args[0])
		}
		ctx, stop := signalContext(cmd.Context())
		defer stop()
		store, err := openMemory(ctx)
		if err != nil {
			return err
		}
		defer store.Close()
		return watchMemory(ctx, store, kind, os.Stdout)
	},
}

var memoryStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Count stored entries per kind",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signalContext(cmd.Context())
		defer stop()
		store, err := openMemory(ctx)
		if err != nil {
			return err
		}
		defer store.Close()
		st, err := store.Stats(ctx)
		if err != nil {
			return err
		}
		for _, k := range memory.Kinds() {
			fmt.Printf("%-11s %d\n", k, st.Counts[k])
		}
		color.New(color.Bold).Printf("%-11s %d\n", "total", st.Total)
		return nil
	},
}

var memorySearchCmd = &cobra.Command{
	Use:   "search <kind>",
	Short: "Search one kind of memory, newest first",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		query, err := parseParams(searchQuery)
		if err != nil {
			return err
		}
		ctx, stop := signalContext(cmd.Context())
		defer stop()
		store, err := openMemory(ctx)
		if err != nil {
			return err
		}
		defer store.Close()
		entries, err := store.Search(ctx, memory.Kind(args[0]), query, searchLimit)
		if err != nil {
			return err
		}
		out, err := yaml.Marshal(entries)
		if err != nil {
			return err
		}
		_, err = os.Stdout.Write(out)
		return err
	},
}

func init() {
	memorySearchCmd.Flags().StringArrayVarP(&searchQuery, "query", "q", nil, "match key=value; JSON values are decoded")
	memorySearchCmd.Flags().IntVar(&searchLimit, "limit", 10, "maximum entries returned")

	memoryCmd.AddCommand(memoryWatchCmd)
	memoryCmd.AddCommand(memoryStatsCmd)
	memoryCmd.AddCommand(memorySearchCmd)
}

func openMemory(ctx context.Context) (*memory.RedisStore, error) {
	if cfg.Memory.URL == "" {
		return nil, errors.New("memory.url is not configured")
	}
	return memory.Open(ctx, cfg.Memory.URL, logger, memory.WithWorkingTTL(cfg.Memory.WorkingTTL))
}

// watchMemory prints one line per update until ctx is done or the store
// stops the subscription.
func watchMemory(ctx context.Context, store memory.Store, kind memory.Kind, w io.Writer) error {
	updates, err := store.Watch(ctx, kind)
	if err != nil {
		return err
	}
	for upd := range updates {
		if _, err := fmt.Fprintln(w, formatUpdate(upd, time.Now())); err != nil {
			return err
		}
	}
	return nil
}

func formatUpdate(u memory.Update, at time.Time) string {
	ts := color.HiBlackString(at.Format(time.TimeOnly))
	if u.Deleted {
		return fmt.Sprintf("%s %s %s/%s", ts, color.RedString("deleted"), u.Kind, u.ID)
	}
	return fmt.Sprintf("%s %s %s/%s v%d", ts, color.GreenString("stored "), u.Kind, u.ID, u.Version)
}

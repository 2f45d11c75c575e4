package cli

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/offsync/internal/cache"
)

// CacheEntryView is the JSON form of a cache read.
type CacheEntryView struct {
	Key            string    `json:"key"`
	Value          string    `json:"value"`
	SizeBytes      int64     `json:"size_bytes"`
	AccessCount    int64     `json:"access_count"`
	StoredAt       time.Time `json:"stored_at"`
	LastAccessedAt time.Time `json:"last_accessed_at"`
	ExpiresAt      time.Time `json:"expires_at,omitzero"`
}

// NewCacheCommand creates the cache command group.
func NewCacheCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect and manage the offline cache",
	}

	cmd.AddCommand(
		newCacheGetCommand(rootOpts),
		newCachePutCommand(rootOpts),
		newCacheListCommand(rootOpts),
		newCacheRemoveCommand(rootOpts),
		newCachePurgeCommand(rootOpts),
		newCacheUsageCommand(rootOpts),
	)
	return cmd
}

func newCacheGetCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "get <key>",
		Short:         "Print a cached value",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := openLocal(cmd, rootOpts)
			if err != nil {
				return err
			}
			defer closeService(svc)

			e, err := svc.Cache.Get(commandContext(cmd), args[0])
			if errors.Is(err, cache.ErrMiss) {
				return NewExitError(ExitFailure, fmt.Sprintf("cache miss: %s", args[0]))
			}
			if err != nil {
				return WrapExitError(ExitCommandError, "cache read failed", err)
			}

			view := CacheEntryView{
				Key:            e.Key,
				Value:          string(e.Value),
				SizeBytes:      e.SizeBytes,
				AccessCount:    e.AccessCount,
				StoredAt:       e.StoredAt,
				LastAccessedAt: e.LastAccessedAt,
				ExpiresAt:      e.ExpiresAt,
			}
			return formatter(rootOpts, cmd).Render(view, func(w io.Writer) error {
				_, err := fmt.Fprintln(w, view.Value)
				return err
			})
		},
	}
}

func newCachePutCommand(rootOpts *RootOptions) *cobra.Command {
	var ttl time.Duration

	cmd := &cobra.Command{
		Use:   "put <key> <value>",
		Short: "Store a value in the cache",
		Long: `Store a value under key. A zero --ttl applies the configured default;
a negative --ttl stores the entry without expiry.`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := openLocal(cmd, rootOpts)
			if err != nil {
				return err
			}
			defer closeService(svc)

			err = svc.Cache.Put(commandContext(cmd), args[0], []byte(args[1]), ttl)
			if errors.Is(err, cache.ErrEntryTooLarge) || errors.Is(err, cache.ErrEmptyKey) {
				return WrapExitError(ExitFailure, "cache write rejected", err)
			}
			if err != nil {
				return WrapExitError(ExitCommandError, "cache write failed", err)
			}

			return formatter(rootOpts, cmd).Render(map[string]string{"key": args[0]}, func(w io.Writer) error {
				_, err := fmt.Fprintf(w, "Stored %s\n", args[0])
				return err
			})
		},
	}

	cmd.Flags().DurationVar(&ttl, "ttl", 0, "Time to live (0 = configured default, negative = never expires)")
	return cmd
}

func newCacheListCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "ls [prefix]",
		Short:         "List live cache keys",
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := openLocal(cmd, rootOpts)
			if err != nil {
				return err
			}
			defer closeService(svc)

			prefix := ""
			if len(args) == 1 {
				prefix = args[0]
			}
			keys, err := svc.Cache.Enumerate(commandContext(cmd), prefix)
			if err != nil {
				return WrapExitError(ExitCommandError, "cache enumerate failed", err)
			}

			return formatter(rootOpts, cmd).Render(keys, func(w io.Writer) error {
				for _, k := range keys {
					fmt.Fprintln(w, k)
				}
				return nil
			})
		},
	}
}

func newCacheRemoveCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "rm <key>...",
		Short:         "Invalidate cache entries",
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := openLocal(cmd, rootOpts)
			if err != nil {
				return err
			}
			defer closeService(svc)

			ctx := commandContext(cmd)
			for _, key := range args {
				if err := svc.Cache.Invalidate(ctx, key); err != nil {
					return WrapExitError(ExitCommandError, "cache invalidate failed", err)
				}
			}

			return formatter(rootOpts, cmd).Render(map[string]int{"removed": len(args)}, func(w io.Writer) error {
				_, err := fmt.Fprintf(w, "Invalidated %d key(s)\n", len(args))
				return err
			})
		},
	}
}

func newCachePurgeCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "purge",
		Short:         "Remove expired cache entries",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := openLocal(cmd, rootOpts)
			if err != nil {
				return err
			}
			defer closeService(svc)

			n, err := svc.Cache.Purge(commandContext(cmd))
			if err != nil {
				return WrapExitError(ExitCommandError, "cache purge failed", err)
			}

			return formatter(rootOpts, cmd).Render(map[string]int{"purged": n}, func(w io.Writer) error {
				_, err := fmt.Fprintf(w, "Purged %d expired entries\n", n)
				return err
			})
		},
	}
}

func newCacheUsageCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "usage",
		Short:         "Show cache consumption against its budget",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := openLocal(cmd, rootOpts)
			if err != nil {
				return err
			}
			defer closeService(svc)

			u, err := svc.Cache.Usage(commandContext(cmd))
			if err != nil {
				return WrapExitError(ExitCommandError, "cache usage failed", err)
			}

			return formatter(rootOpts, cmd).Render(u, func(w io.Writer) error {
				fmt.Fprintf(w, "entries  %d%s\n", u.Entries, budget(u.MaxEntries))
				fmt.Fprintf(w, "bytes    %d%s\n", u.Bytes, budget(u.MaxBytes))
				return nil
			})
		},
	}
}

package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/roach88/offsync/internal/model"
	"github.com/roach88/offsync/internal/queue"
	"github.com/roach88/offsync/internal/store"
)

// NewQueueCommand creates the queue command group.
func NewQueueCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and manage queued actions",
	}

	cmd.AddCommand(
		newQueueAddCommand(rootOpts),
		newQueueListCommand(rootOpts),
		newQueueShowCommand(rootOpts),
		newQueueAckCommand(rootOpts),
		newQueueRetryCommand(rootOpts),
		newQueueCompactCommand(rootOpts),
	)
	return cmd
}

type queueAddOptions struct {
	id       string
	kind     string
	method   string
	path     string
	cacheKey string
	scope    string
	body     string
}

func newQueueAddCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &queueAddOptions{}

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Enqueue an action",
		Long: `Enqueue a create, update, delete or custom action for the next sync pass.

Example:
  offsync queue add --kind create --path /notes --cache-key notes/1 --body '{"title":"hi"}'
  offsync queue add --kind custom:archive --path /notes/1/archive`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := model.ParseOperationKind(opts.kind)
			if err != nil {
				return WrapExitError(ExitCommandError, "invalid --kind", err)
			}
			var body json.RawMessage
			if opts.body != "" {
				if !json.Valid([]byte(opts.body)) {
					return NewExitError(ExitCommandError, "--body must be valid JSON")
				}
				body = json.RawMessage(opts.body)
			}

			svc, err := openLocal(cmd, rootOpts)
			if err != nil {
				return err
			}
			defer closeService(svc)

			id, err := svc.Submit(commandContext(cmd), model.QueuedAction{
				ID:    opts.id,
				Scope: opts.scope,
				Kind:  kind,
				Payload: model.Payload{
					Target: model.Target{Method: opts.method, Path: opts.path, CacheKey: opts.cacheKey},
					Body:   body,
				},
			})
			if errors.Is(err, queue.ErrDuplicateID) || errors.Is(err, queue.ErrInvalidAction) {
				return WrapExitError(ExitFailure, "action rejected", err)
			}
			if err != nil {
				return WrapExitError(ExitCommandError, "enqueue failed", err)
			}

			return formatter(rootOpts, cmd).Render(map[string]string{"id": id}, func(w io.Writer) error {
				_, err := fmt.Fprintln(w, id)
				return err
			})
		},
	}

	cmd.Flags().StringVar(&opts.id, "id", "", "Action id (generated when empty)")
	cmd.Flags().StringVar(&opts.kind, "kind", "", "Operation kind: create, update, delete or custom:<name>")
	cmd.Flags().StringVar(&opts.method, "method", "", "HTTP method override")
	cmd.Flags().StringVar(&opts.path, "path", "", "Remote path")
	cmd.Flags().StringVar(&opts.cacheKey, "cache-key", "", "Cache key the action affects")
	cmd.Flags().StringVar(&opts.scope, "scope", "", "Ordering scope (defaults to the cache key)")
	cmd.Flags().StringVar(&opts.body, "body", "", "JSON request body")
	_ = cmd.MarkFlagRequired("kind")

	return cmd
}

func newQueueListCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		statuses []string
		scope    string
		limit    int
	)

	cmd := &cobra.Command{
		Use:           "ls",
		Short:         "List queued actions in delivery order",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := store.ActionFilter{Scope: scope, Limit: limit}
			for _, s := range statuses {
				st := model.Status(s)
				if !st.Valid() {
					return NewExitError(ExitCommandError, fmt.Sprintf("invalid --status %q", s))
				}
				filter.Statuses = append(filter.Statuses, st)
			}

			svc, err := openLocal(cmd, rootOpts)
			if err != nil {
				return err
			}
			defer closeService(svc)

			actions, err := svc.Queue.List(commandContext(cmd), filter)
			if err != nil {
				return WrapExitError(ExitCommandError, "list failed", err)
			}

			f := formatter(rootOpts, cmd)
			return f.Render(actions, func(w io.Writer) error {
				rows := make([][]string, 0, len(actions))
				for _, a := range actions {
					rows = append(rows, []string{
						a.ID,
						strconv.FormatInt(a.Seq, 10),
						a.Scope,
						a.Kind.String(),
						string(a.Status),
						strconv.Itoa(a.Attempts),
						a.LastError,
					})
				}
				return f.Table([]string{"ID", "SEQ", "SCOPE", "KIND", "STATUS", "ATTEMPTS", "LAST ERROR"}, rows)
			})
		},
	}

	cmd.Flags().StringSliceVar(&statuses, "status", nil, "Only show actions with these statuses")
	cmd.Flags().StringVar(&scope, "scope", "", "Only show actions in this scope")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum number of actions (0 = all)")

	return cmd
}

func newQueueShowCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "show <id>",
		Short:         "Show one action",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := openLocal(cmd, rootOpts)
			if err != nil {
				return err
			}
			defer closeService(svc)

			a, err := svc.Queue.Get(commandContext(cmd), args[0])
			if err != nil {
				return actionError(args[0], err)
			}

			return formatter(rootOpts, cmd).Render(a, func(w io.Writer) error {
				fmt.Fprintf(w, "ID:        %s\n", a.ID)
				fmt.Fprintf(w, "Seq:       %d\n", a.Seq)
				fmt.Fprintf(w, "Scope:     %s\n", a.Scope)
				fmt.Fprintf(w, "Kind:      %s\n", a.Kind)
				fmt.Fprintf(w, "Target:    %s %s\n", a.Payload.Target.Method, a.Payload.Target.Path)
				if a.Payload.Target.CacheKey != "" {
					fmt.Fprintf(w, "Cache key: %s\n", a.Payload.Target.CacheKey)
				}
				fmt.Fprintf(w, "Status:    %s\n", a.Status)
				fmt.Fprintf(w, "Attempts:  %d\n", a.Attempts)
				if a.LastError != "" {
					fmt.Fprintf(w, "Error:     %s\n", a.LastError)
				}
				if !a.NextAttemptAt.IsZero() {
					fmt.Fprintf(w, "Retry at:  %s\n", a.NextAttemptAt.Format("2006-01-02T15:04:05Z07:00"))
				}
				return nil
			})
		},
	}
}

func newQueueAckCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "ack <id>",
		Short:         "Remove a failed or synced action from the queue",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := openLocal(cmd, rootOpts)
			if err != nil {
				return err
			}
			defer closeService(svc)

			if err := svc.Queue.Acknowledge(commandContext(cmd), args[0]); err != nil {
				return actionError(args[0], err)
			}

			return formatter(rootOpts, cmd).Render(map[string]string{"id": args[0]}, func(w io.Writer) error {
				_, err := fmt.Fprintf(w, "Acknowledged %s\n", args[0])
				return err
			})
		},
	}
}

func newQueueRetryCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "retry <id>",
		Short:         "Return a failed action to pending with a fresh attempt budget",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := openLocal(cmd, rootOpts)
			if err != nil {
				return err
			}
			defer closeService(svc)

			a, err := svc.Queue.Requeue(commandContext(cmd), args[0])
			if err != nil {
				return actionError(args[0], err)
			}

			return formatter(rootOpts, cmd).Render(a, func(w io.Writer) error {
				_, err := fmt.Fprintf(w, "Requeued %s\n", a.ID)
				return err
			})
		},
	}
}

func newQueueCompactCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "compact",
		Short:         "Drop synced actions older than the retention window",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := openLocal(cmd, rootOpts)
			if err != nil {
				return err
			}
			defer closeService(svc)

			n, err := svc.Queue.DrainSynced(commandContext(cmd))
			if err != nil {
				return WrapExitError(ExitCommandError, "compact failed", err)
			}

			return formatter(rootOpts, cmd).Render(map[string]int{"removed": n}, func(w io.Writer) error {
				_, err := fmt.Fprintf(w, "Removed %d synced actions\n", n)
				return err
			})
		},
	}
}

// actionError maps queue errors for a single action to exit codes.
func actionError(id string, err error) error {
	switch {
	case errors.Is(err, queue.ErrNotFound):
		return &ExitError{Code: ExitFailure, Message: fmt.Sprintf("action not found: %s", id), Err: err}
	case queue.IsTransitionError(err):
		return WrapExitError(ExitFailure, "action not in a valid state", err)
	default:
		return WrapExitError(ExitCommandError, "queue operation failed", err)
	}
}

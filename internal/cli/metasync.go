package cli

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/arggraph/internal/config"
	"github.com/roach88/arggraph/internal/httpapi"
	"github.com/roach88/arggraph/internal/presence"
	"github.com/roach88/arggraph/internal/session"
)

// MetaSyncOptions holds flags for the meta-sync command.
type MetaSyncOptions struct {
	*RootOptions
	Config  string
	Server  string
	Timeout time.Duration
}

// MetaSyncResult reports how many meta keys a sync changed.
type MetaSyncResult struct {
	DocID   string `json:"doc_id"`
	Changed int    `json:"changed"`
}

// NewMetaSyncCommand creates the meta-sync command.
func NewMetaSyncCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &MetaSyncOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "meta-sync <doc>",
		Short: "Merge published metadata into a document",
		Long: `Open a session on a document served by "arggraph serve", merge the
externally published metadata into its meta map and save the result.

Only keys whose value changed are written.

Example:
  arggraph meta-sync board-1 --server http://localhost:8080`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMetaSync(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Config, "config", "", "path to YAML config file")
	cmd.Flags().StringVar(&opts.Server, "server", "http://localhost:8080", "base URL of the arggraph server")
	cmd.Flags().DurationVar(&opts.Timeout, "timeout", 30*time.Second, "overall timeout")

	return cmd
}

func runMetaSync(opts *MetaSyncOptions, docID string, cmd *cobra.Command) error {
	logger := setupLogging(opts.Verbose)
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	cfg := config.Default()
	if opts.Config != "" {
		loaded, err := config.Load(opts.Config)
		if err != nil {
			return WrapExitError(ExitCommandError, CodeConfig, "failed to load config", err)
		}
		cfg = loaded
	}

	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithTimeout(parent, opts.Timeout)
	defer cancel()

	client := httpapi.NewClient(opts.Server, &http.Client{Timeout: opts.Timeout})
	ch, err := client.DialPresence(ctx, docID, logger)
	if err != nil {
		return WrapExitError(ExitCommandError, CodeSync, "failed to connect to server", err)
	}
	defer ch.Close()

	host, _ := os.Hostname()
	s, err := session.New(session.Config{
		DocID:        docID,
		User:         presence.User{ID: "meta-sync", Name: "meta-sync@" + host},
		Writable:     true,
		SaveDebounce: cfg.SaveDebounce,
		LockTTL:      cfg.LockTTL,
		Logger:       logger,
	}, session.Deps{
		Presence:   ch,
		Loader:     client,
		Log:        client,
		Meta:       client,
		Mindchange: client,
	})
	if err != nil {
		return WrapExitError(ExitFailure, CodeSync, "failed to create session", err)
	}
	if err := s.Start(ctx); err != nil {
		return WrapExitError(ExitFailure, CodeSync, "failed to start session", err)
	}

	changed, syncErr := s.SyncFromMeta(ctx)
	if syncErr == nil {
		syncErr = s.Save(ctx)
	}
	if err := s.Close(ctx); err != nil && syncErr == nil {
		syncErr = err
	}
	if syncErr != nil {
		return WrapExitError(ExitFailure, CodeSync, "meta sync failed", syncErr)
	}

	formatter.VerboseLog("Synced meta of %s via %s", docID, opts.Server)
	return formatter.Report(fmt.Sprintf("Synced %s: %d meta keys changed", docID, changed),
		MetaSyncResult{DocID: docID, Changed: changed})
}

package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/arggraph/internal/store"
)

// CompactOptions holds flags for the compact command.
type CompactOptions struct {
	*RootOptions
	StorageOptions
	Keep int
}

// NewCompactCommand creates the compact command.
func NewCompactCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CompactOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "compact <doc>",
		Short: "Merge old updates of a document into a snapshot",
		Long: `Merge every update of a document except the newest --keep into a single
snapshot update. Loaded state is unchanged by compaction.

Example:
  arggraph compact board-1 --db ./arggraph.db
  arggraph compact board-1 --keep 10 --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCompact(opts, args[0], cmd)
		},
	}

	opts.bind(cmd)
	cmd.Flags().IntVar(&opts.Keep, "keep", -1, "number of newest updates to keep (default from config)")

	return cmd
}

func runCompact(opts *CompactOptions, docID string, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	cfg, err := opts.resolve()
	if err != nil {
		return err
	}
	keep := cfg.CompactionKeep
	if opts.Keep >= 0 {
		keep = opts.Keep
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	backend, err := openBackend(ctx, cfg, true)
	if err != nil {
		return err
	}
	defer backend.Close()

	formatter.VerboseLog("Compacting %s, keeping %d updates", docID, keep)
	res, err := backend.Compact(ctx, docID, keep)
	if errors.Is(err, store.ErrNotFound) {
		return docNotFound(docID)
	}
	if err != nil {
		return WrapExitError(ExitFailure, CodeStorage, "compaction failed", err)
	}

	text := fmt.Sprintf("Compacted %s: merged %d updates into snapshot at seq %d, kept %d",
		docID, res.Merged, res.SnapshotSeq, res.Kept)
	if res.Merged == 0 {
		text = fmt.Sprintf("Nothing to compact in %s (%d updates kept)", docID, res.Kept)
	}
	return formatter.Report(text, res)
}

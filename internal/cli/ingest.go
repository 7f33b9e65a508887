package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/tik-choco-lab/ragpipe/pkg/content"
	"github.com/tik-choco-lab/ragpipe/pkg/ingest"
	"github.com/tik-choco-lab/ragpipe/pkg/ragerr"
)

type chunkFlags struct {
	size     int
	overlap  int
	strategy string
}

func (f *chunkFlags) register(cmd *cobra.Command) {
	cmd.Flags().IntVar(&f.size, "chunk-size", content.DefaultChunkSize, "maximum runes per chunk")
	cmd.Flags().IntVar(&f.overlap, "chunk-overlap", content.DefaultChunkOverlap, "runes shared by consecutive chunks")
	cmd.Flags().StringVar(&f.strategy, "strategy", "", "chunking strategy: sliding or sentence (default from config)")
}

// options returns only the overrides the user actually set.
func (f *chunkFlags) options(cmd *cobra.Command) (ingest.Options, error) {
	var opts ingest.Options
	if cmd.Flags().Changed("chunk-size") {
		opts.ChunkSize = &f.size
	}
	if cmd.Flags().Changed("chunk-overlap") {
		opts.ChunkOverlap = &f.overlap
	}
	if f.strategy != "" {
		s, err := content.ParseStrategy(f.strategy)
		if err != nil {
			return opts, err
		}
		opts.Strategy = s
	}
	return opts, nil
}

func newIngestCommand(opts *rootOptions) *cobra.Command {
	var (
		chunking   chunkFlags
		documentID string
		replace    bool
	)

	cmd := &cobra.Command{
		Use:   "ingest <file>...",
		Short: "Ingest text or PDF files",
		Long: `Extracts, chunks and embeds each file and stores the segments.
Files are processed concurrently; a failing file does not stop the others.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if documentID != "" && len(args) > 1 {
				return ragerr.InvalidArgument("--document-id needs exactly one file, got %d", len(args))
			}
			ingestOpts, err := chunking.options(cmd)
			if err != nil {
				return err
			}
			ingestOpts.Replace = replace

			files := make([]ingest.File, len(args))
			for i, path := range args {
				data, err := os.ReadFile(path)
				if err != nil {
					return errors.Wrapf(err, "read %s", path)
				}
				files[i] = ingest.File{
					Name:     filepath.Base(path),
					Data:     data,
					Metadata: map[string]any{"source_path": path},
				}
			}
			if documentID != "" {
				files[0].DocumentID = documentID
			}

			return opts.withApp(cmd, func(ctx context.Context, a *app) error {
				results := a.ingester.IngestBatch(ctx, files, ingestOpts)
				return printIngestResults(cmd, results)
			})
		},
	}
	chunking.register(cmd)
	cmd.Flags().StringVar(&documentID, "document-id", "", "document id to use (single file only)")
	cmd.Flags().BoolVar(&replace, "replace", false, "delete existing segments of the document first")
	return cmd
}

func printIngestResults(cmd *cobra.Command, results []ingest.Result) error {
	failed := 0
	for _, res := range results {
		if res.Err != nil {
			failed++
			fmt.Fprintf(cmd.OutOrStdout(), "FAIL  %s: %v\n", res.FileName, res.Err)
			continue
		}
		fmt.Fprintf(cmd.OutOrStdout(), "ok    %s  document=%s chunks=%d (%.2fs)\n",
			res.FileName, res.DocumentID, res.Chunks, res.Duration.Seconds())
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d files failed", failed, len(results))
	}
	return nil
}

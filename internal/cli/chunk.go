package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"unicode/utf8"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/tik-choco-lab/ragpipe/pkg/content"
)

func newChunkCommand(opts *rootOptions) *cobra.Command {
	var (
		chunking chunkFlags
		asJSON   bool
	)

	cmd := &cobra.Command{
		Use:   "chunk <file>",
		Short: "Preview how a file is chunked",
		Long:  `Extracts and chunks a file without embedding or storing anything.`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]
			fileType, err := content.DetectFileType(path)
			if err != nil {
				return err
			}
			data, err := os.ReadFile(path)
			if err != nil {
				return errors.Wrapf(err, "read %s", path)
			}

			overrides, err := chunking.options(cmd)
			if err != nil {
				return err
			}
			size, overlap := opts.cfg.Chunk.Size, opts.cfg.Chunk.Overlap
			if overrides.ChunkSize != nil {
				size = *overrides.ChunkSize
			}
			if overrides.ChunkOverlap != nil {
				overlap = *overrides.ChunkOverlap
			}
			chunker, err := content.NewChunker(size, overlap)
			if err != nil {
				return err
			}
			strategy := overrides.Strategy
			if strategy == "" {
				strategy = opts.cfg.Strategy()
			}

			extractor := content.NewExtractor(content.WithPDFToText(opts.cfg.Extract.PDFToText))
			raw, err := extractor.Extract(cmd.Context(), data, fileType)
			if err != nil {
				return err
			}
			text := content.CleanText(raw)
			chunks := chunker.Chunk(text, strategy)

			if asJSON {
				return printJSON(cmd, map[string]any{
					"file_name":     filepath.Base(path),
					"chunks":        chunks,
					"total_chunks":  len(chunks),
					"original_size": utf8.RuneCountInString(text),
				})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d chunks from %d runes (size=%d overlap=%d strategy=%s)\n",
				filepath.Base(path), len(chunks), utf8.RuneCountInString(text), size, overlap, strategy)
			for i, c := range chunks {
				fmt.Fprintf(cmd.OutOrStdout(), "\n--- chunk %d (%d runes) ---\n%s\n", i, utf8.RuneCountInString(c), c)
			}
			return nil
		},
	}
	chunking.register(cmd)
	cmd.Flags().BoolVar(&asJSON, "json", false, "print chunks as JSON")
	return cmd
}

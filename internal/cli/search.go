package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tik-choco-lab/ragpipe/pkg/generation"
	"github.com/tik-choco-lab/ragpipe/pkg/ragerr"
	"github.com/tik-choco-lab/ragpipe/pkg/retrieval"
	"github.com/tik-choco-lab/ragpipe/pkg/store"
)

const snippetLen = 200

type searchFlags struct {
	topK      int
	threshold float32
	filters   []string
}

func (f *searchFlags) register(cmd *cobra.Command) {
	cmd.Flags().IntVarP(&f.topK, "top-k", "k", 0, "number of results (default from config)")
	cmd.Flags().Float32Var(&f.threshold, "threshold", 0, "minimum similarity score, 0 accepts all")
	cmd.Flags().StringArrayVarP(&f.filters, "filter", "f", nil,
		`metadata filter key=value, repeatable; quote the value to force a string`)
}

func (f *searchFlags) query(text string) (retrieval.Query, error) {
	filters, err := parseFilterFlags(f.filters)
	if err != nil {
		return retrieval.Query{}, err
	}
	return retrieval.Query{Text: text, TopK: f.topK, Threshold: f.threshold, Filters: filters}, nil
}

// parseFilterFlags turns key=value pairs into typed filter values. Numbers
// and booleans are detected unless the value is double-quoted.
func parseFilterFlags(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	filters := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, ragerr.InvalidArgument("filter %q is not key=value", pair)
		}
		filters[key] = filterValue(value)
	}
	return filters, nil
}

func filterValue(v string) any {
	if strings.HasPrefix(v, `"`) {
		if uq, err := strconv.Unquote(v); err == nil {
			return uq
		}
	}
	if n, err := strconv.ParseInt(v, 10, 64); err == nil {
		return n
	}
	if x, err := strconv.ParseFloat(v, 64); err == nil {
		return x
	}
	if v == "true" || v == "false" {
		return v == "true"
	}
	return v
}

func newSearchCommand(opts *rootOptions) *cobra.Command {
	var (
		flags  searchFlags
		asJSON bool
	)

	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Search stored segments",
		Long: `Embeds the query and returns the most similar segments. When no result
meets --threshold the best unfiltered results are shown instead.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q, err := flags.query(args[0])
			if err != nil {
				return err
			}
			return opts.withApp(cmd, func(ctx context.Context, a *app) error {
				results, err := a.retriever.Retrieve(ctx, q)
				if err != nil {
					return err
				}
				if asJSON {
					return printJSON(cmd, results)
				}
				printResults(cmd, results)
				return nil
			})
		},
	}
	flags.register(cmd)
	cmd.Flags().BoolVar(&asJSON, "json", false, "print results as JSON")
	return cmd
}

func newGenerateCommand(opts *rootOptions) *cobra.Command {
	var (
		flags       searchFlags
		temperature float32
		maxTokens   int
	)

	cmd := &cobra.Command{
		Use:   "generate <query>",
		Short: "Answer a query from retrieved context",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q, err := flags.query(args[0])
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("threshold") {
				q.Threshold = opts.cfg.Retrieval.Threshold
			}
			req := generation.Request{Query: args[0], Search: &q, MaxTokens: maxTokens}
			if cmd.Flags().Changed("temperature") {
				req.Temperature = &temperature
			}

			return opts.withApp(cmd, func(ctx context.Context, a *app) error {
				res, err := a.answerer.Answer(ctx, req)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), res.Answer)
				fmt.Fprintln(cmd.OutOrStdout())
				fmt.Fprintf(cmd.OutOrStdout(), "Sources (%d, %.2fs):\n", len(res.Sources), res.Elapsed.Seconds())
				printResults(cmd, res.Sources)
				return nil
			})
		},
	}
	flags.register(cmd)
	cmd.Flags().Float32Var(&temperature, "temperature", 0, "sampling temperature (default from config)")
	cmd.Flags().IntVar(&maxTokens, "max-tokens", 0, "completion token limit (default from config)")
	return cmd
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printResults(cmd *cobra.Command, results []store.Result) {
	if len(results) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No results found.")
		return
	}
	for i, r := range results {
		fmt.Fprintf(cmd.OutOrStdout(), "  [%d] %.3f  %s\n", i+1, r.Score, r.DocumentID)
		fmt.Fprintf(cmd.OutOrStdout(), "      %s\n", snippet(r.Text))
	}
}

func snippet(text string) string {
	text = strings.Join(strings.Fields(text), " ")
	runes := []rune(text)
	if len(runes) <= snippetLen {
		return text
	}
	return string(runes[:snippetLen]) + "..."
}

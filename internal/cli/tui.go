package cli

import (
	"context"
	"fmt"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/tik-choco-lab/ragpipe/internal/tui"
	"github.com/tik-choco-lab/ragpipe/pkg/store"
)

func newTUICommand(opts *rootOptions) *cobra.Command {
	var flags searchFlags

	cmd := &cobra.Command{
		Use:   "tui",
		Short: "Interactive search",
		Long:  `Opens a terminal UI. Enter runs a search, up and down cycle results, Esc quits.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !stdinIsTerminal() {
				return errors.New("tui needs an interactive terminal")
			}
			base, err := flags.query("")
			if err != nil {
				return err
			}
			return opts.withApp(cmd, func(_ context.Context, a *app) error {
				search := func(ctx context.Context, text string) ([]store.Result, error) {
					q := base
					q.Text = text
					return a.retriever.Retrieve(ctx, q)
				}
				topK := base.TopK
				if topK == 0 {
					topK = a.cfg.Retrieval.TopK
				}
				header := fmt.Sprintf("store %s, top_k %d", a.store.Name(), topK)

				m := tui.New(search, header, a.cfg.Retrieval.Timeout.Std())
				_, err := tea.NewProgram(m, tea.WithAltScreen()).Run()
				return err
			})
		},
	}
	flags.register(cmd)
	return cmd
}

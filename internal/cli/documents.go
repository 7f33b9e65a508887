package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func newDeleteCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <document-id>",
		Short: "Delete every segment of a document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd, func(ctx context.Context, a *app) error {
				if err := a.store.DeleteDocument(ctx, args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Deleted document %s from %s\n", args[0], a.store.Name())
				return nil
			})
		},
	}
}

func newModelsCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "models",
		Short: "List models offered by the provider",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.withApp(cmd, func(ctx context.Context, a *app) error {
				models, err := a.models.ListModels(ctx)
				if err != nil {
					return err
				}
				for _, m := range models {
					fmt.Fprintln(cmd.OutOrStdout(), m)
				}
				return nil
			})
		},
	}
}

package commands

import (
	"github.com/spf13/cobra"

	"github.com/Ramsey-B/sorrel/internal/app"
)

func newServeCommand(rt *runtime) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the optional Kafka consumer",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return app.New(rt.cfg, rt.logger).Run(cmd.Context())
		},
	}
}

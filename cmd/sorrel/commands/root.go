package commands

import (
	"context"
	"fmt"

	"github.com/Gobusters/ectologger"
	"github.com/spf13/cobra"

	"github.com/Ramsey-B/sorrel/config"
	"github.com/Ramsey-B/sorrel/internal/app"
)

// runtime is what every subcommand gets once the root has loaded config
type runtime struct {
	envFile string
	cfg     config.Config
	logger  ectologger.Logger
	flush   func()
}

// Execute runs the root command
func Execute(ctx context.Context, version, commit string) error {
	return NewRootCommand(version, commit).ExecuteContext(ctx)
}

func NewRootCommand(version, commit string) *cobra.Command {
	rt := &runtime{flush: func() {}}

	rootCmd := &cobra.Command{
		Use:   "sorrel",
		Short: "sorrel - contact identity reconciliation",
		Long: `sorrel links contact submissions that share an email address or phone
number into one identity cluster with a single primary contact.`,
		Version:       fmt.Sprintf("%s (commit: %s)", version, commit),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(rt.envFile)
			if err != nil {
				return err
			}
			logger, flush, err := app.NewLogger(cfg)
			if err != nil {
				return err
			}
			rt.cfg, rt.logger, rt.flush = cfg, logger, flush
			return nil
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			rt.flush()
		},
	}

	rootCmd.PersistentFlags().StringVar(&rt.envFile, "env-file", ".env", "optional dotenv file merged under the process environment")

	rootCmd.AddCommand(newServeCommand(rt))
	rootCmd.AddCommand(newMigrateCommand(rt))
	rootCmd.AddCommand(newIdentifyCommand(rt))

	return rootCmd
}

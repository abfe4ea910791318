package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/Ramsey-B/sorrel/config"
	"github.com/Ramsey-B/sorrel/internal/app"
	reqctx "github.com/Ramsey-B/sorrel/pkg/context"
	"github.com/Ramsey-B/sorrel/pkg/middleware"
	"github.com/Ramsey-B/sorrel/pkg/models"
	"github.com/Ramsey-B/sorrel/pkg/reconcile"
	"github.com/Ramsey-B/sorrel/pkg/utils"
)

// identifyResult is one output line: a response or the error body
type identifyResult struct {
	*models.IdentifyResponse
	Error string `json:"error,omitempty"`
}

func newIdentifyCommand(rt *runtime) *cobra.Command {
	var (
		file        string
		concurrency int
		memory      bool
	)

	cmd := &cobra.Command{
		Use:   "identify",
		Short: "Replay a batch of submissions",
		Long: `Replay a YAML or JSON list of {email, phoneNumber} submissions through the
reconciliation engine and print one JSON result per line, in input order.`,
		Example: `  # Dry run against a throwaway in-memory store
  sorrel identify --file submissions.yaml --memory

  # Replay into postgres with 8 submissions in flight
  sorrel identify --file submissions.json --concurrency 8`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			submissions, err := readSubmissions(cmd, file)
			if err != nil {
				return err
			}

			cfg := rt.cfg
			if memory {
				cfg.StoreDriver = config.StoreDriverMemory
			}

			ctx := reqctx.SetChannel(cmd.Context(), reqctx.ChannelCLI)
			store, closeStore, err := app.OpenStore(ctx, cfg, rt.logger)
			if err != nil {
				return err
			}
			defer closeStore()

			engine := reconcile.NewEngine(store, rt.logger, reconcile.WithRetryPolicy(cfg.RetryPolicy()))

			results := make([]identifyResult, len(submissions))
			g, gctx := errgroup.WithContext(ctx)
			g.SetLimit(max(concurrency, 1))
			for i, submission := range submissions {
				g.Go(func() error {
					results[i] = identifyOne(gctx, engine, submission)
					return nil
				})
			}
			if err := g.Wait(); err != nil {
				return err
			}

			failed := 0
			enc := json.NewEncoder(cmd.OutOrStdout())
			for _, result := range results {
				if result.Error != "" {
					failed++
				}
				if err := enc.Encode(result); err != nil {
					return err
				}
			}

			if failed > 0 {
				return fmt.Errorf("%d of %d submissions failed", failed, len(submissions))
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "submissions file, or - for stdin")
	cmd.Flags().IntVar(&concurrency, "concurrency", 1, "submissions reconciled in parallel")
	cmd.Flags().BoolVar(&memory, "memory", false, "use a throwaway in-memory store")
	_ = cmd.MarkFlagRequired("file")

	return cmd
}

func identifyOne(ctx context.Context, engine *reconcile.Engine, submission models.IdentifyRequest) identifyResult {
	if _, err := utils.Validate(submission); err != nil {
		return identifyResult{Error: middleware.ToHTTPError(err).Error()}
	}

	resp, err := engine.Identify(ctx, submission)
	if err != nil {
		return identifyResult{Error: middleware.ToHTTPError(err).Error()}
	}
	return identifyResult{IdentifyResponse: resp}
}

func readSubmissions(cmd *cobra.Command, file string) ([]models.IdentifyRequest, error) {
	var (
		data []byte
		err  error
	)
	if file == "-" {
		data, err = io.ReadAll(cmd.InOrStdin())
	} else {
		data, err = os.ReadFile(file)
	}
	if err != nil {
		return nil, err
	}

	// JSON is valid YAML, so one decoder covers both formats
	var submissions []models.IdentifyRequest
	if err := yaml.Unmarshal(data, &submissions); err != nil {
		return nil, fmt.Errorf("parse %s: %w", file, err)
	}
	return submissions, nil
}

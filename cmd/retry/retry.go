// Package retry provides the retry command for FetalScan
package retry

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/fetalscan/fetalscan/cmd/serve"
	"github.com/fetalscan/fetalscan/internal/conf"
)

const retryTimeout = 5 * time.Minute

// Command creates the retry command.
func Command(settings *conf.Settings) *cobra.Command {
	return &cobra.Command{
		Use:   "retry <scanID>",
		Short: "Re-run the analysis of a stored scan",
		Long:  "Retry sends the stored image of a scan whose analysis failed or never ran to its inference service and stores the report.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseUint(args[0], 10, 32)
			if err != nil || id == 0 {
				return fmt.Errorf("invalid scan ID %q", args[0])
			}
			return runRetry(cmd.Context(), settings, uint(id))
		},
	}
}

func runRetry(ctx context.Context, settings *conf.Settings, scanID uint) error {
	ctx, cancel := context.WithTimeout(ctx, retryTimeout)
	defer cancel()

	services, err := serve.NewServices(ctx, settings)
	if err != nil {
		return err
	}
	defer services.Close()

	res, err := services.Orchestrator.RetryAnalysis(ctx, scanID)
	if err != nil {
		return fmt.Errorf("retry of scan %d failed: %w", scanID, err)
	}

	out, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return err
	}
	if res.AlreadyAnalyzed {
		fmt.Printf("Scan %d was already analyzed\n", scanID)
	}
	fmt.Println(string(out))
	return nil
}

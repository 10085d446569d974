// File: cmd/run.go
package cmd

import (
	"fmt"
	"os"

	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/xkilldash9x/milstatus/api/schemas"
	"github.com/xkilldash9x/milstatus/internal/automation"
	"github.com/xkilldash9x/milstatus/internal/observability"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// newRunCmd creates and configures the `run` command.
func newRunCmd() *cobra.Command {
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Executes a single verification run",
		Long: `Drives the remote verification form for one subject, classifies the
retrieved certificate, stores the run's artifacts, and optionally POSTs
the result to a callback URL.

The request is read from a JSON file (--request) or assembled from
flags; flags override file values.`,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return viper.BindPFlags(cmd.Flags())
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()

			req, err := buildRequest(cmd)
			if err != nil {
				return err
			}

			runner, err := automation.NewRunner(cfg, logger)
			if err != nil {
				return err
			}
			defer runner.Manager().Shutdown()

			outcome, err := runner.Execute(ctx, req)
			if err != nil {
				return fmt.Errorf("run failed: %w", err)
			}

			if outcome.DeliveryErr != nil {
				logger.Warn("Result stored locally but callback delivery failed.",
					zap.Error(outcome.DeliveryErr),
				)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "run %s: determination=%s document=%s\nartifacts: %s\n",
				outcome.RunID, outcome.Result.Determination, outcome.Result.DocumentName, outcome.RunDir)
			return nil
		},
	}

	runCmd.Flags().String("request", "", "path to a JSON file holding the automation request")
	runCmd.Flags().String("ssn", "", "subject's social security number")
	runCmd.Flags().String("first-name", "", "subject's first name")
	runCmd.Flags().String("last-name", "", "subject's last name")
	runCmd.Flags().String("date-of-birth", "", "subject's date of birth (YYYY-MM-DD)")
	runCmd.Flags().String("username", "", "verification site username")
	runCmd.Flags().String("password", "", "verification site password")
	runCmd.Flags().String("correlation-id", "", "caller reference echoed back in the callback")
	runCmd.Flags().String("callback-url", "", "endpoint to POST the result to")

	return runCmd
}

// buildRequest assembles the AutomationRequest from the request file and
// flag overrides. The callback URL in a request file may appear under any
// of its historical key names.
func buildRequest(cmd *cobra.Command) (*schemas.AutomationRequest, error) {
	var req schemas.AutomationRequest

	if path, _ := cmd.Flags().GetString("request"); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read request file: %w", err)
		}
		if err := json.Unmarshal(raw, &req); err != nil {
			return nil, fmt.Errorf("failed to parse request file: %w", err)
		}
		if req.CallbackURL == "" {
			var loose map[string]interface{}
			if err := json.Unmarshal(raw, &loose); err == nil {
				req.CallbackURL = schemas.DecodeCallbackURL(loose)
			}
		}
	}

	overrides := []struct {
		flag string
		dst  *string
	}{
		{"ssn", &req.SSN},
		{"first-name", &req.FirstName},
		{"last-name", &req.LastName},
		{"date-of-birth", &req.DateOfBirth},
		{"username", &req.Credentials.Username},
		{"password", &req.Credentials.Password},
		{"correlation-id", &req.CorrelationID},
		{"callback-url", &req.CallbackURL},
	}
	for _, o := range overrides {
		if v, _ := cmd.Flags().GetString(o.flag); v != "" {
			*o.dst = v
		}
	}

	if err := req.Validate(); err != nil {
		return nil, err
	}
	return &req, nil
}

func init() {
	rootCmd.AddCommand(newRunCmd())
}

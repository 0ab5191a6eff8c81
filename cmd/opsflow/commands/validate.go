package commands

import (
	"errors"
	"fmt"
	"os"
	"os/exec"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/opsflow/pkg/config"
	"github.com/openfroyo/opsflow/pkg/policy"
	sshtransport "github.com/openfroyo/opsflow/pkg/transports/ssh"
)

// validationReport is the structured output of validate.
type validationReport struct {
	Config   string               `json:"config"`
	Valid    bool                 `json:"valid"`
	Errors   []config.FieldError  `json:"errors,omitempty"`
	Warnings []string             `json:"warnings,omitempty"`
	Policies []validationPolicyID `json:"policies,omitempty"`
}

type validationPolicyID struct {
	Name    string `json:"name"`
	Enabled bool   `json:"enabled"`
}

func newValidateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration and custom policies",
		Long: `Validate the configuration file and everything it points at.

This command checks:
  - CUE syntax and schema conformance
  - Struct constraints (required fields, ranges)
  - Custom Rego policies compile
  - The remote execution target settings, when configured
  - The code interpreter is available`,
		Example: `  # Validate ./opsflow.cue
  opsflow validate

  # Validate another file and print a JSON report
  opsflow validate -c ./prod.cue -o json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := validateOutputFormat(); err != nil {
				return err
			}
			report := runValidation(cmd)

			if outputFormat != "text" {
				if err := writeStructured(cmd.OutOrStdout(), outputFormat, report); err != nil {
					return err
				}
			} else {
				printValidation(cmd, report)
			}

			if !report.Valid {
				return fmt.Errorf("configuration is invalid")
			}
			return nil
		},
	}

	return cmd
}

func runValidation(cmd *cobra.Command) *validationReport {
	report := &validationReport{Config: configPath, Valid: true}
	if report.Config == "" {
		report.Config = config.DefaultFileName
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		report.Valid = false
		var loadErr *config.LoadError
		if errors.As(err, &loadErr) {
			report.Errors = loadErr.Errors
		} else {
			report.Errors = []config.FieldError{{Message: err.Error()}}
		}
		return report
	}
	log.Debug().Str("config", report.Config).Msg("Configuration loaded")

	engine, err := policy.NewEngine(zerolog.Nop())
	if err == nil && len(cfg.Policy.Paths) > 0 {
		err = engine.LoadPolicies(cmd.Context(), cfg.Policy.Paths)
	}
	if err != nil {
		report.Valid = false
		report.Errors = append(report.Errors, config.FieldError{Message: err.Error()})
	} else {
		for _, p := range engine.ListPolicies() {
			report.Policies = append(report.Policies, validationPolicyID{Name: p.Name, Enabled: p.Enabled})
		}
	}

	if remote := cfg.Shell.Remote; remote != nil {
		if err := remoteConfig(remote, cfg.Runner.CommandTimeout.Std()).Validate(); err != nil {
			report.Valid = false
			report.Errors = append(report.Errors, config.FieldError{Message: "shell.remote: " + err.Error()})
		}
		if remote.InsecureHostKey {
			report.Warnings = append(report.Warnings, "shell.remote.insecure_host_key accepts any host key")
		}
	} else {
		switch cfg.Code.Interpreter {
		case "python":
			if _, err := exec.LookPath(cfg.Code.PythonPath); err != nil {
				report.Warnings = append(report.Warnings, fmt.Sprintf("python interpreter %q not found; code tasks will fail", cfg.Code.PythonPath))
			}
		case "wasi":
			if _, err := os.Stat(cfg.Code.WASMModule); err != nil {
				report.Valid = false
				report.Errors = append(report.Errors, config.FieldError{Message: "code.wasm_module: " + err.Error()})
			}
		}
	}

	if cfg.LLM.APIKey == "" {
		report.Warnings = append(report.Warnings, fmt.Sprintf("no API key for llm provider %s", cfg.LLM.Provider))
	}
	if cfg.Research.Provider == "exa" && cfg.Research.APIKey == "" {
		report.Warnings = append(report.Warnings, "no EXA_API_KEY; research answers come from the model alone")
	}

	return report
}

func printValidation(cmd *cobra.Command, report *validationReport) {
	w := cmd.OutOrStdout()
	if report.Valid {
		fmt.Fprintf(w, "✓ %s is valid\n", report.Config)
	} else {
		fmt.Fprintf(w, "✗ %s is invalid\n", report.Config)
	}
	for _, e := range report.Errors {
		fmt.Fprintf(w, "  error: %s\n", e)
	}
	for _, warning := range report.Warnings {
		fmt.Fprintf(w, "  warning: %s\n", warning)
	}
	if len(report.Policies) > 0 {
		fmt.Fprintf(w, "  %d policies loaded\n", len(report.Policies))
	}
}

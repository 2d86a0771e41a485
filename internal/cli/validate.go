package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/roach88/mirage/internal/manifest"
)

// CLI error codes outside the manifest validation range.
const (
	ErrCodeManifestNotFound = "E001" // manifest file missing or unreadable
	ErrCodeCompile          = "E101" // manifest does not satisfy the schema
)

// ValidationResult holds validation results.
type ValidationResult struct {
	Valid     bool                       `json:"valid"`
	Hash      string                     `json:"hash,omitempty"`
	Domains   int                        `json:"domains"`
	Grants    int                        `json:"grants"`
	Processes int                        `json:"processes"`
	Errors    []manifest.ValidationError `json:"errors,omitempty"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <manifest.cue>",
		Short: "Validate a boot manifest without booting it",
		Long: `Compile a CUE boot manifest against the schema and check its cross
references: grant and process domains, process parents, program targets,
priority levels and table capacity.

Exit codes:
  0 - Manifest valid
  1 - Manifest invalid
  2 - Command error (missing file, etc.)`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, args[0], cmd)
		},
	}

	return cmd
}

func runValidate(opts *RootOptions, path string, cmd *cobra.Command) error {
	formatter := newFormatter(opts, cmd.OutOrStdout(), cmd.ErrOrStderr())

	if _, err := os.Stat(path); err != nil {
		return outputValidateError(formatter, ErrCodeManifestNotFound, fmt.Sprintf("manifest not found: %s", path))
	}

	formatter.VerboseLog("Compiling %s", path)
	m, err := manifest.Load(path)
	if err != nil {
		var cerr *manifest.CompileError
		if errors.As(err, &cerr) {
			return outputValidationErrors(formatter, []manifest.ValidationError{{
				Field:   cerr.Field,
				Message: cerr.Error(),
				Code:    ErrCodeCompile,
			}})
		}
		return outputValidateError(formatter, ErrCodeManifestNotFound, err.Error())
	}

	formatter.VerboseLog("Checking %d domain(s), %d grant(s), %d process(es)",
		len(m.Domains), len(m.Grants), len(m.Processes))
	if errs := manifest.Validate(m); len(errs) > 0 {
		return outputValidationErrors(formatter, errs)
	}

	return outputValidateSuccess(formatter, m)
}

// outputValidateSuccess outputs successful validation results.
func outputValidateSuccess(formatter *OutputFormatter, m *manifest.Manifest) error {
	result := ValidationResult{
		Valid:     true,
		Hash:      m.Hash,
		Domains:   len(m.Domains),
		Grants:    len(m.Grants),
		Processes: len(m.Processes),
	}
	if formatter.Format == "json" {
		return formatter.Success(result)
	}

	w := formatter.Writer
	fmt.Fprintln(w, "✓ Manifest valid")
	fmt.Fprintf(w, "  hash:      %s\n", result.Hash)
	fmt.Fprintf(w, "  domains:   %d\n", result.Domains)
	fmt.Fprintf(w, "  grants:    %d\n", result.Grants)
	fmt.Fprintf(w, "  processes: %d\n", result.Processes)
	return nil
}

// outputValidateError outputs a command-level error (exit code 2).
func outputValidateError(formatter *OutputFormatter, code, message string) error {
	_ = formatter.Error(code, message, nil)
	return NewExitError(ExitCommandError, fmt.Sprintf("%s: %s", code, message))
}

// outputValidationErrors outputs every problem found (exit code 1).
func outputValidationErrors(formatter *OutputFormatter, errs []manifest.ValidationError) error {
	failure := NewExitError(ExitFailure, fmt.Sprintf("validation failed with %d error(s)", len(errs)))

	if formatter.Format == "json" {
		if err := formatter.Response(CLIResponse{
			Status: "error",
			Data:   ValidationResult{Valid: false, Errors: errs},
			Error: &CLIError{
				Code:    errs[0].Code,
				Message: errs[0].Message,
			},
		}); err != nil {
			return err
		}
		return failure
	}

	w := formatter.Writer
	fmt.Fprintln(w, "✗ Validation failed")
	fmt.Fprintln(w)
	for _, err := range errs {
		fmt.Fprintf(w, "  %s %s: %s\n", err.Code, err.Field, err.Message)
	}
	return failure
}

package cli

import (
	"errors"

	"github.com/anvil-build/anvil/internal/config"
	"github.com/anvil-build/anvil/internal/executor"
)

// ExitCode maps an error to the process exit code: 0 for nil, the failing
// command's own exit code for execution failures, 2 for usage and
// configuration mistakes, and 1 for everything structural.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	var cmdErr *executor.CommandError
	if errors.As(err, &cmdErr) && cmdErr.ExitCode > 0 {
		return cmdErr.ExitCode
	}
	var unknownBackend *config.UnknownBackendError
	if errors.As(err, &unknownBackend) {
		return 2
	}
	return 1
}

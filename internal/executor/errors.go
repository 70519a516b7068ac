package executor

import (
	"fmt"
	"strings"

	"github.com/kballard/go-shellquote"
)

// CommandError reports a command that exited non-zero. The process's exit
// code becomes the build's exit code.
type CommandError struct {
	Action   string
	Command  []string
	ExitCode int
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("action %s: command %q exited with code %d",
		e.Action, shellquote.Join(e.Command...), e.ExitCode)
}

// IncompleteOutputsError reports an action whose commands exited zero but did
// not produce every declared output. Treated as a failure: a lying output
// declaration would poison the cache.
type IncompleteOutputsError struct {
	Action  string
	Missing []string
}

func (e *IncompleteOutputsError) Error() string {
	return fmt.Sprintf("action %s completed without producing declared outputs: %s",
		e.Action, strings.Join(e.Missing, ", "))
}

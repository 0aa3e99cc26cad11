package launcher

import "fmt"

// LaunchError reports that the agent process could not be started: the
// executable is missing, the working directory is invalid, or the shell
// wrapper could not exec the agent.
type LaunchError struct {
	Op   string // "workdir", "lookup", "pipe", "start", "exec"
	Path string
	Err  error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("launch error: %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *LaunchError) Unwrap() error {
	return e.Err
}

// EscapeError reports a prompt character that cannot be passed to the agent.
type EscapeError struct {
	Char   rune
	Offset int
}

func (e *EscapeError) Error() string {
	return fmt.Sprintf("escape error: control character %U at offset %d", e.Char, e.Offset)
}

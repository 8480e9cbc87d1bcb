package models

// CommandResult holds the result of a one-shot remote command.
type CommandResult struct {
	ExitCode  int
	Lines     []string
	ErrorText string // captured stderr, if any
}

// LastLine returns the final output line, or "" when there is none.
func (r *CommandResult) LastLine() string {
	if r == nil || len(r.Lines) == 0 {
		return ""
	}
	return r.Lines[len(r.Lines)-1]
}

// ShellOutput holds the text captured from the interactive shell for one call.
type ShellOutput struct {
	Text     string
	ExitCode int // exit status of the last command written in the call
}

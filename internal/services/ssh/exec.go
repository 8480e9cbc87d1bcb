package ssh

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/fgeck/kmscheck/internal/models"
	"golang.org/x/crypto/ssh"
)

// maxLineSize bounds a single output line of a one-shot command.
const maxLineSize = 1 << 20

// Exec implements Session. Every call is an independent remote process: no
// working directory or exported variables carry over from earlier calls.
func (r *RemoteSession) Exec(ctx context.Context, commands ...string) (*models.CommandResult, error) {
	command := strings.Join(commands, "; ")
	r.logger.Info().Str("command", command).Msg("exec command")

	sess, err := r.client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	defer func() { _ = sess.Close() }()

	stdout, err := sess.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdout: %w", err)
	}
	var stderr bytes.Buffer
	sess.Stderr = &stderr

	if err := sess.Start(command); err != nil {
		return nil, fmt.Errorf("failed to start %q: %w", command, err)
	}

	type outcome struct {
		lines   []string
		scanErr error
		waitErr error
	}
	done := make(chan outcome, 1)

	go func() {
		var o outcome
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
		for scanner.Scan() {
			o.lines = append(o.lines, scanner.Text())
		}
		o.scanErr = scanner.Err()
		// Wait returns once the exit status arrived and stderr was copied.
		o.waitErr = sess.Wait()
		done <- o
	}()

	var o outcome
	select {
	case o = <-done:
	case <-ctx.Done():
		_ = sess.Close()
		<-done
		return nil, ctx.Err()
	}

	if o.scanErr != nil {
		return nil, fmt.Errorf("reading output of %q: %w", command, o.scanErr)
	}

	result := &models.CommandResult{
		Lines:     o.lines,
		ErrorText: stderr.String(),
	}

	var exitErr *ssh.ExitError
	var missingErr *ssh.ExitMissingError
	switch {
	case o.waitErr == nil:
		result.ExitCode = 0
	case errors.As(o.waitErr, &exitErr):
		result.ExitCode = exitErr.ExitStatus()
	case errors.As(o.waitErr, &missingErr):
		result.ExitCode = -1
	default:
		return nil, fmt.Errorf("waiting for %q: %w", command, o.waitErr)
	}

	// Never hand back an empty result when the command printed an error.
	if len(result.Lines) == 0 && result.ErrorText != "" {
		result.Lines = append(result.Lines, strings.TrimRight(result.ErrorText, "\n"))
	}

	for _, line := range result.Lines {
		r.logger.Debug().Str("line", line).Msg("exec output")
	}
	r.logger.Debug().Int("exit_code", result.ExitCode).Msg("exec finished")

	return result, nil
}

package ssh

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/fgeck/kmscheck/internal/models"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"
)

// shell is the long-lived interactive channel. Completion of each call is
// detected by a unique marker echoed after the commands, followed by $?.
type shell struct {
	sess  *ssh.Session
	stdin io.WriteCloser
	pw    *io.PipeWriter
	lines chan string
	done  chan struct{}

	nonce string
	seq   int

	// pending is the marker of the last call that gave up before its
	// output was complete.
	pending string
}

func openShell(client Client, logger zerolog.Logger) (*shell, error) {
	sess, err := client.NewSession()
	if err != nil {
		return nil, err
	}

	// stdout and stderr share one stream, like a terminal.
	pr, pw := io.Pipe()
	sess.Stdout = pw
	sess.Stderr = pw

	stdin, err := sess.StdinPipe()
	if err != nil {
		_ = pw.Close()
		_ = sess.Close()
		return nil, err
	}

	modes := ssh.TerminalModes{
		ssh.ECHO:          0,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	if err := sess.RequestPty("dumb", 40, 512, modes); err != nil {
		_ = pw.Close()
		_ = sess.Close()
		return nil, fmt.Errorf("request pty: %w", err)
	}
	if err := sess.Shell(); err != nil {
		_ = pw.Close()
		_ = sess.Close()
		return nil, fmt.Errorf("start shell: %w", err)
	}

	sh := &shell{
		sess:  sess,
		stdin: stdin,
		pw:    pw,
		lines: make(chan string, 1024),
		done:  make(chan struct{}),
		nonce: strings.ReplaceAll(uuid.NewString(), "-", "")[:12],
	}
	go sh.pump(pr, logger)
	return sh, nil
}

// pump forwards complete lines from the shell stream until it ends.
func (sh *shell) pump(r io.Reader, logger zerolog.Logger) {
	defer close(sh.lines)
	br := bufio.NewReader(r)
	for {
		line, err := br.ReadString('\n')
		if line != "" {
			select {
			case sh.lines <- strings.TrimRight(line, "\r\n"):
			case <-sh.done:
				return
			}
		}
		if err != nil {
			if err != io.EOF {
				logger.Debug().Err(err).Msg("shell stream closed")
			}
			return
		}
	}
}

func (sh *shell) nextMarker() string {
	sh.seq++
	return fmt.Sprintf("__KMSCHECK_%s_%d__", sh.nonce, sh.seq)
}

func (sh *shell) run(ctx context.Context, timeout time.Duration, commands ...string) (*models.ShellOutput, error) {
	marker := sh.nextMarker()

	var script strings.Builder
	for _, c := range commands {
		script.WriteString(c)
		script.WriteByte('\n')
	}
	fmt.Fprintf(&script, "echo %s $?\n", marker)

	if _, err := io.WriteString(sh.stdin, script.String()); err != nil {
		return nil, fmt.Errorf("write to shell: %w", err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var out strings.Builder
	for {
		select {
		case line, ok := <-sh.lines:
			if !ok {
				return nil, fmt.Errorf("shell closed before %q completed: %w", strings.Join(commands, "; "), io.ErrUnexpectedEOF)
			}
			if sh.pending != "" {
				// output of an abandoned call
				if _, _, found := matchMarker(line, sh.pending); found {
					sh.pending = ""
				}
				continue
			}
			if before, code, found := matchMarker(line, marker); found {
				out.WriteString(before)
				return &models.ShellOutput{Text: out.String(), ExitCode: code}, nil
			}
			out.WriteString(line)
			out.WriteByte('\n')
		case <-timer.C:
			sh.pending = marker
			return nil, &TimeoutError{Commands: commands, Timeout: timeout, Partial: out.String()}
		case <-ctx.Done():
			sh.pending = marker
			return nil, ctx.Err()
		}
	}
}

// matchMarker finds "<marker> <code>" in line. An echoed "<marker> $?" does not match.
func matchMarker(line, marker string) (string, int, bool) {
	idx := strings.Index(line, marker+" ")
	if idx < 0 {
		return "", 0, false
	}
	code, err := strconv.Atoi(strings.TrimSpace(line[idx+len(marker)+1:]))
	if err != nil {
		return "", 0, false
	}
	return line[:idx], code, true
}

func (sh *shell) close() error {
	close(sh.done)
	_, _ = io.WriteString(sh.stdin, "exit\n")
	_ = sh.stdin.Close()
	err := sh.sess.Close()
	_ = sh.pw.Close()
	if err == io.EOF {
		return nil
	}
	return err
}

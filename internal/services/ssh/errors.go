package ssh

import (
	"fmt"
	"strings"
	"time"
)

// AuthConfigurationError reports a server entry without usable credentials.
type AuthConfigurationError struct {
	Host string
	Err  error
}

func (e *AuthConfigurationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("ssh auth configuration for %s: %v", e.Host, e.Err)
	}
	return fmt.Sprintf("ssh auth configuration for %s: the 'password' or 'identity_file' property must be defined", e.Host)
}

func (e *AuthConfigurationError) Unwrap() error { return e.Err }

// ConnectionError reports a failure to establish the transport or the interactive channel.
type ConnectionError struct {
	Addr string
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("ssh connection to %s: %v", e.Addr, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// TimeoutError is returned when the interactive shell does not print the
// completion marker in time. Partial holds whatever output arrived.
type TimeoutError struct {
	Commands []string
	Timeout  time.Duration
	Partial  string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("shell command %q did not complete within %s", strings.Join(e.Commands, "; "), e.Timeout)
}

// Package remote abstracts command execution over a host boundary. Every
// component that touches a source or destination host depends on Executor,
// never on transport details, so local runs and SSH runs are interchangeable.
package remote

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmagar/transdock/pkg/shell"
)

// ErrUnreachable marks a shell transport failure: connection refused,
// timeout, DNS failure. Timeouts are never reported as success.
var ErrUnreachable = errors.New("host unreachable")

// ErrPermission marks rejected credentials or insufficient privilege.
var ErrPermission = errors.New("permission denied")

// Credentials are resolved from a host reference; raw credentials never
// travel inside requests.
type Credentials struct {
	User    string
	Port    int
	KeyPath string
}

// CredentialResolver maps a host reference to shell credentials.
type CredentialResolver interface {
	Resolve(hostRef string) (Credentials, error)
}

// StaticResolver serves the configured defaults for every host.
type StaticResolver struct {
	Defaults Credentials
}

func (r StaticResolver) Resolve(string) (Credentials, error) {
	c := r.Defaults
	if c.User == "" {
		c.User = "root"
	}
	if c.Port == 0 {
		c.Port = 22
	}
	return c, nil
}

// Executor runs commands on one host.
type Executor interface {
	// Run executes argv under a hard timeout.
	Run(ctx context.Context, timeout time.Duration, name string, args ...string) (shell.Result, error)
	// Script executes a raw shell line (pipes allowed) under a hard timeout.
	Script(ctx context.Context, timeout time.Duration, script string) (shell.Result, error)
	// Host returns the host reference, empty for the local host.
	Host() string
}

// Local executes on this machine.
type Local struct{}

func (Local) Host() string { return "" }

func (Local) Run(ctx context.Context, timeout time.Duration, name string, args ...string) (shell.Result, error) {
	return shell.Run(ctx, timeout, name, args...)
}

func (Local) Script(ctx context.Context, timeout time.Duration, script string) (shell.Result, error) {
	return shell.Run(ctx, timeout, "sh", "-c", script)
}

// SSH executes over an OpenSSH client in batch mode.
type SSH struct {
	HostRef string
	Creds   Credentials
}

func NewSSH(hostRef string, resolver CredentialResolver) (*SSH, error) {
	creds, err := resolver.Resolve(hostRef)
	if err != nil {
		return nil, fmt.Errorf("resolve credentials for %s: %w", hostRef, err)
	}
	return &SSH{HostRef: hostRef, Creds: creds}, nil
}

func (e *SSH) Host() string { return e.HostRef }

// BaseArgs returns the ssh argv prefix up to and including user@host.
func (e *SSH) BaseArgs() []string {
	args := []string{
		"-o", "BatchMode=yes",
		"-o", "ConnectTimeout=10",
		"-o", "StrictHostKeyChecking=accept-new",
		"-p", fmt.Sprintf("%d", e.Creds.Port),
	}
	if e.Creds.KeyPath != "" {
		args = append(args, "-i", e.Creds.KeyPath)
	}
	return append(args, fmt.Sprintf("%s@%s", e.Creds.User, e.HostRef))
}

func (e *SSH) Run(ctx context.Context, timeout time.Duration, name string, args ...string) (shell.Result, error) {
	quoted := make([]string, 0, len(args)+1)
	quoted = append(quoted, Quote(name))
	for _, a := range args {
		quoted = append(quoted, Quote(a))
	}
	return e.Script(ctx, timeout, strings.Join(quoted, " "))
}

func (e *SSH) Script(ctx context.Context, timeout time.Duration, script string) (shell.Result, error) {
	argv := append(e.BaseArgs(), script)
	res, err := shell.Run(ctx, timeout, "ssh", argv...)
	return res, classify(res, err)
}

// classify maps ssh client failures onto the transport error taxonomy.
// OpenSSH exits 255 for connection-level failures; the remote command's own
// exit code is anything else.
func classify(res shell.Result, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, shell.ErrTimeout) {
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	stderr := strings.ToLower(string(res.Stderr))
	switch {
	case res.Code == 255 && strings.Contains(stderr, "permission denied"):
		return fmt.Errorf("%w: %s", ErrPermission, firstLine(stderr))
	case res.Code == 255:
		return fmt.Errorf("%w: %s", ErrUnreachable, firstLine(stderr))
	}
	return err
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// Quote wraps s in single quotes, escaping embedded quotes, so it survives
// the remote shell unmodified.
func Quote(s string) string {
	if s == "" {
		return "''"
	}
	if !strings.ContainsAny(s, " \t\n\"'`$\\|&;<>()*?[]{}!#~=%") {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

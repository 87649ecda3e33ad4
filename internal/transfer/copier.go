package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/jmagar/transdock/internal/remote"
	"github.com/jmagar/transdock/pkg/shell"
)

// copier is the destination-side file surface for file-sync transfers. The
// local implementation writes directly; the ssh implementation shells out,
// with rsync carrying the file bytes.
type copier interface {
	copyFile(ctx context.Context, src, dst string, perm fs.FileMode) (int64, error)
	mkdirAll(ctx context.Context, path string) error
	rename(ctx context.Context, oldPath, newPath string) error
	exists(ctx context.Context, path string) (bool, error)
	removeAll(ctx context.Context, path string) error
	writable(ctx context.Context, dir string) error
}

type localCopier struct{}

func (localCopier) copyFile(ctx context.Context, src, dst string, perm fs.FileMode) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	in, err := os.Open(src)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrSourceRead, err)
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return 0, classifyLocal(err)
	}
	n, err := io.Copy(out, in)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return n, classifyLocal(err)
	}
	return n, nil
}

func (localCopier) mkdirAll(_ context.Context, path string) error {
	return classifyLocal(os.MkdirAll(path, 0o755))
}

func (localCopier) rename(_ context.Context, oldPath, newPath string) error {
	return classifyLocal(os.Rename(oldPath, newPath))
}

func (localCopier) exists(_ context.Context, path string) (bool, error) {
	_, err := os.Lstat(path)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

func (localCopier) removeAll(_ context.Context, path string) error {
	return os.RemoveAll(path)
}

func (localCopier) writable(_ context.Context, dir string) error {
	f, err := os.CreateTemp(dir, ".transfer-probe-*")
	if err != nil {
		return classifyLocal(err)
	}
	name := f.Name()
	f.Close()
	return os.Remove(name)
}

func classifyLocal(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, syscall.ENOSPC) {
		return fmt.Errorf("%w: %v", ErrDestinationFull, err)
	}
	return err
}

const sshOpTimeout = 30 * time.Second

// sshCopier drives the destination over an SSH executor and carries file
// bytes with rsync.
type sshCopier struct {
	dst *remote.SSH
}

func (c sshCopier) rsyncArgs() []string {
	base := c.dst.BaseArgs()
	// Everything but the trailing user@host becomes the rsync ssh command.
	opts := base[:len(base)-1]
	return []string{"-a", "--inplace", "-e", "ssh " + strings.Join(opts, " ")}
}

func (c sshCopier) copyFile(ctx context.Context, src, dst string, _ fs.FileMode) (int64, error) {
	info, err := os.Stat(src)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrSourceRead, err)
	}
	args := append(c.rsyncArgs(), src, fmt.Sprintf("%s@%s:%s", c.dst.Creds.User, c.dst.HostRef, dst))
	res, runErr := shell.Run(ctx, 30*time.Minute, "rsync", args...)
	if runErr != nil {
		return 0, classifyRsync(res, runErr)
	}
	return info.Size(), nil
}

func (c sshCopier) mkdirAll(ctx context.Context, path string) error {
	_, err := c.dst.Run(ctx, sshOpTimeout, "mkdir", "-p", path)
	return err
}

func (c sshCopier) rename(ctx context.Context, oldPath, newPath string) error {
	_, err := c.dst.Run(ctx, sshOpTimeout, "mv", "-T", oldPath, newPath)
	return err
}

func (c sshCopier) exists(ctx context.Context, path string) (bool, error) {
	res, err := c.dst.Run(ctx, sshOpTimeout, "test", "-e", path)
	if err == nil {
		return true, nil
	}
	if res.Code == 1 {
		return false, nil
	}
	return false, err
}

func (c sshCopier) removeAll(ctx context.Context, path string) error {
	_, err := c.dst.Run(ctx, sshOpTimeout, "rm", "-rf", "--", path)
	return err
}

func (c sshCopier) writable(ctx context.Context, dir string) error {
	probe := filepath.Join(dir, ".transfer-probe")
	if _, err := c.dst.Script(ctx, sshOpTimeout,
		fmt.Sprintf("touch %s && rm -f %s", remote.Quote(probe), remote.Quote(probe))); err != nil {
		return err
	}
	return nil
}

// classifyRsync maps rsync failures onto the error taxonomy. Exit 11 is a
// destination file I/O error, which in practice means a full disk; 23/24
// are partial-source problems; everything else is assumed transient.
func classifyRsync(res shell.Result, err error) error {
	stderr := strings.ToLower(string(res.Stderr))
	switch {
	case strings.Contains(stderr, "no space left"):
		return fmt.Errorf("%w: %s", ErrDestinationFull, firstLine(stderr))
	case res.Code == 11:
		return fmt.Errorf("%w: rsync: %s", ErrDestinationFull, firstLine(stderr))
	case res.Code == 23 || res.Code == 24:
		return fmt.Errorf("%w: rsync: %s", ErrSourceRead, firstLine(stderr))
	}
	return fmt.Errorf("rsync: %w: %s", err, firstLine(stderr))
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

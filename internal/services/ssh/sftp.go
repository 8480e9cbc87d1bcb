package ssh

import (
	"context"
	"fmt"
	"os"
	"path"

	"github.com/google/uuid"
	"github.com/pkg/sftp"
)

// WriteFile implements Session. The content is uploaded to a temporary file
// next to path and renamed into place, so readers never see a partial file.
// The login user must be able to write to the directory of path.
func (r *RemoteSession) WriteFile(ctx context.Context, remotePath string, content []byte, mode os.FileMode) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	sess, err := r.client.NewSession()
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	defer func() { _ = sess.Close() }()

	w, err := sess.StdinPipe()
	if err != nil {
		return fmt.Errorf("failed to open sftp stdin: %w", err)
	}
	rd, err := sess.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to open sftp stdout: %w", err)
	}
	if err := sess.RequestSubsystem("sftp"); err != nil {
		return fmt.Errorf("failed to start sftp subsystem: %w", err)
	}

	client, err := sftp.NewClientPipe(rd, w)
	if err != nil {
		return fmt.Errorf("failed to create sftp client: %w", err)
	}
	defer func() { _ = client.Close() }()

	r.logger.Info().Str("path", remotePath).Int("bytes", len(content)).Msg("uploading file")

	tmpPath := path.Join(path.Dir(remotePath), fmt.Sprintf(".%s.kmscheck-%s", path.Base(remotePath), uuid.NewString()))
	f, err := client.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		return fmt.Errorf("failed to create temporary file on remote: %w", err)
	}
	if _, err := f.Write(content); err != nil {
		_ = f.Close()
		_ = client.Remove(tmpPath)
		return fmt.Errorf("failed to write to temporary file on remote: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = client.Remove(tmpPath)
		return fmt.Errorf("failed to close temporary file on remote: %w", err)
	}

	if err := client.Chmod(tmpPath, mode); err != nil {
		_ = client.Remove(tmpPath)
		return fmt.Errorf("failed to chmod temporary file: %w", err)
	}

	if err := client.PosixRename(tmpPath, remotePath); err != nil {
		_ = client.Remove(tmpPath)
		return fmt.Errorf("failed to rename %s into place: %w", remotePath, err)
	}

	return nil
}

package ssh

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
	"time"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog/log"
)

// UploadContent writes content to remotePath via SFTP, replacing any existing
// file. The returned checksum is the SHA-256 of content.
func (c *SSHClient) UploadContent(ctx context.Context, content []byte, remotePath string, mode uint32) (*FileTransferResult, error) {
	startTime := time.Now()

	log.Debug().
		Str("remote", remotePath).
		Int("bytes", len(content)).
		Msg("uploading content")

	sftpClient, err := c.createSFTPClient()
	if err != nil {
		return nil, err
	}
	defer sftpClient.Close()

	if dir := path.Dir(remotePath); dir != "." && dir != "/" {
		if err := sftpClient.MkdirAll(dir); err != nil {
			return nil, &TransportError{
				Op:  "upload",
				Err: fmt.Errorf("failed to create remote directory: %w", err),
			}
		}
	}

	remoteFile, err := sftpClient.Create(remotePath)
	if err != nil {
		return nil, &TransportError{
			Op:          "upload",
			Err:         fmt.Errorf("failed to create remote file: %w", err),
			IsTemporary: true,
		}
	}

	written, err := copyWithContext(ctx, remoteFile, bytes.NewReader(content))
	if closeErr := remoteFile.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return nil, &TransportError{
			Op:          "upload",
			Err:         fmt.Errorf("failed to write remote file: %w", err),
			IsTemporary: true,
		}
	}

	if mode > 0 {
		if err := sftpClient.Chmod(remotePath, os.FileMode(mode)); err != nil {
			log.Warn().Err(err).Str("remote", remotePath).Msg("failed to set file permissions")
		}
	}

	finishedAt := time.Now()
	result := &FileTransferResult{
		BytesTransferred: written,
		Checksum:         Checksum(content),
		StartedAt:        startTime,
		FinishedAt:       finishedAt,
		Duration:         finishedAt.Sub(startTime),
	}

	log.Debug().
		Str("remote", remotePath).
		Int64("bytes", written).
		Dur("duration", result.Duration).
		Msg("content uploaded")

	return result, nil
}

// ComputeChecksum calculates the SHA-256 of a remote file with sha256sum.
func (c *SSHClient) ComputeChecksum(ctx context.Context, remotePath string) (string, error) {
	stdout, stderr, err := c.ExecuteCommand(ctx, "sha256sum "+ShellQuote(remotePath))
	if err != nil {
		return "", &TransportError{
			Op:  "checksum",
			Err: fmt.Errorf("failed to compute checksum: %s: %w", stderr, err),
		}
	}

	sum, err := ParseChecksum(stdout)
	if err != nil {
		return "", &TransportError{Op: "checksum", Err: err}
	}
	return sum, nil
}

// createSFTPClient creates a new SFTP client.
func (c *SSHClient) createSFTPClient() (*sftp.Client, error) {
	sshClient, err := c.getClient()
	if err != nil {
		return nil, err
	}

	sftpClient, err := sftp.NewClient(sshClient)
	if err != nil {
		return nil, &TransportError{
			Op:          "sftp-init",
			Err:         fmt.Errorf("failed to create SFTP client: %w", err),
			IsTemporary: true,
		}
	}

	return sftpClient, nil
}

// Checksum returns the hex SHA-256 of content.
func Checksum(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// ParseChecksum extracts the digest from sha256sum output ("digest  filename").
func ParseChecksum(output string) (string, error) {
	for _, line := range strings.Split(output, "\n") {
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		if len(fields[0]) == sha256.Size*2 {
			if _, err := hex.DecodeString(fields[0]); err == nil {
				return strings.ToLower(fields[0]), nil
			}
		}
	}
	return "", fmt.Errorf("invalid checksum output: %q", output)
}

// ShellQuote quotes s for a POSIX shell.
func ShellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// copyWithContext copies data from src to dst while respecting context cancellation.
func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	buf := make([]byte, 32*1024)
	var written int64

	for {
		select {
		case <-ctx.Done():
			return written, ctx.Err()
		default:
		}

		nr, err := src.Read(buf)
		if nr > 0 {
			nw, werr := dst.Write(buf[0:nr])
			if nw > 0 {
				written += int64(nw)
			}
			if werr != nil {
				return written, werr
			}
			if nr != nw {
				return written, io.ErrShortWrite
			}
		}
		if err != nil {
			if err == io.EOF {
				break
			}
			return written, err
		}
	}

	return written, nil
}

// Package ssh provides the SSH transport used to manage line-oriented devices:
// one-shot command execution, prompt-driven interactive shells and SFTP
// staging of configuration files.
package ssh

import (
	"context"
	"time"
)

// Transport is the connection a shell driver holds for one deployment.
type Transport interface {
	// Connect establishes an SSH connection to the remote host.
	// Returns an error if connection fails or authentication is rejected.
	Connect(ctx context.Context) error

	// Disconnect closes the SSH connection and releases all resources.
	Disconnect() error

	// OpenShell starts an interactive login shell and waits for the first prompt.
	OpenShell(ctx context.Context) (*Shell, error)

	// UploadContent writes content to remotePath via SFTP, replacing any
	// existing file.
	UploadContent(ctx context.Context, content []byte, remotePath string, mode uint32) (*FileTransferResult, error)

	// ComputeChecksum returns the SHA-256 of a remote file.
	ComputeChecksum(ctx context.Context, remotePath string) (string, error)

	// GetConnectionInfo returns information about the current connection.
	GetConnectionInfo() ConnectionInfo
}

// ConnectionInfo contains details about an active SSH connection.
type ConnectionInfo struct {
	Host         string
	Port         int
	User         string
	ConnectedAt  time.Time
	LastActivity time.Time
}

// FileTransferResult represents the result of a file transfer operation.
type FileTransferResult struct {
	// BytesTransferred is the number of bytes transferred
	BytesTransferred int64

	// Checksum is the SHA256 checksum of the transferred content
	Checksum string

	StartedAt  time.Time
	FinishedAt time.Time
	Duration   time.Duration
}

// TransportError represents an error from the transport layer.
type TransportError struct {
	// Op is the operation that failed (e.g., "connect", "exec", "shell")
	Op string

	// Err is the underlying error
	Err error

	// IsTemporary indicates if the error is temporary and can be retried
	IsTemporary bool

	// IsAuthError indicates if the error is related to authentication
	IsAuthError bool
}

func (e *TransportError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

func (e *TransportError) Temporary() bool {
	return e.IsTemporary
}

package drivers

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/openfroyo/netsync/pkg/engine"
	sshtransport "github.com/openfroyo/netsync/pkg/transports/ssh"
)

// sshShellSession is a ShellSession backed by an SSH connection. It also
// implements Uploader over SFTP on the same connection.
type sshShellSession struct {
	client sshtransport.Transport
	shell  *sshtransport.Shell
}

func (s *sshShellSession) Run(ctx context.Context, cmd string) (string, error) {
	return s.shell.Run(ctx, cmd)
}

func (s *sshShellSession) Upload(ctx context.Context, content []byte, remotePath string) error {
	_, err := s.client.UploadContent(ctx, content, remotePath, 0644)
	return err
}

// Checksum hashes remotePath in a separate exec session so the interactive
// shell stays in whatever mode it is in.
func (s *sshShellSession) Checksum(ctx context.Context, remotePath string) (string, error) {
	return s.client.ComputeChecksum(ctx, remotePath)
}

func (s *sshShellSession) Close() error {
	info := s.client.GetConnectionInfo()
	shellErr := s.shell.Close()
	if err := s.client.Disconnect(); err != nil {
		return err
	}
	log.Debug().
		Str("host", info.Host).
		Dur("connected", time.Since(info.ConnectedAt)).
		Msg("Shell session closed")
	return shellErr
}

// NewSSHDialer returns a dialer opening an interactive SSH shell with the
// device credentials.
func NewSSHDialer(opts Options) ShellDialer {
	return ShellDialerFunc(func(ctx context.Context, device engine.DeviceIdentity) (ShellSession, error) {
		conn := device.Connection
		if conn == nil {
			return nil, fmt.Errorf("device %s has no connection attributes", device.Name)
		}

		cfg := sshtransport.DefaultConfig(conn.Host, conn.Credentials.Username)
		cfg.Port = firstPositive(conn.Port, opts.SSHPort, 22)
		cfg.Password = conn.Credentials.Password
		cfg.KnownHostsPath = opts.KnownHostsPath
		cfg.EchoesInput = opts.ShellEcho
		if opts.Timeout > 0 {
			cfg.ConnectionTimeout = opts.Timeout
			cfg.CommandTimeout = opts.Timeout
		}

		client, err := sshtransport.NewSSHClient(cfg)
		if err != nil {
			return nil, err
		}

		session, err := openShellSession(ctx, client)
		if err != nil {
			return nil, err
		}
		return session, nil
	})
}

func openShellSession(ctx context.Context, client sshtransport.Transport) (*sshShellSession, error) {
	if err := client.Connect(ctx); err != nil {
		return nil, err
	}

	shell, err := client.OpenShell(ctx)
	if err != nil {
		_ = client.Disconnect()
		return nil, err
	}

	info := client.GetConnectionInfo()
	log.Debug().
		Str("host", info.Host).
		Int("port", info.Port).
		Str("user", info.User).
		Msg("Shell session opened")

	return &sshShellSession{client: client, shell: shell}, nil
}

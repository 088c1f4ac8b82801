package ssh

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"
)

var (
	// ansiEscape matches terminal control sequences emitted by login shells.
	ansiEscape = regexp.MustCompile(`\x1b\[[0-9;?]*[A-Za-z]`)

	// continuation matches secondary prompts printed while a heredoc is read.
	continuation = regexp.MustCompile(`^(?:> )+`)
)

// Shell is a prompt-driven interactive session. Run writes one command and
// returns the output printed before the next prompt. Commands are serialized.
type Shell struct {
	stdin    io.WriteCloser
	chunks   chan []byte
	done     chan struct{}
	readDone chan struct{}
	readErr  error
	prompt   *regexp.Regexp
	timeout  time.Duration
	echo     bool
	buf      bytes.Buffer

	mu        sync.Mutex
	closeOnce sync.Once
	closer    func() error
}

// ShellOption configures a Shell.
type ShellOption func(*Shell)

// WithEcho declares that the device echoes every input line. The echo is then
// removed from command output; without it output is returned as printed.
func WithEcho(echo bool) ShellOption {
	return func(s *Shell) {
		s.echo = echo
	}
}

// OpenShell starts an interactive login shell on a pseudo-terminal and waits
// for the first prompt.
func (c *SSHClient) OpenShell(ctx context.Context) (*Shell, error) {
	prompt, err := c.config.Prompt()
	if err != nil {
		return nil, &TransportError{Op: "shell", Err: err}
	}

	sshClient, err := c.getClient()
	if err != nil {
		return nil, err
	}

	session, err := sshClient.NewSession()
	if err != nil {
		return nil, &TransportError{
			Op:          "shell",
			Err:         fmt.Errorf("failed to create session: %w", err),
			IsTemporary: true,
		}
	}

	stdin, err := session.StdinPipe()
	if err != nil {
		session.Close()
		return nil, &TransportError{Op: "shell", Err: fmt.Errorf("failed to create stdin pipe: %w", err)}
	}

	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		return nil, &TransportError{Op: "shell", Err: fmt.Errorf("failed to create stdout pipe: %w", err)}
	}

	var echoMode uint32
	if c.config.EchoesInput {
		echoMode = 1
	}

	// Wide terminal so echoed commands are not wrapped.
	if err := session.RequestPty("vt100", 200, 1024, ssh.TerminalModes{
		ssh.ECHO:          echoMode,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}); err != nil {
		session.Close()
		return nil, &TransportError{
			Op:          "shell",
			Err:         fmt.Errorf("failed to request pseudo-terminal: %w", err),
			IsTemporary: true,
		}
	}

	if err := session.Shell(); err != nil {
		session.Close()
		return nil, &TransportError{
			Op:          "shell",
			Err:         fmt.Errorf("failed to start shell: %w", err),
			IsTemporary: true,
		}
	}

	sh := NewShell(stdin, stdout, prompt, c.config.CommandTimeout, session.Close, WithEcho(c.config.EchoesInput))
	if _, err := sh.readUntilPrompt(ctx); err != nil {
		_ = sh.Close()
		return nil, err
	}

	log.Debug().Str("host", c.config.Host).Msg("interactive shell ready")
	return sh, nil
}

// NewShell wraps an already started interactive session. closer is called by
// Close after stdin has been closed.
func NewShell(stdin io.WriteCloser, stdout io.Reader, prompt *regexp.Regexp, timeout time.Duration, closer func() error, opts ...ShellOption) *Shell {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}

	s := &Shell{
		stdin:    stdin,
		chunks:   make(chan []byte, 64),
		done:     make(chan struct{}),
		readDone: make(chan struct{}),
		prompt:   prompt,
		timeout:  timeout,
		closer:   closer,
	}
	for _, opt := range opts {
		opt(s)
	}
	go s.readLoop(stdout)
	return s
}

func (s *Shell) readLoop(r io.Reader) {
	defer close(s.readDone)

	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			select {
			case s.chunks <- chunk:
			case <-s.done:
				return
			}
		}
		if err != nil {
			s.readErr = err
			close(s.chunks)
			return
		}
	}
}

// Run writes cmd followed by a newline and returns the output printed before
// the next prompt, without the prompt line. The command echo is removed when
// the shell was created WithEcho.
func (s *Shell) Run(ctx context.Context, cmd string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := io.WriteString(s.stdin, cmd+"\n"); err != nil {
		return "", &TransportError{
			Op:  "shell-write",
			Err: err,
		}
	}

	raw, err := s.readUntilPrompt(ctx)
	if err != nil {
		return raw, err
	}

	if s.echo {
		return stripEcho(raw, cmd, s.prompt), nil
	}
	return strings.Trim(continuation.ReplaceAllString(raw, ""), "\n"), nil
}

// readUntilPrompt accumulates output until its last line matches the prompt.
func (s *Shell) readUntilPrompt(ctx context.Context) (string, error) {
	timer := time.NewTimer(s.timeout)
	defer timer.Stop()

	for {
		if out, ok := s.takeIfPrompt(); ok {
			return out, nil
		}

		select {
		case chunk, ok := <-s.chunks:
			if !ok {
				err := s.readErr
				if err == nil {
					err = io.EOF
				}
				out := normalize(s.buf.String())
				s.buf.Reset()
				return out, &TransportError{
					Op:  "shell-read",
					Err: fmt.Errorf("session closed before prompt: %w", err),
				}
			}
			s.buf.Write(chunk)

		case <-ctx.Done():
			return "", &TransportError{
				Op:          "shell-read",
				Err:         ctx.Err(),
				IsTemporary: true,
			}

		case <-s.done:
			return "", &TransportError{
				Op:  "shell-read",
				Err: fmt.Errorf("shell closed"),
			}

		case <-timer.C:
			return "", &TransportError{
				Op:          "shell-read",
				Err:         fmt.Errorf("timed out after %s waiting for prompt", s.timeout),
				IsTemporary: true,
			}
		}
	}
}

// takeIfPrompt returns and clears the buffered output when it ends with a prompt.
func (s *Shell) takeIfPrompt() (string, bool) {
	if s.buf.Len() == 0 {
		return "", false
	}

	text := normalize(s.buf.String())
	lastNL := strings.LastIndexByte(text, '\n')
	last := continuation.ReplaceAllString(text[lastNL+1:], "")
	if !s.prompt.MatchString(last) {
		return "", false
	}

	s.buf.Reset()
	if lastNL < 0 {
		return "", true
	}
	return text[:lastNL], true
}

// Close ends the session.
func (s *Shell) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		_ = s.stdin.Close()
		if s.closer != nil {
			err = s.closer()
		}
	})
	return err
}

func normalize(s string) string {
	s = ansiEscape.ReplaceAllString(s, "")
	return strings.ReplaceAll(s, "\r", "")
}

// stripEcho removes the echo of cmd from the start of out. A line counts as
// echo only when it equals the command line, optionally behind a prompt or a
// heredoc continuation marker.
func stripEcho(out, cmd string, prompt *regexp.Regexp) string {
	lines := strings.Split(out, "\n")
	for _, want := range strings.Split(cmd, "\n") {
		if len(lines) == 0 || !isEcho(lines[0], want, prompt) {
			break
		}
		lines = lines[1:]
	}
	return strings.Trim(strings.Join(lines, "\n"), "\n")
}

func isEcho(line, cmd string, prompt *regexp.Regexp) bool {
	line = strings.TrimRight(continuation.ReplaceAllString(line, ""), " ")
	cmd = strings.TrimRight(cmd, " ")
	if line == cmd {
		return true
	}
	head, ok := strings.CutSuffix(line, cmd)
	return ok && cmd != "" && prompt != nil && prompt.MatchString(head)
}

package terminal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// SSHDialer opens an interactive shell over SSH with a pseudo-terminal
// attached, which is what network device CLIs expect.
type SSHDialer struct {
	Host           string
	Port           int
	User           string
	Password       string
	PrivateKeyFile string
	// HostKeyCheck verifies the server key against KnownHostsFile.
	HostKeyCheck   bool
	KnownHostsFile string
	Timeout        time.Duration
	// Width of the remote pty. Wide terminals keep devices from
	// wrapping long configuration lines.
	Width  int
	Height int
}

func (d *SSHDialer) clientConfig() (*ssh.ClientConfig, error) {
	var auth []ssh.AuthMethod
	if d.PrivateKeyFile != "" {
		pem, err := os.ReadFile(d.PrivateKeyFile)
		if err != nil {
			return nil, fmt.Errorf("reading private key: %w", err)
		}
		var signer ssh.Signer
		if d.Password != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase(pem, []byte(d.Password))
		} else {
			signer, err = ssh.ParsePrivateKey(pem)
		}
		if err != nil {
			return nil, fmt.Errorf("parsing private key: %w", err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if d.Password != "" {
		password := d.Password
		auth = append(auth,
			ssh.Password(password),
			// Many devices only offer keyboard-interactive and ask a
			// single password question.
			ssh.KeyboardInteractive(func(_, _ string, questions []string, _ []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = password
				}
				return answers, nil
			}),
		)
	}
	if len(auth) == 0 {
		return nil, errors.New("no ssh credentials configured")
	}

	hostKeyCallback := ssh.InsecureIgnoreHostKey()
	if d.HostKeyCheck {
		cb, err := knownhosts.New(d.KnownHostsFile)
		if err != nil {
			return nil, fmt.Errorf("loading known hosts %s: %w", d.KnownHostsFile, err)
		}
		hostKeyCallback = cb
	}

	return &ssh.ClientConfig{
		User:            d.User,
		Auth:            auth,
		HostKeyCallback: hostKeyCallback,
		Timeout:         d.Timeout,
	}, nil
}

// Dial connects, authenticates, requests a pty and starts the shell.
// ctx bounds the whole setup, not only the TCP connect and handshake.
func (d *SSHDialer) Dial(ctx context.Context) (_ Transport, err error) {
	cfg, err := d.clientConfig()
	if err != nil {
		return nil, err
	}

	addr := net.JoinHostPort(d.Host, strconv.Itoa(d.Port))
	dialer := net.Dialer{Timeout: d.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", addr, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}
	// Session and channel requests wait on replies the deadline alone
	// cannot interrupt once the transport is quiet.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer func() {
		if err != nil {
			stop()
			conn.Close()
		}
	}()

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		return nil, setupError(ctx, fmt.Errorf("ssh handshake with %s: %w", addr, err))
	}
	client := ssh.NewClient(sshConn, chans, reqs)

	session, err := client.NewSession()
	if err != nil {
		return nil, setupError(ctx, fmt.Errorf("opening ssh session: %w", err))
	}

	width, height := d.Width, d.Height
	if width == 0 {
		width = 512
	}
	if height == 0 {
		height = 24
	}
	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	if err := session.RequestPty("vt100", height, width, modes); err != nil {
		return nil, setupError(ctx, fmt.Errorf("requesting pty: %w", err))
	}

	stdin, err := session.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("ssh stdin: %w", err)
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("ssh stdout: %w", err)
	}
	if err := session.Shell(); err != nil {
		return nil, setupError(ctx, fmt.Errorf("starting shell: %w", err))
	}

	if !stop() {
		// ctx ended while the shell was starting and conn is closed.
		return nil, setupError(ctx, errors.New("starting shell: connection closed"))
	}
	// Exchanges are bounded by their own timeouts from here on.
	conn.SetDeadline(time.Time{})
	return &sshShell{client: client, session: session, stdin: stdin, stdout: stdout}, nil
}

// setupError prefers ctx's error, since a canceled setup surfaces as a
// closed connection from deep inside the ssh package.
func setupError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%w: %w", err, ctxErr)
	}
	return err
}

type sshShell struct {
	client  *ssh.Client
	session *ssh.Session
	stdin   io.WriteCloser
	stdout  io.Reader
}

func (s *sshShell) Read(p []byte) (int, error)  { return s.stdout.Read(p) }
func (s *sshShell) Write(p []byte) (int, error) { return s.stdin.Write(p) }

func (s *sshShell) Close() error {
	s.stdin.Close()
	s.session.Close()
	return s.client.Close()
}

package transfer

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/mattjoyce/ahenk/internal/log"
	"github.com/mattjoyce/ahenk/internal/protocol"
)

const defaultSSHPort = 22

// SSHSession is a password- or key-authenticated SFTP session.
type SSHSession struct {
	host       string
	port       int
	username   string
	targetPath string
	password   string
	privateKey ssh.Signer
	hostKey    ssh.PublicKey

	opts   Options
	logger *slog.Logger

	mu     sync.Mutex
	state  State
	client *ssh.Client
	sftp   *sftp.Client
}

var _ Session = (*SSHSession)(nil)

// NewSSHSession validates params and returns an unconnected session.
//
// Recognised parameters: host, port, username, path, password, pkey,
// passphrase, host_key. A password takes precedence over pkey when both are
// present.
func NewSSHSession(params protocol.Params, opts Options) (Session, error) {
	logger := opts.Logger
	if logger == nil {
		logger = log.WithComponent("transfer")
	}

	s := &SSHSession{
		host:       strings.TrimSpace(params["host"]),
		username:   strings.TrimSpace(params["username"]),
		targetPath: params["path"],
		password:   params["password"],
		port:       defaultSSHPort,
		opts:       opts,
		logger:     logger.With("protocol", "ssh"),
	}

	if s.host == "" {
		return nil, fmt.Errorf("%w: host is required", ErrInvalidParams)
	}
	if s.username == "" {
		return nil, fmt.Errorf("%w: username is required", ErrInvalidParams)
	}
	if p := strings.TrimSpace(params["port"]); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil || port <= 0 || port > 65535 {
			return nil, fmt.Errorf("%w: invalid port %q", ErrInvalidParams, p)
		}
		s.port = port
	}

	switch {
	case s.password != "":
		if params["pkey"] != "" {
			s.logger.Debug("password and private key both configured, using password")
		}
	case params["pkey"] != "":
		signer, err := parseSigner([]byte(params["pkey"]), params["passphrase"])
		if err != nil {
			return nil, fmt.Errorf("%w: pkey: %v", ErrInvalidParams, err)
		}
		s.privateKey = signer
	default:
		return nil, fmt.Errorf("%w: password or pkey is required", ErrInvalidParams)
	}

	if hk := strings.TrimSpace(params["host_key"]); hk != "" {
		pk, _, _, _, err := ssh.ParseAuthorizedKey([]byte(hk))
		if err != nil {
			return nil, fmt.Errorf("%w: host_key: %v", ErrInvalidParams, err)
		}
		s.hostKey = pk
	}

	s.logger.Debug("parameters set up", "host", s.host, "port", s.port, "username", s.username)
	return s, nil
}

func parseSigner(pemBytes []byte, passphrase string) (ssh.Signer, error) {
	if passphrase != "" {
		return ssh.ParsePrivateKeyWithPassphrase(pemBytes, []byte(passphrase))
	}
	return ssh.ParsePrivateKey(pemBytes)
}

func (s *SSHSession) addr() string {
	return net.JoinHostPort(s.host, strconv.Itoa(s.port))
}

func (s *SSHSession) hostKeyCallback() (ssh.HostKeyCallback, error) {
	switch {
	case s.hostKey != nil:
		return ssh.FixedHostKey(s.hostKey), nil
	case s.opts.KnownHostsFile != "":
		cb, err := knownhosts.New(s.opts.KnownHostsFile)
		if err != nil {
			return nil, fmt.Errorf("load known_hosts: %w", err)
		}
		return cb, nil
	default:
		s.logger.Warn("host key verification disabled", "host", s.host)
		return ssh.InsecureIgnoreHostKey(), nil
	}
}

func (s *SSHSession) authMethod() ssh.AuthMethod {
	if s.password != "" {
		return ssh.Password(s.password)
	}
	return ssh.PublicKeys(s.privateKey)
}

// Connect dials the server and opens the SFTP subsystem.
func (s *SSHSession) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case Connected:
		return nil
	case Closed:
		return ErrClosed
	}

	s.logger.Debug("connecting", "addr", s.addr())

	hostKeyCallback, err := s.hostKeyCallback()
	if err != nil {
		s.logger.Error("failed to connect", "addr", s.addr(), "error", err)
		return err
	}

	cfg := &ssh.ClientConfig{
		User:            s.username,
		Auth:            []ssh.AuthMethod{s.authMethod()},
		HostKeyCallback: hostKeyCallback,
		Timeout:         s.opts.DialTimeout,
	}

	dialer := net.Dialer{Timeout: s.opts.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", s.addr())
	if err != nil {
		s.logger.Error("failed to connect", "addr", s.addr(), "error", err)
		return fmt.Errorf("dial %s: %w", s.addr(), err)
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, s.addr(), cfg)
	if err != nil {
		_ = conn.Close()
		s.logger.Error("failed to connect", "addr", s.addr(), "error", err)
		return fmt.Errorf("ssh handshake with %s: %w", s.addr(), err)
	}
	client := ssh.NewClient(sshConn, chans, reqs)

	sc, err := sftp.NewClient(client)
	if err != nil {
		_ = client.Close()
		s.logger.Error("failed to open sftp subsystem", "addr", s.addr(), "error", err)
		return fmt.Errorf("open sftp: %w", err)
	}

	s.client = client
	s.sftp = sc
	s.state = Connected
	s.logger.Debug("connected", "addr", s.addr())
	return nil
}

// SendFile uploads a local file. The session is closed on return.
func (s *SSHSession) SendFile(ctx context.Context, localPath, remotePath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.closeLocked()

	if s.state != Connected {
		return ErrNotConnected
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if remotePath == "" {
		remotePath = s.targetPath
	}

	s.logger.Debug("sending file", "local", localPath, "remote", remotePath)
	if err := s.upload(localPath, remotePath); err != nil {
		s.logger.Error("failed to send file", "local", localPath, "remote", remotePath, "error", err)
		return err
	}
	s.logger.Debug("file sent", "local", localPath, "remote", remotePath)
	return nil
}

func (s *SSHSession) upload(localPath, remotePath string) error {
	src, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("open local file: %w", err)
	}
	defer src.Close()

	dst, err := s.sftp.OpenFile(remotePath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		return fmt.Errorf("open remote file %q: %w", remotePath, err)
	}
	if _, err := dst.ReadFrom(src); err != nil {
		_ = dst.Close()
		return fmt.Errorf("write remote file %q: %w", remotePath, err)
	}
	if err := dst.Close(); err != nil {
		return fmt.Errorf("close remote file %q: %w", remotePath, err)
	}
	return nil
}

// GetFile downloads remotePath into staging under its content hash.
func (s *SSHSession) GetFile(ctx context.Context, remotePath string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != Connected {
		return "", ErrNotConnected
	}
	if s.opts.Staging == nil {
		return "", fmt.Errorf("no staging directory configured")
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if remotePath == "" {
		remotePath = s.targetPath
	}

	s.logger.Debug("getting file", "remote", remotePath)
	src, err := s.sftp.Open(remotePath)
	if err != nil {
		s.logger.Error("failed to download file", "remote", remotePath, "error", err)
		return "", fmt.Errorf("open remote file %q: %w", remotePath, err)
	}
	defer src.Close()

	hash, err := s.opts.Staging.Ingest(func(w io.Writer) error {
		_, err := src.WriteTo(w)
		return err
	})
	if err != nil {
		s.logger.Error("failed to download file", "remote", remotePath, "error", err)
		return "", fmt.Errorf("download %q: %w", remotePath, err)
	}

	s.logger.Debug("file downloaded", "remote", remotePath, "md5", hash)
	return hash, nil
}

// Disconnect closes the session. It never fails.
func (s *SSHSession) Disconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLocked()
}

func (s *SSHSession) closeLocked() {
	if s.state == Closed {
		return
	}
	if s.sftp != nil {
		if err := s.sftp.Close(); err != nil {
			s.logger.Debug("sftp close", "error", err)
		}
		s.sftp = nil
	}
	if s.client != nil {
		if err := s.client.Close(); err != nil {
			s.logger.Debug("ssh close", "error", err)
		}
		s.client = nil
	}
	s.state = Closed
	s.logger.Debug("connection closed")
}

func (s *SSHSession) IsConnected() bool {
	return s.State() == Connected
}

func (s *SSHSession) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

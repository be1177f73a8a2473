// pkg/node/ssh.go

package node

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"path"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/CodeMonkeyCybersecurity/runnerforge/pkg/secretbind"
	"github.com/CodeMonkeyCybersecurity/runnerforge/pkg/systemd"
	cerr "github.com/cockroachdb/errors"
	"github.com/uptrace/opentelemetry-go-extra/otelzap"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
	"mvdan.cc/sh/v3/syntax"
)

// SSHConfig addresses a remote node.
type SSHConfig struct {
	Host           string
	Port           int
	User           string
	KeyFile        string
	KnownHostsFile string
	// Insecure skips host key verification. Lab use only.
	Insecure bool
	Timeout  time.Duration
	// Sudo prefixes remote commands with "sudo -n" for non-root users.
	Sudo bool
}

// SSH drives a remote node over one client connection. Every operation opens
// its own session.
type SSH struct {
	Packages PackageManager
	client   *ssh.Client
	sudo     bool
}

// DialSSH connects and authenticates. The handshake obeys ctx.
func DialSSH(ctx context.Context, cfg SSHConfig, pm PackageManager) (*SSH, error) {
	logger := otelzap.Ctx(ctx)

	if cfg.Host == "" || cfg.User == "" {
		return nil, cerr.New("ssh node requires host and user")
	}
	if cfg.Port == 0 {
		cfg.Port = 22
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 15 * time.Second
	}

	auth, err := keyAuth(cfg.KeyFile)
	if err != nil {
		return nil, err
	}
	hostKey, err := hostKeyCallback(cfg)
	if err != nil {
		return nil, err
	}

	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	sshCfg := &ssh.ClientConfig{
		User:            cfg.User,
		Auth:            []ssh.AuthMethod{auth},
		HostKeyCallback: hostKey,
		Timeout:         cfg.Timeout,
	}

	dialer := net.Dialer{Timeout: cfg.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, cerr.Wrapf(err, "dial %s", addr)
	}
	// The handshake can hang without a deadline.
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	} else {
		_ = conn.SetDeadline(time.Now().Add(cfg.Timeout))
	}

	cconn, chans, reqs, err := ssh.NewClientConn(conn, addr, sshCfg)
	if err != nil {
		_ = conn.Close()
		return nil, cerr.Wrapf(err, "ssh handshake with %s", addr)
	}
	_ = conn.SetDeadline(time.Time{})

	logger.Info("Connected to node",
		zap.String("addr", addr),
		zap.String("user", cfg.User),
		zap.Bool("host_key_checked", !cfg.Insecure))

	return &SSH{
		Packages: pm,
		client:   ssh.NewClient(cconn, chans, reqs),
		sudo:     cfg.Sudo,
	}, nil
}

func (s *SSH) Close() error { return s.client.Close() }

func keyAuth(keyFile string) (ssh.AuthMethod, error) {
	if keyFile == "" {
		return nil, cerr.New("ssh node requires key_file")
	}
	pem, err := os.ReadFile(keyFile)
	if err != nil {
		return nil, cerr.Wrapf(err, "read ssh key %s", keyFile)
	}
	signer, err := ssh.ParsePrivateKey(pem)
	if err != nil {
		return nil, cerr.WithHint(cerr.Wrap(err, "parse ssh key"), "passphrase-protected keys are not supported; use an agent-less deploy key")
	}
	return ssh.PublicKeys(signer), nil
}

func hostKeyCallback(cfg SSHConfig) (ssh.HostKeyCallback, error) {
	if cfg.Insecure {
		return ssh.InsecureIgnoreHostKey(), nil
	}
	file := cfg.KnownHostsFile
	if file == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, cerr.Wrap(err, "locate known_hosts")
		}
		file = path.Join(home, ".ssh", "known_hosts")
	}
	cb, err := knownhosts.New(file)
	if err != nil {
		return nil, cerr.WithHint(cerr.Wrapf(err, "load known hosts %s", file), "add the node's host key or set node.insecure for lab use")
	}
	return cb, nil
}

func (s *SSH) InstallPackage(ctx context.Context, name, source string) error {
	return ensurePackage(ctx, s, s.Packages, name, source)
}

// WriteFile streams content over the session's stdin into a temporary file
// next to path, then sets the mode and renames it into place.
func (s *SSH) WriteFile(ctx context.Context, p string, content []byte, mode os.FileMode) error {
	qpath, err := syntax.Quote(p, syntax.LangPOSIX)
	if err != nil {
		return fmt.Errorf("invalid path %q: %w", p, err)
	}
	qdir, err := syntax.Quote(path.Dir(p), syntax.LangPOSIX)
	if err != nil {
		return fmt.Errorf("invalid path %q: %w", p, err)
	}
	script := fmt.Sprintf(`set -e; umask 077; mkdir -p %s; tmp=$(mktemp %s.XXXXXX); trap 'rm -f "$tmp"' EXIT; cat > "$tmp"; chmod %04o "$tmp"; mv -f "$tmp" %s; trap - EXIT`,
		qdir, qpath, mode.Perm(), qpath)

	out, err := s.run(ctx, s.wrap(script), bytes.NewReader(content))
	if err != nil {
		return fmt.Errorf("write %s failed: %w (%s)", p, err, strings.TrimSpace(out))
	}
	return nil
}

// RunCommand sends env as export lines followed by command on stdin to a
// remote shell, so values never appear in the remote process arguments.
func (s *SSH) RunCommand(ctx context.Context, command string, env map[string]string) (string, error) {
	var script strings.Builder
	names := make([]string, 0, len(env))
	for k := range env {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, k := range names {
		if !secretbind.ValidEnvName(k) {
			return "", fmt.Errorf("invalid environment variable name %q", k)
		}
		q, err := syntax.Quote(env[k], syntax.LangPOSIX)
		if err != nil {
			return "", fmt.Errorf("value for %s cannot be quoted", k)
		}
		fmt.Fprintf(&script, "export %s=%s\n", k, q)
	}
	script.WriteString(command)
	script.WriteString("\n")

	return s.run(ctx, s.wrap("/bin/sh -s"), strings.NewReader(script.String()))
}

func (s *SSH) EnableService(ctx context.Context, name string) error {
	return systemd.EnableNow(ctx, s, name)
}

func (s *SSH) wrap(cmd string) string {
	if !s.sudo {
		return cmd
	}
	q, _ := syntax.Quote(cmd, syntax.LangPOSIX)
	return "sudo -n /bin/sh -c " + q
}

func (s *SSH) run(ctx context.Context, cmd string, stdin io.Reader) (string, error) {
	sess, err := s.client.NewSession()
	if err != nil {
		return "", cerr.Wrap(err, "open ssh session")
	}
	defer sess.Close()

	buf := &lockedBuffer{}
	sess.Stdout = buf
	sess.Stderr = buf
	sess.Stdin = stdin

	done := make(chan error, 1)
	go func() { done <- sess.Run(cmd) }()

	select {
	case <-ctx.Done():
		_ = sess.Signal(ssh.SIGKILL)
		return "", ctx.Err()
	case err := <-done:
		return buf.String(), err
	}
}

// lockedBuffer collects stdout and stderr, which the session copies from
// separate goroutines.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

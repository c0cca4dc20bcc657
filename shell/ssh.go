package shell

import (
	"context"
	"net"
	"os"
	"strconv"

	"github.com/pkg/errors"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"stressmonitor/config"
)

const (
	termType = "xterm-256color"
	termCols = 120
	termRows = 40
)

// SSHDialer opens a PTY shell over SSH on a fixed host as a fixed user.
type SSHDialer struct {
	addr   string
	config *ssh.ClientConfig
}

// NewSSHDialer builds a dialer from t. A key file takes precedence over a
// password. Without a known_hosts file the host key is not verified.
func NewSSHDialer(t config.Target) (*SSHDialer, error) {
	if t.ShellHost == "" {
		return nil, errors.Errorf("no shell host for %s", t.SystemID)
	}
	var auth []ssh.AuthMethod
	if t.ShellKeyFile != "" {
		key, err := os.ReadFile(t.ShellKeyFile)
		if err != nil {
			return nil, errors.Wrapf(err, "read key for %s", t.SystemID)
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, errors.Wrapf(err, "parse key for %s", t.SystemID)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if t.ShellPassword != "" {
		auth = append(auth, ssh.Password(t.ShellPassword))
	}

	hostKey := ssh.InsecureIgnoreHostKey()
	if t.KnownHostsFile != "" {
		cb, err := knownhosts.New(t.KnownHostsFile)
		if err != nil {
			return nil, errors.Wrapf(err, "load known hosts for %s", t.SystemID)
		}
		hostKey = cb
	}

	port := t.ShellPort
	if port == 0 {
		port = 22
	}
	return &SSHDialer{
		addr: net.JoinHostPort(t.ShellHost, strconv.Itoa(port)),
		config: &ssh.ClientConfig{
			User:            t.ShellUser,
			Auth:            auth,
			HostKeyCallback: hostKey,
		},
	}, nil
}

func (d *SSHDialer) Addr() string { return d.addr }

func (d *SSHDialer) Dial(ctx context.Context) (*Session, error) {
	var nd net.Dialer
	conn, err := nd.DialContext(ctx, "tcp", d.addr)
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", d.addr)
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, d.addr, d.config)
	if err != nil {
		conn.Close()
		return nil, errors.Wrapf(err, "ssh handshake with %s", d.addr)
	}
	client := ssh.NewClient(c, chans, reqs)

	sess, err := client.NewSession()
	if err != nil {
		client.Close()
		return nil, errors.Wrap(err, "open ssh session")
	}
	fail := func(err error, msg string) (*Session, error) {
		sess.Close()
		client.Close()
		return nil, errors.Wrap(err, msg)
	}

	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	if err := sess.RequestPty(termType, termRows, termCols, modes); err != nil {
		return fail(err, "request pty")
	}
	stdin, err := sess.StdinPipe()
	if err != nil {
		return fail(err, "stdin pipe")
	}
	// with a pty stderr is merged into stdout
	stdout, err := sess.StdoutPipe()
	if err != nil {
		return fail(err, "stdout pipe")
	}
	if err := sess.Shell(); err != nil {
		return fail(err, "start shell")
	}

	return NewSession(stdin, stdout, func() error {
		sess.Close()
		return client.Close()
	}), nil
}

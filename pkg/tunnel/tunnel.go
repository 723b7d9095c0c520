package tunnel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"

	"github.com/ekaya-inc/ekaya-query-engine/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-query-engine/pkg/logging"
	"github.com/ekaya-inc/ekaya-query-engine/pkg/retry"
)

// Status is the lifecycle state of a tunnel.
type Status string

const (
	StatusConnecting Status = "connecting"
	StatusConnected  Status = "connected"
	StatusFailed     Status = "failed"
	StatusClosed     Status = "closed"
)

const keepaliveRequest = "keepalive@openssh.com"

// Config describes the bastion and the database endpoint behind it.
type Config struct {
	SSHHost    string
	SSHPort    int
	SSHUser    string
	PrivateKey string
	// HostKey pins the bastion's public key in authorized_keys format. When
	// empty, any host key is accepted.
	HostKey string

	RemoteHost string
	RemotePort int

	DialTimeout      time.Duration
	WatchdogInterval time.Duration
	ProbeTimeout     time.Duration
	// MaxFailures is the number of consecutive failed keepalives after which
	// the tunnel is declared dead.
	MaxFailures int
}

func (c Config) withDefaults() Config {
	if c.SSHPort == 0 {
		c.SSHPort = 22
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.WatchdogInterval == 0 {
		c.WatchdogInterval = 15 * time.Second
	}
	if c.ProbeTimeout == 0 {
		c.ProbeTimeout = 5 * time.Second
	}
	if c.MaxFailures == 0 {
		c.MaxFailures = 3
	}
	return c
}

func (c Config) bastion() string {
	return net.JoinHostPort(c.SSHHost, strconv.Itoa(c.SSHPort))
}

func (c Config) remote() string {
	return net.JoinHostPort(c.RemoteHost, strconv.Itoa(c.RemotePort))
}

// Tunnel forwards a loopback port to RemoteHost:RemotePort through an SSH
// bastion. A watchdog sends keepalives and reports a dead tunnel through the
// onFailure callback, which is invoked at most once.
type Tunnel struct {
	cfg       Config
	client    *ssh.Client
	listener  net.Listener
	logger    *zap.Logger
	onFailure func(error)

	status    atomic.Value
	failOnce  sync.Once
	closeOnce sync.Once
	done      chan struct{}
	wg        sync.WaitGroup

	mu    sync.Mutex
	conns map[net.Conn]struct{}
}

// Open dials the bastion, binds a local port and verifies that the remote
// endpoint is reachable through it.
func Open(ctx context.Context, cfg Config, logger *zap.Logger, onFailure func(error)) (*Tunnel, error) {
	cfg = cfg.withDefaults()
	logger = logger.Named("tunnel").With(
		zap.String("bastion", cfg.bastion()),
		zap.String("remote", cfg.remote()))

	clientCfg, err := clientConfig(cfg)
	if err != nil {
		return nil, connectionError(cfg, err)
	}

	client, err := retry.DoWithResult(ctx, retry.DefaultConfig(), func() (*ssh.Client, error) {
		return dial(ctx, cfg, clientCfg)
	})
	if err != nil {
		logger.Error("SSH dial failed", zap.String("error", logging.SanitizeError(err)))
		return nil, connectionError(cfg, err)
	}

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		client.Close()
		return nil, connectionError(cfg, fmt.Errorf("bind local port: %w", err))
	}

	t := &Tunnel{
		cfg:       cfg,
		client:    client,
		listener:  listener,
		logger:    logger,
		onFailure: onFailure,
		done:      make(chan struct{}),
		conns:     make(map[net.Conn]struct{}),
	}
	t.status.Store(StatusConnecting)

	if err := t.probe(ctx); err != nil {
		t.Close()
		logger.Error("Tunnel probe failed", zap.String("error", logging.SanitizeError(err)))
		return nil, connectionError(cfg, err)
	}

	t.status.Store(StatusConnected)
	t.wg.Add(3)
	go t.acceptLoop()
	go t.watchdog()
	go t.waitClient()

	logger.Info("SSH tunnel established", zap.String("local", t.LocalAddr()))
	return t, nil
}

func connectionError(cfg Config, err error) error {
	return &apperrors.ConnectionError{Engine: "ssh", Target: cfg.bastion(), Err: err}
}

func clientConfig(cfg Config) (*ssh.ClientConfig, error) {
	signer, err := ssh.ParsePrivateKey([]byte(cfg.PrivateKey))
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}

	hostKeyCallback := ssh.InsecureIgnoreHostKey() //nolint:gosec
	if cfg.HostKey != "" {
		pub, _, _, _, err := ssh.ParseAuthorizedKey([]byte(cfg.HostKey))
		if err != nil {
			return nil, fmt.Errorf("parse host key: %w", err)
		}
		hostKeyCallback = ssh.FixedHostKey(pub)
	}

	return &ssh.ClientConfig{
		User:            cfg.SSHUser,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: hostKeyCallback,
		Timeout:         cfg.DialTimeout,
	}, nil
}

func dial(ctx context.Context, cfg Config, clientCfg *ssh.ClientConfig) (*ssh.Client, error) {
	dialer := net.Dialer{Timeout: cfg.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", cfg.bastion())
	if err != nil {
		return nil, err
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, cfg.bastion(), clientCfg)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return ssh.NewClient(c, chans, reqs), nil
}

// probe opens one forwarded channel to prove the bastion can reach the remote.
func (t *Tunnel) probe(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, t.cfg.ProbeTimeout)
	defer cancel()

	conn, err := retry.DoWithResult(ctx, retry.DefaultConfig(), func() (net.Conn, error) {
		return t.client.DialContext(ctx, "tcp", t.cfg.remote())
	})
	if err != nil {
		return fmt.Errorf("reach %s through bastion: %w", t.cfg.remote(), err)
	}
	return conn.Close()
}

// LocalAddr is the loopback host:port that forwards to the remote endpoint.
func (t *Tunnel) LocalAddr() string {
	return t.listener.Addr().String()
}

// LocalPort is the forwarded loopback port.
func (t *Tunnel) LocalPort() int {
	return t.listener.Addr().(*net.TCPAddr).Port
}

func (t *Tunnel) Status() Status {
	return t.status.Load().(Status)
}

func (t *Tunnel) acceptLoop() {
	defer t.wg.Done()
	for {
		local, err := t.listener.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				t.logger.Warn("Accept failed", zap.Error(err))
			}
			return
		}
		t.wg.Add(1)
		go t.forward(local)
	}
}

func (t *Tunnel) forward(local net.Conn) {
	defer t.wg.Done()

	remote, err := t.client.Dial("tcp", t.cfg.remote())
	if err != nil {
		t.logger.Warn("Failed to open forwarded channel",
			zap.String("error", logging.SanitizeError(err)))
		local.Close()
		return
	}

	if !t.track(local, remote) {
		return
	}
	defer t.untrack(local, remote)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		io.Copy(remote, local)
		remote.Close()
	}()
	go func() {
		defer wg.Done()
		io.Copy(local, remote)
		local.Close()
	}()
	wg.Wait()
}

func (t *Tunnel) track(conns ...net.Conn) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	select {
	case <-t.done:
		for _, c := range conns {
			c.Close()
		}
		return false
	default:
	}
	for _, c := range conns {
		t.conns[c] = struct{}{}
	}
	return true
}

func (t *Tunnel) untrack(conns ...net.Conn) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, c := range conns {
		c.Close()
		delete(t.conns, c)
	}
}

func (t *Tunnel) watchdog() {
	defer t.wg.Done()
	ticker := time.NewTicker(t.cfg.WatchdogInterval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
		}

		if err := t.keepalive(); err != nil {
			failures++
			t.logger.Warn("Tunnel keepalive failed",
				zap.Int("consecutive_failures", failures),
				zap.String("error", logging.SanitizeError(err)))
			if failures >= t.cfg.MaxFailures {
				t.fail(fmt.Errorf("%d consecutive keepalive failures: %w", failures, err))
				return
			}
			continue
		}
		failures = 0
	}
}

func (t *Tunnel) keepalive() error {
	result := make(chan error, 1)
	go func() {
		_, _, err := t.client.SendRequest(keepaliveRequest, true, nil)
		result <- err
	}()

	select {
	case err := <-result:
		return err
	case <-time.After(t.cfg.ProbeTimeout):
		return fmt.Errorf("keepalive timed out after %s", t.cfg.ProbeTimeout)
	case <-t.done:
		return nil
	}
}

// waitClient reports a bastion disconnect that happens between keepalives.
func (t *Tunnel) waitClient() {
	defer t.wg.Done()
	err := t.client.Wait()
	select {
	case <-t.done:
	default:
		if err == nil {
			err = io.EOF
		}
		t.fail(fmt.Errorf("ssh connection lost: %w", err))
	}
}

func (t *Tunnel) fail(err error) {
	t.failOnce.Do(func() {
		t.status.Store(StatusFailed)
		t.logger.Error("SSH tunnel failed", zap.String("error", logging.SanitizeError(err)))
		if t.onFailure != nil {
			go t.onFailure(&apperrors.ConnectionError{Engine: "ssh", Target: t.cfg.bastion(), Err: err})
		}
	})
}

// Close stops forwarding and disconnects from the bastion. It is idempotent.
func (t *Tunnel) Close() error {
	var err error
	t.closeOnce.Do(func() {
		t.mu.Lock()
		close(t.done)
		for c := range t.conns {
			c.Close()
		}
		t.mu.Unlock()

		if t.Status() != StatusFailed {
			t.status.Store(StatusClosed)
		}
		t.listener.Close()
		err = t.client.Close()
		t.wg.Wait()
		t.logger.Info("SSH tunnel closed")
	})
	return err
}

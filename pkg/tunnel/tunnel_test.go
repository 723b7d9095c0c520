package tunnel

import (
	"bufio"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/crypto/ssh"

	"github.com/ekaya-inc/ekaya-query-engine/pkg/apperrors"
)

// bastion is a minimal in-process SSH server that serves direct-tcpip
// channels and keepalive requests.
type bastion struct {
	listener   net.Listener
	hostKey    ssh.Signer
	clientKey  string
	keepalives atomic.Int32
	// refuseKeepalive makes keepalive requests fail by dropping the connection.
	refuseKeepalive atomic.Bool

	mu    sync.Mutex
	conns []net.Conn
}

func newBastion(t *testing.T) *bastion {
	t.Helper()

	_, hostPriv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	hostKey, err := ssh.NewSignerFromKey(hostPriv)
	require.NoError(t, err)

	clientPub, clientPriv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	block, err := ssh.MarshalPrivateKey(clientPriv, "")
	require.NoError(t, err)
	authorized, err := ssh.NewPublicKey(clientPub)
	require.NoError(t, err)

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	b := &bastion{
		listener:  l,
		hostKey:   hostKey,
		clientKey: string(pem.EncodeToMemory(block)),
	}

	serverCfg := &ssh.ServerConfig{
		PublicKeyCallback: func(_ ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			if string(key.Marshal()) == string(authorized.Marshal()) {
				return &ssh.Permissions{}, nil
			}
			return nil, errors.New("unknown key")
		},
	}
	serverCfg.AddHostKey(hostKey)

	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			b.mu.Lock()
			b.conns = append(b.conns, conn)
			b.mu.Unlock()
			go b.serve(conn, serverCfg)
		}
	}()

	t.Cleanup(b.close)
	return b
}

func (b *bastion) serve(conn net.Conn, cfg *ssh.ServerConfig) {
	_, chans, reqs, err := ssh.NewServerConn(conn, cfg)
	if err != nil {
		conn.Close()
		return
	}

	go func() {
		for req := range reqs {
			if req.Type == keepaliveRequest {
				b.keepalives.Add(1)
				if b.refuseKeepalive.Load() {
					conn.Close()
					return
				}
			}
			if req.WantReply {
				req.Reply(req.Type == keepaliveRequest, nil)
			}
		}
	}()

	for ch := range chans {
		if ch.ChannelType() != "direct-tcpip" {
			ch.Reject(ssh.UnknownChannelType, "unsupported")
			continue
		}
		var target struct {
			Host     string
			Port     uint32
			OrigHost string
			OrigPort uint32
		}
		if err := ssh.Unmarshal(ch.ExtraData(), &target); err != nil {
			ch.Reject(ssh.ConnectionFailed, "bad payload")
			continue
		}
		upstream, err := net.Dial("tcp", net.JoinHostPort(target.Host, strconv.Itoa(int(target.Port))))
		if err != nil {
			ch.Reject(ssh.ConnectionFailed, err.Error())
			continue
		}
		channel, chReqs, err := ch.Accept()
		if err != nil {
			upstream.Close()
			continue
		}
		go ssh.DiscardRequests(chReqs)
		go func() {
			defer channel.Close()
			defer upstream.Close()
			go io.Copy(upstream, channel)
			io.Copy(channel, upstream)
		}()
	}
}

func (b *bastion) port() int {
	return b.listener.Addr().(*net.TCPAddr).Port
}

func (b *bastion) dropConnections() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, c := range b.conns {
		c.Close()
	}
}

func (b *bastion) close() {
	b.listener.Close()
	b.dropConnections()
}

// echoServer writes back everything it reads.
func echoServer(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })

	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				io.Copy(conn, conn)
			}()
		}
	}()
	return l.Addr().(*net.TCPAddr).Port
}

func tunnelConfig(b *bastion, remotePort int) Config {
	return Config{
		SSHHost:          "127.0.0.1",
		SSHPort:          b.port(),
		SSHUser:          "deploy",
		PrivateKey:       b.clientKey,
		HostKey:          string(ssh.MarshalAuthorizedKey(b.hostKey.PublicKey())),
		RemoteHost:       "127.0.0.1",
		RemotePort:       remotePort,
		DialTimeout:      2 * time.Second,
		WatchdogInterval: 20 * time.Millisecond,
		ProbeTimeout:     time.Second,
		MaxFailures:      2,
	}
}

func TestTunnel_ForwardsTraffic(t *testing.T) {
	b := newBastion(t)
	cfg := tunnelConfig(b, echoServer(t))

	tun, err := Open(context.Background(), cfg, zaptest.NewLogger(t), nil)
	require.NoError(t, err)
	defer tun.Close()

	assert.Equal(t, StatusConnected, tun.Status())
	assert.NotZero(t, tun.LocalPort())

	conn, err := net.Dial("tcp", tun.LocalAddr())
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("select 1\n"))
	require.NoError(t, err)
	line, err := bufio.NewReader(conn).ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "select 1\n", line)

	require.Eventually(t, func() bool { return b.keepalives.Load() > 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestTunnel_CloseIsIdempotent(t *testing.T) {
	b := newBastion(t)
	tun, err := Open(context.Background(), tunnelConfig(b, echoServer(t)), zaptest.NewLogger(t), nil)
	require.NoError(t, err)

	require.NoError(t, tun.Close())
	assert.NoError(t, tun.Close())
	assert.Equal(t, StatusClosed, tun.Status())

	_, err = net.DialTimeout("tcp", tun.LocalAddr(), 200*time.Millisecond)
	assert.Error(t, err)
}

func TestTunnel_ReportsFailureOnce(t *testing.T) {
	b := newBastion(t)

	var calls atomic.Int32
	failed := make(chan error, 4)
	tun, err := Open(context.Background(), tunnelConfig(b, echoServer(t)), zaptest.NewLogger(t), func(err error) {
		calls.Add(1)
		failed <- err
	})
	require.NoError(t, err)
	defer tun.Close()

	b.refuseKeepalive.Store(true)

	select {
	case err := <-failed:
		assert.True(t, errors.Is(err, apperrors.ErrConnectionFailed))
	case <-time.After(3 * time.Second):
		t.Fatal("failure callback was not invoked")
	}
	assert.Equal(t, StatusFailed, tun.Status())

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())
}

func TestOpen_Errors(t *testing.T) {
	b := newBastion(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad key", func(c *Config) { c.PrivateKey = "not a key" }},
		{"wrong host key", func(c *Config) {
			_, priv, _ := ed25519.GenerateKey(rand.Reader)
			other, _ := ssh.NewSignerFromKey(priv)
			c.HostKey = string(ssh.MarshalAuthorizedKey(other.PublicKey()))
		}},
		{"unreachable remote", func(c *Config) { c.RemotePort = 1 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := tunnelConfig(b, echoServer(t))
			tt.mutate(&cfg)
			_, err := Open(ctx, cfg, zaptest.NewLogger(t), nil)
			require.Error(t, err)
			assert.True(t, errors.Is(err, apperrors.ErrConnectionFailed))
		})
	}
}

package config

import (
	"net"
	"os"
	"sync"
)

// DockerHostAlias reaches the host machine from inside a container.
const DockerHostAlias = "host.docker.internal"

var (
	inDockerOnce sync.Once
	inDocker     bool
)

// IsRunningInDocker reports whether /.dockerenv exists. Checked once per process.
func IsRunningInDocker() bool {
	inDockerOnce.Do(func() {
		_, err := os.Stat("/.dockerenv")
		inDocker = err == nil
	})
	return inDocker
}

// ResolveHostForDocker rewrites loopback hosts to DockerHostAlias when the
// engine runs in a container, so datasources and Redis configured as
// localhost on the developer machine stay reachable. Accepts a bare host or
// host:port.
func ResolveHostForDocker(addr string) string {
	return rewriteLoopback(addr, IsRunningInDocker())
}

func rewriteLoopback(addr string, containerized bool) string {
	if !containerized || addr == "" {
		return addr
	}
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		host, port = addr, ""
	}
	if !isLoopback(host) {
		return addr
	}
	if port == "" {
		return DockerHostAlias
	}
	return net.JoinHostPort(DockerHostAlias, port)
}

func isLoopback(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

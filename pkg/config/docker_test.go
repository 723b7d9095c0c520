package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRewriteLoopback(t *testing.T) {
	tests := []struct {
		addr string
		want string
	}{
		{"localhost", DockerHostAlias},
		{"127.0.0.1", DockerHostAlias},
		{"::1", DockerHostAlias},
		{"localhost:6379", DockerHostAlias + ":6379"},
		{"127.0.0.1:5432", DockerHostAlias + ":5432"},
		{"[::1]:27017", DockerHostAlias + ":27017"},
		{"db.internal", "db.internal"},
		{"10.0.0.7:3306", "10.0.0.7:3306"},
		{DockerHostAlias, DockerHostAlias},
		{"", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, rewriteLoopback(tt.addr, true), tt.addr)
	}
}

func TestRewriteLoopback_OutsideContainer(t *testing.T) {
	for _, addr := range []string{"localhost", "127.0.0.1:5432", "db.internal"} {
		assert.Equal(t, addr, rewriteLoopback(addr, false))
	}
}

func TestResolveHostForDocker_LeavesRemoteHosts(t *testing.T) {
	assert.Equal(t, "warehouse.example.com", ResolveHostForDocker("warehouse.example.com"))
}

package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ekaya-inc/ekaya-query-engine/pkg/config"
	"github.com/ekaya-inc/ekaya-query-engine/pkg/crypto"
)

func TestSeal(t *testing.T) {
	t.Setenv("CREDENTIALS_KEY", "main-test-key")

	var out bytes.Buffer
	require.NoError(t, seal(strings.NewReader("s3cret\n"), &out))

	sealed := strings.TrimSpace(out.String())
	assert.True(t, crypto.IsSealed(sealed))

	sc, err := crypto.NewSecretCipher("main-test-key")
	require.NoError(t, err)
	plain, err := sc.Reveal(sealed)
	require.NoError(t, err)
	assert.Equal(t, "s3cret", plain)
}

func TestSeal_RequiresKey(t *testing.T) {
	t.Setenv("CREDENTIALS_KEY", "")
	err := seal(strings.NewReader("x"), &bytes.Buffer{})
	assert.ErrorIs(t, err, crypto.ErrInvalidKey)
}

func TestManagerConfig(t *testing.T) {
	cfg := &config.Config{
		Reflection: config.ReflectionConfig{IncludeViews: true, MaxDocuments: 50, BatchSize: 10, Workers: 2},
		Datasource: config.DatasourceConfig{
			ConnectTimeout:     3 * time.Second,
			PoolSize:           7,
			PoolOverflow:       1,
			CountThreshold:     500,
			PromoteFirstColumn: false,
		},
		Tunnel: config.TunnelConfig{WatchdogInterval: time.Second, ProbeTimeout: time.Second, MaxFailures: 5},
	}

	mc := managerConfig(cfg)

	assert.Equal(t, 7, mc.PoolSize)
	assert.Equal(t, int64(2), mc.MaxConcurrentInits)
	assert.True(t, mc.Reflection.IncludeViews)
	assert.True(t, mc.Reflection.SkipKeylessTables)
	assert.Equal(t, int64(50), mc.Reflection.MaxDocuments)
	assert.Equal(t, int64(500), mc.Query.CountThreshold)
	assert.False(t, mc.Query.IncludeAutoPKNulls)
	assert.Equal(t, 5, mc.Tunnel.MaxFailures)
}

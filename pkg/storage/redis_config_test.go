// Copyright © 2025 jackelyj <dreamerlyj@gmail.com>
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in
// all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
// THE SOFTWARE.
//

package storage

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisConfigDefaults(t *testing.T) {
	c := DefaultRedisConfig()
	assert.Equal(t, RedisModeStandalone, c.Mode)
	assert.Equal(t, "opguard:", c.KeyPrefix)
	assert.Equal(t, 2*time.Second, c.OperationTimeout)
	assert.NoError(t, c.Validate())
}

func TestRedisConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		config  *RedisConfig
		wantErr bool
	}{
		{name: "nil", config: nil, wantErr: true},
		{name: "standalone without addr", config: &RedisConfig{Mode: RedisModeStandalone}, wantErr: true},
		{name: "negative db", config: &RedisConfig{Addr: "x:1", DB: -1}, wantErr: true},
		{name: "cluster", config: &RedisConfig{Mode: RedisModeCluster, Addrs: []string{"a:1", "b:1"}}},
		{name: "sentinel without master", config: &RedisConfig{Mode: RedisModeSentinel, SentinelAddrs: []string{"s:1"}}, wantErr: true},
		{name: "sentinel", config: &RedisConfig{Mode: RedisModeSentinel, MasterName: "m", SentinelAddrs: []string{"s:1"}}},
		{name: "unknown mode", config: &RedisConfig{Mode: "ring", Addr: "x:1"}, wantErr: true},
		{name: "negative timeout", config: &RedisConfig{Addr: "x:1", OperationTimeout: -time.Second}, wantErr: true},
		{name: "backoff inverted", config: &RedisConfig{Addr: "x:1", MinRetryBackoff: time.Second, MaxRetryBackoff: time.Millisecond}, wantErr: true},
		{name: "tls cert without key", config: &RedisConfig{Addr: "x:1", TLS: &RedisTLSConfig{Enabled: true, CertFile: "c.pem"}}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestRedisConfigBuildTLSConfig(t *testing.T) {
	c := &RedisConfig{Addr: "x:1"}
	tlsConfig, err := c.BuildTLSConfig()
	require.NoError(t, err)
	assert.Nil(t, tlsConfig)

	c.TLS = &RedisTLSConfig{Enabled: true, ServerName: "redis.internal"}
	tlsConfig, err = c.BuildTLSConfig()
	require.NoError(t, err)
	assert.Equal(t, "redis.internal", tlsConfig.ServerName)

	bad := filepath.Join(t.TempDir(), "ca.pem")
	require.NoError(t, os.WriteFile(bad, []byte("not a cert"), 0o600))
	c.TLS.CAFile = bad
	_, err = c.BuildTLSConfig()
	assert.Error(t, err)
}

func TestRedisConfigRedacted(t *testing.T) {
	c := RedisConfig{Addr: "x:1", Password: "secret"}
	assert.Equal(t, "***REDACTED***", c.Redacted().Password)
	assert.Equal(t, "secret", c.Password)
}

func TestNewRedisConnectionModes(t *testing.T) {
	for _, cfg := range []*RedisConfig{
		{Addr: "127.0.0.1:1"},
		{Mode: RedisModeCluster, Addr: "127.0.0.1:1, 127.0.0.1:2"},
		{Mode: RedisModeSentinel, MasterName: "m", SentinelAddrs: []string{"127.0.0.1:1"}},
	} {
		conn, err := NewRedisConnection(cfg)
		require.NoError(t, err)
		c, err := conn.Client()
		require.NoError(t, err)
		assert.NotNil(t, c)
		require.NoError(t, conn.Close())
		require.NoError(t, conn.Close())
		_, err = conn.Client()
		assert.ErrorIs(t, err, ErrClosed)
	}
}

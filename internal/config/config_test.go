package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNewConfig(t *testing.T) {
	var (
		addr = "localhost:8080"
		dsn  = "host=localhost user=postgres password=postgres dbname=postgres sslmode=disable"
		key  = "c29tZV9zZWNyZXQ="
		orig = []string{"http://localhost:3000"}
	)

	tcases := []struct {
		name  string
		addr  string
		store string
		dsn   string
		key   string
		orig  []string
		opts  []Option
		err   bool
	}{
		{
			name:  "valid postgres config",
			addr:  addr,
			store: StorePostgres,
			dsn:   dsn,
			key:   key,
			orig:  orig,
		},
		{
			name:  "valid sqlite config without dsn",
			addr:  addr,
			store: StoreSQLite,
			key:   key,
			orig:  orig,
		},
		{
			name:  "empty address",
			addr:  "",
			store: StorePostgres,
			dsn:   dsn,
			key:   key,
			orig:  orig,
			err:   true,
		},
		{
			name:  "empty DSN for postgres",
			addr:  addr,
			store: StorePostgres,
			dsn:   "",
			key:   key,
			orig:  orig,
			err:   true,
		},
		{
			name:  "empty signing key",
			addr:  addr,
			store: StorePostgres,
			dsn:   dsn,
			key:   "",
			orig:  orig,
			err:   true,
		},
		{
			name:  "unknown store",
			addr:  addr,
			store: "cassandra",
			dsn:   dsn,
			key:   key,
			err:   true,
		},
		{
			name:  "empty sqlite path",
			addr:  addr,
			store: StoreSQLite,
			key:   key,
			opts:  []Option{WithSQLitePath("")},
			err:   true,
		},
		{
			name:  "non-positive event rate",
			addr:  addr,
			store: StoreSQLite,
			key:   key,
			opts:  []Option{WithEventRate(0, 10)},
			err:   true,
		},
		{
			name:  "non-positive token ttl",
			addr:  addr,
			store: StoreSQLite,
			key:   key,
			opts:  []Option{WithTokenTTL(0)},
			err:   true,
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			config, err := NewConfig(tc.addr, tc.store, tc.dsn, tc.key, tc.orig, tc.opts...)
			if tc.err {
				assert.Error(t, err, "expected error for config: %s", tc.name)
				return
			}
			assert.NoError(t, err, "expected no error for config: %s", tc.name)

			assert.Equal(t, tc.addr, config.ServerAddr, "expected server address to match")
			assert.Equal(t, tc.dsn, config.DatabaseDSN, "expected database DSN to match")
			assert.Equal(t, tc.orig, config.AllowedOrigins, "expected allowed origins to match")
			assert.NotEmpty(t, config.SigningKey, "expected signing key to be decoded and not empty")
		})
	}
}

func TestNewConfigOptions(t *testing.T) {
	cfg, err := NewConfig("localhost:8080", StoreSQLite, "", "c29tZV9zZWNyZXQ=", nil,
		WithSQLitePath(":memory:"),
		WithMongo("mongodb://localhost:27017", "chats"),
		WithRedis("localhost:6379", ""),
		WithTokenTTL(time.Hour),
		WithEchoToSender(true),
		WithAuthTimeout(5*time.Second),
		WithEventRate(5, 10),
	)
	assert.NoError(t, err)

	assert.Equal(t, ":memory:", cfg.SQLitePath)
	assert.Equal(t, "mongodb://localhost:27017", cfg.MongoURI)
	assert.Equal(t, "chats", cfg.MongoDatabase)
	assert.Equal(t, "localhost:6379", cfg.RedisAddr)
	assert.Equal(t, "chatline:deliveries", cfg.RedisChannel, "expected default channel to be kept")
	assert.Equal(t, time.Hour, cfg.TokenTTL)
	assert.True(t, cfg.EchoToSender)
	assert.Equal(t, 5*time.Second, cfg.AuthTimeout)
	assert.Equal(t, 5.0, cfg.EventsPerSec)
	assert.Equal(t, 10, cfg.EventBurst)
}

func Test_decodeSigningKey(t *testing.T) {
	tcases := []struct {
		name         string
		base64Secret string
		expectedKey  []byte
		expectError  bool
	}{
		{
			name:         "valid base64 secret",
			base64Secret: "c29tZV9zZWNyZXQ=",
			expectedKey:  []byte("some_secret"),
			expectError:  false,
		},
		{
			name:         "invalid base64 secret",
			base64Secret: "invalid_base64",
			expectedKey:  nil,
			expectError:  true,
		},
		{
			name:         "empty base64 secret",
			base64Secret: "",
			expectedKey:  nil,
			expectError:  true,
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			key, err := decodeSigningSecret(tc.base64Secret)
			if tc.expectError {
				assert.Error(t, err, "expected error for base64 secret: %s", tc.base64Secret)
			} else {
				assert.NoError(t, err, "expected no error for base64 secret: %s", tc.base64Secret)
				assert.Equal(t, tc.expectedKey, key, "expected decoded key to match for base64 secret: %s", tc.base64Secret)
			}
		})
	}
}

func TestEnvHelpers(t *testing.T) {
	t.Setenv("CHATLINE_TEST_STR", "value")
	t.Setenv("CHATLINE_TEST_BOOL", "true")
	t.Setenv("CHATLINE_TEST_DUR", "3s")
	t.Setenv("CHATLINE_TEST_FLOAT", "2.5")
	t.Setenv("CHATLINE_TEST_INT", "7")
	t.Setenv("CHATLINE_TEST_BAD", "nope")

	assert.Equal(t, "value", Env("CHATLINE_TEST_STR", "fallback"))
	assert.Equal(t, "fallback", Env("CHATLINE_TEST_UNSET", "fallback"))
	assert.True(t, EnvBool("CHATLINE_TEST_BOOL", false))
	assert.False(t, EnvBool("CHATLINE_TEST_BAD", false))
	assert.Equal(t, 3*time.Second, EnvDuration("CHATLINE_TEST_DUR", time.Second))
	assert.Equal(t, time.Second, EnvDuration("CHATLINE_TEST_BAD", time.Second))
	assert.Equal(t, 2.5, EnvFloat("CHATLINE_TEST_FLOAT", 1))
	assert.Equal(t, 7, EnvInt("CHATLINE_TEST_INT", 1))
	assert.Equal(t, 1, EnvInt("CHATLINE_TEST_BAD", 1))
}

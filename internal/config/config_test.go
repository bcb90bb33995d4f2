package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func resetConfig() {
	mu.Lock()
	cfg = nil
	once = sync.Once{}
	mu.Unlock()
}

func validConfig() *Config {
	c := &Config{}
	c.Database.Driver = "sqlite3"
	c.Storage.Type = "local"
	c.Storage.Local.Path = "/var/lib/mailingest"
	c.Provider.BaseURL = "https://api.example.com"
	c.Provider.APIKey = "re_test_key"
	c.Ingest.Mode = "sync"
	c.Ingest.AttachmentWorkers = 4
	return c
}

func TestDatabaseConfig(t *testing.T) {
	testCases := []struct {
		name     string
		config   DatabaseConfig
		expected string
	}{
		{
			name: "postgres",
			config: DatabaseConfig{
				Driver:   "postgres",
				Host:     "db.example.com",
				Port:     5432,
				User:     "admin",
				Password: "secret",
				Name:     "production",
				SSLMode:  "require",
			},
			expected: "host=db.example.com port=5432 user=admin password=secret dbname=production sslmode=require",
		},
		{
			name: "mysql",
			config: DatabaseConfig{
				Driver:   "mysql",
				Host:     "mariadb",
				Port:     3306,
				User:     "mail",
				Password: "pw",
				Name:     "mailingest",
			},
			expected: "mail:pw@tcp(mariadb:3306)/mailingest?parseTime=true&charset=utf8mb4&collation=utf8mb4_unicode_ci",
		},
		{
			name:     "sqlite3",
			config:   DatabaseConfig{Driver: "sqlite3", Path: "/tmp/mail.db"},
			expected: "file:/tmp/mail.db?_foreign_keys=on&_busy_timeout=5000",
		},
		{
			name:     "sqlite3 default path",
			config:   DatabaseConfig{Driver: "sqlite3"},
			expected: "file:mailingest.db?_foreign_keys=on&_busy_timeout=5000",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, tc.config.GetDSN())
		})
	}
}

func TestAddresses(t *testing.T) {
	assert.Equal(t, "0.0.0.0:8080", (&ServerConfig{Host: "0.0.0.0", Port: 8080}).GetServerAddr())
	assert.Equal(t, "redis:6379", (&RedisConfig{Host: "redis", Port: 6379}).GetRedisAddr())
}

func TestAppConfig(t *testing.T) {
	assert.True(t, (&AppConfig{Env: "production"}).IsProduction())
	assert.True(t, (&AppConfig{Env: "prod"}).IsProduction())
	assert.False(t, (&AppConfig{Env: "development"}).IsProduction())
}

func TestValidate(t *testing.T) {
	t.Run("valid config", func(t *testing.T) {
		assert.NoError(t, validConfig().Validate())
	})

	t.Run("unknown driver and storage", func(t *testing.T) {
		c := validConfig()
		c.Database.Driver = "oracle"
		c.Storage.Type = "ftp"
		err := c.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), `database.driver "oracle"`)
		assert.Contains(t, err.Error(), `storage.type "ftp"`)
	})

	t.Run("provider settings required", func(t *testing.T) {
		c := validConfig()
		c.Provider.BaseURL = ""
		c.Provider.APIKey = ""
		err := c.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "provider.base_url is required")
		assert.Contains(t, err.Error(), "provider.api_key is required")
	})

	t.Run("queue mode needs redis", func(t *testing.T) {
		c := validConfig()
		c.Ingest.Mode = "queue"
		c.Ingest.Queue.Workers = 2
		err := c.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "requires redis.enabled")

		c.Redis.Enabled = true
		assert.NoError(t, c.Validate())
		assert.True(t, c.Ingest.QueueMode())
	})

	t.Run("s3 bucket required", func(t *testing.T) {
		c := validConfig()
		c.Storage.Type = "s3"
		assert.Error(t, c.Validate())
		c.Storage.S3.Bucket = "mail"
		assert.NoError(t, c.Validate())
	})

	t.Run("attachment workers must be positive", func(t *testing.T) {
		c := validConfig()
		c.Ingest.AttachmentWorkers = 0
		assert.Error(t, c.Validate())
	})
}

func TestLoadFromFile(t *testing.T) {
	t.Run("Load valid YAML config file", func(t *testing.T) {
		tmpDir := t.TempDir()
		configFile := filepath.Join(tmpDir, "test-config.yaml")

		configContent := `
app:
  name: mailingest-test
  env: test
  debug: true

server:
  port: 9090

database:
  driver: postgres
  host: localhost
  name: mail_test

provider:
  base_url: https://provider.test
  api_key: re_test

ingest:
  attachment_workers: 8
`
		require.NoError(t, os.WriteFile(configFile, []byte(configContent), 0644))
		resetConfig()

		require.NoError(t, LoadFromFile(configFile))

		loaded := Get()
		require.NotNil(t, loaded)
		assert.Equal(t, "mailingest-test", loaded.App.Name)
		assert.True(t, loaded.App.Debug)
		assert.Equal(t, 9090, loaded.Server.Port)
		assert.Equal(t, "postgres", loaded.Database.Driver)
		assert.Equal(t, "mail_test", loaded.Database.Name)
		assert.Equal(t, 8, loaded.Ingest.AttachmentWorkers)

		// Defaults fill what the file leaves out.
		assert.Equal(t, "0.0.0.0", loaded.Server.Host)
		assert.Equal(t, 30*time.Second, loaded.Provider.Timeout)
		assert.Equal(t, "local", loaded.Storage.Type)
		assert.Equal(t, "@every 1m", loaded.Runner.AttachmentRetry.Schedule)
		assert.NoError(t, loaded.Validate())
	})

	t.Run("Environment overrides file values", func(t *testing.T) {
		tmpDir := t.TempDir()
		configFile := filepath.Join(tmpDir, "env.yaml")
		require.NoError(t, os.WriteFile(configFile, []byte("provider:\n  api_key: from-file\n"), 0644))

		t.Setenv("MAILINGEST_PROVIDER_API_KEY", "from-env")
		t.Setenv("MAILINGEST_INGEST_MODE", "queue")

		require.NoError(t, LoadFromFile(configFile))
		assert.Equal(t, "from-env", Get().Provider.APIKey)
		assert.Equal(t, "queue", Get().Ingest.Mode)
	})

	t.Run("Error on non-existent file", func(t *testing.T) {
		err := LoadFromFile("/non/existent/config.yaml")
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "failed to read config file")
	})

	t.Run("Error on invalid YAML", func(t *testing.T) {
		tmpDir := t.TempDir()
		configFile := filepath.Join(tmpDir, "invalid-config.yaml")
		require.NoError(t, os.WriteFile(configFile, []byte("app:\n  name: [this is invalid\n"), 0644))

		err := LoadFromFile(configFile)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "failed to read config file")
	})
}

func TestLoad(t *testing.T) {
	t.Run("merges config.yaml over default.yaml", func(t *testing.T) {
		tmpDir := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(tmpDir, "default.yaml"),
			[]byte("server:\n  port: 8081\nlogging:\n  level: info\n"), 0644))
		require.NoError(t, os.WriteFile(filepath.Join(tmpDir, "config.yaml"),
			[]byte("logging:\n  level: debug\n"), 0644))
		resetConfig()

		require.NoError(t, Load(tmpDir))
		assert.Equal(t, 8081, Get().Server.Port)
		assert.Equal(t, "debug", Get().Logging.Level)
	})

	t.Run("missing files fall back to defaults", func(t *testing.T) {
		resetConfig()
		require.NoError(t, Load(t.TempDir()))
		require.NotNil(t, Get())
		assert.Equal(t, 8080, Get().Server.Port)
		assert.Equal(t, "sync", Get().Ingest.Mode)
	})
}

func TestMustLoad(t *testing.T) {
	t.Run("MustLoad panics on error", func(t *testing.T) {
		tmpDir := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(tmpDir, "default.yaml"), []byte("app: [broken\n"), 0644))

		defer func() {
			r := recover()
			assert.NotNil(t, r)
			assert.Contains(t, r.(string), "Failed to load configuration")
		}()

		resetConfig()
		MustLoad(tmpDir)
	})
}

func TestConcurrentConfigAccess(t *testing.T) {
	mu.Lock()
	cfg = &Config{Server: ServerConfig{Host: "localhost", Port: 8080}}
	mu.Unlock()

	var wg sync.WaitGroup
	errs := make([]error, 50)

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				if c := Get(); c == nil {
					errs[idx] = fmt.Errorf("config was nil")
					return
				}
			}
		}(i)
	}

	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				mu.Lock()
				cfg = &Config{App: AppConfig{Name: fmt.Sprintf("App %d", id)}}
				mu.Unlock()
				time.Sleep(time.Millisecond)
			}
		}(i)
	}

	wg.Wait()
	for _, err := range errs {
		assert.NoError(t, err)
	}
}

func TestSecretValidator(t *testing.T) {
	t.Run("development only warns", func(t *testing.T) {
		c := validConfig()
		c.Provider.WebhookSecret = ""
		warnings, err := ValidateSecrets(c)
		assert.NoError(t, err)
		assert.NotEmpty(t, warnings)
	})

	t.Run("production fails on missing webhook secret", func(t *testing.T) {
		c := validConfig()
		c.App.Env = "production"
		_, err := ValidateSecrets(c)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "provider.webhook_secret is not set")
	})

	t.Run("production accepts strong secrets", func(t *testing.T) {
		c := validConfig()
		c.App.Env = "production"
		c.Provider.WebhookSecret = "whsec_MfKQ9r8GKYqrTwjUPD8ILPZIo2LaLaSw"
		_, err := ValidateSecrets(c)
		assert.NoError(t, err)
	})

	t.Run("s3 keys must come in pairs", func(t *testing.T) {
		c := validConfig()
		c.App.Env = "production"
		c.Provider.WebhookSecret = "whsec_MfKQ9r8GKYqrTwjUPD8ILPZIo2LaLaSw"
		c.Storage.Type = "s3"
		c.Storage.S3.AccessKey = "AKIA"
		_, err := ValidateSecrets(c)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "must be set together")
	})
}

func BenchmarkGetConfig(b *testing.B) {
	mu.Lock()
	cfg = &Config{App: AppConfig{Name: "Benchmark App"}}
	mu.Unlock()

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			_ = Get()
		}
	})
}

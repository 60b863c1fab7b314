package config_test

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DaRealYungBidness/decision-gate-sub003/pkg/artifacts"
	"github.com/DaRealYungBidness/decision-gate-sub003/pkg/config"
	"github.com/DaRealYungBidness/decision-gate-sub003/pkg/evidence"
	"github.com/DaRealYungBidness/decision-gate-sub003/pkg/logic"
)

// TestLoad_Defaults verifies that Load() returns sensible defaults
// when no environment variables are set.
func TestLoad_Defaults(t *testing.T) {
	for _, k := range []string{"LOG_LEVEL", "DG_STORE_TYPE", "DG_LOGIC", "DG_MIN_TRUST_LANE", "DG_PROVIDER_TIMEOUT", "REDIS_ADDR", "ARTIFACT_STORAGE_TYPE"} {
		t.Setenv(k, "")
	}

	cfg := config.Load()

	assert.Equal(t, "INFO", cfg.LogLevel)
	assert.Equal(t, config.StoreMemory, cfg.StoreType)
	assert.Equal(t, artifacts.StoreTypeFS, cfg.Artifacts.Type)
	assert.Equal(t, evidence.DefaultProviderTimeout, cfg.ProviderTimeout)
	assert.Equal(t, logic.DefaultLimits(), cfg.Limits)
	assert.Empty(t, cfg.RedisAddr)
	assert.False(t, cfg.Telemetry.Enabled)
	require.NoError(t, cfg.Validate())

	mode, err := cfg.LogicMode()
	require.NoError(t, err)
	assert.Equal(t, logic.Kleene, mode)
	req, err := cfg.TrustRequirement()
	require.NoError(t, err)
	assert.Equal(t, evidence.LaneVerified, req.MinLane)
}

// TestLoad_Overrides verifies that environment variables correctly
// override default values.
func TestLoad_Overrides(t *testing.T) {
	t.Setenv("LOG_LEVEL", "DEBUG")
	t.Setenv("DG_STORE_TYPE", "sqlite")
	t.Setenv("SQLITE_PATH", "/var/lib/dg.db")
	t.Setenv("DG_LOGIC", "bochvar")
	t.Setenv("DG_MIN_TRUST_LANE", "asserted")
	t.Setenv("DG_PROVIDER_TIMEOUT", "750ms")
	t.Setenv("DG_MAX_DEPTH", "8")
	t.Setenv("REDIS_ADDR", "localhost:6379")
	t.Setenv("ARTIFACT_STORAGE_TYPE", "s3")
	t.Setenv("ARTIFACT_S3_BUCKET", "runpacks")

	cfg := config.Load()

	assert.Equal(t, "DEBUG", cfg.LogLevel)
	assert.Equal(t, config.StoreSQLite, cfg.StoreType)
	assert.Equal(t, "/var/lib/dg.db", cfg.SQLitePath)
	assert.Equal(t, 750*time.Millisecond, cfg.ProviderTimeout)
	assert.Equal(t, 8, cfg.Limits.MaxDepth)
	assert.Equal(t, "localhost:6379", cfg.RedisAddr)
	assert.Equal(t, artifacts.StoreTypeS3, cfg.Artifacts.Type)
	assert.Equal(t, "runpacks", cfg.Artifacts.S3Bucket)

	mode, err := cfg.LogicMode()
	require.NoError(t, err)
	assert.Equal(t, logic.Bochvar, mode)
}

func TestLoadFile(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "dg.yaml")
	doc := `
log_format: json
store_type: postgres
database_url: postgres://dg@db:5432/dg
provider_timeout: 2s
logic: bochvar
require_signature: true
trust_keys:
  ci: ` + base64.StdEncoding.EncodeToString(pub) + `
limits:
  max_depth: 16
artifacts:
  type: memory
telemetry:
  enabled: true
  insecure: true
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))

	cfg, err := config.LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.Equal(t, config.StorePostgres, cfg.StoreType)
	assert.Equal(t, 2*time.Second, cfg.ProviderTimeout)
	assert.Equal(t, 16, cfg.Limits.MaxDepth)
	assert.Equal(t, 1024, cfg.Limits.MaxNodes, "unset fields keep defaults")
	assert.Equal(t, artifacts.StoreTypeMemory, cfg.Artifacts.Type)

	policy, err := cfg.TrustPolicy()
	require.NoError(t, err)
	assert.True(t, policy.RequireSignature)
	assert.Equal(t, pub, policy.AcceptedKeys["ci"])

	oc := cfg.ObservabilityConfig()
	assert.True(t, oc.Enabled)
	assert.True(t, oc.Insecure)
}

func TestLoadFileRejects(t *testing.T) {
	dir := t.TempDir()
	for name, doc := range map[string]string{
		"store":     "store_type: mongo\n",
		"logic":     "logic: fuzzy\n",
		"lane":      "min_trust_lane: rumoured\n",
		"key":       "trust_keys: {ci: not-a-key}\n",
		"no keys":   "require_signature: true\n",
		"malformed": "limits: [\n",
	} {
		path := filepath.Join(dir, name+".yaml")
		require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))
		_, err := config.LoadFile(path)
		assert.Error(t, err, name)
	}

	_, err := config.LoadFile(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}

func TestNewLogger(t *testing.T) {
	cfg := config.Default()
	cfg.LogLevel = "warn"
	logger := cfg.NewLogger(os.Stderr)
	assert.False(t, logger.Enabled(t.Context(), slog.LevelInfo))
	assert.True(t, logger.Enabled(t.Context(), slog.LevelError))
}

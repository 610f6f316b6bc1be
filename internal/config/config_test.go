package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// 他のテストやローカルの .env.local に影響されないよう空の作業ディレクトリで読み込む
func loadIn(t *testing.T) (*Config, error) {
	t.Helper()
	t.Chdir(t.TempDir())
	return Load()
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := loadIn(t)
	require.NoError(t, err)

	assert.Equal(t, "3001", cfg.Port)
	assert.Equal(t, "http://localhost:3001", cfg.PublicBaseURL)
	assert.Equal(t, "http://localhost:8080", cfg.ZAPURL())
	assert.Equal(t, "http://localhost:8000", cfg.MobSFURL())
	assert.Equal(t, "sync", cfg.MobSFScanMode)
	assert.Equal(t, 2*time.Second, cfg.ZAPPollInterval)
	assert.Equal(t, 5*time.Second, cfg.MobSFPollInterval)
	assert.True(t, cfg.MobSFDynamicAnalysis)
	assert.Equal(t, int64(100<<20), cfg.MaxUploadSize)
	assert.Equal(t, []string{".apk", ".ipa", ".appx", ".zip"}, cfg.AllowedExtensions)
	assert.Equal(t, "memory", cfg.JobStore)
	// 終了済みジョブは既定では消さない
	assert.Zero(t, cfg.JobRetention())
	assert.Equal(t, 6*time.Hour, cfg.JobActiveTTL)
	assert.Equal(t, devSessionSecret, cfg.SessionSecret)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("PORT", "4000")
	t.Setenv("ZAP_HOST", "zap.internal")
	t.Setenv("ZAP_PORT", "8090")
	t.Setenv("MOBSF_SCAN_MODE", "Polled")
	t.Setenv("MOBSF_POLL_INTERVAL", "250ms")
	t.Setenv("MOBSF_DYNAMIC_ANALYSIS", "false")
	t.Setenv("ALLOWED_EXTENSIONS", "APK, ipa ,")
	t.Setenv("JOB_RETENTION_MINUTES", "90")
	t.Setenv("JOB_ACTIVE_TTL", "45m")
	t.Setenv("JOB_STORE", "redis")
	t.Setenv("PUBLIC_BASE_URL", "https://vapt.example.com")

	cfg, err := loadIn(t)
	require.NoError(t, err)

	assert.Equal(t, "4000", cfg.Port)
	assert.Equal(t, "https://vapt.example.com", cfg.PublicBaseURL)
	assert.Equal(t, "http://zap.internal:8090", cfg.ZAPURL())
	assert.Equal(t, "polled", cfg.MobSFScanMode)
	assert.Equal(t, 250*time.Millisecond, cfg.MobSFPollInterval)
	assert.False(t, cfg.MobSFDynamicAnalysis)
	assert.Equal(t, []string{".apk", ".ipa"}, cfg.AllowedExtensions)
	assert.Equal(t, 90*time.Minute, cfg.JobRetention())
	assert.Equal(t, 45*time.Minute, cfg.JobActiveTTL)
	assert.Equal(t, "redis", cfg.JobStore)
}

func TestLoadIgnoresMalformedNumbers(t *testing.T) {
	t.Setenv("MAX_UPLOAD_SIZE", "lots")
	t.Setenv("ZAP_POLL_INTERVAL", "soon")

	cfg, err := loadIn(t)
	require.NoError(t, err)
	assert.Equal(t, int64(104857600), cfg.MaxUploadSize)
	assert.Equal(t, 2*time.Second, cfg.ZAPPollInterval)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  string
	}{
		{name: "scan mode", key: "MOBSF_SCAN_MODE", val: "async"},
		{name: "job store", key: "JOB_STORE", val: "postgres"},
		{name: "upload size", key: "MAX_UPLOAD_SIZE", val: "-1"},
		{name: "extensions", key: "ALLOWED_EXTENSIONS", val: " , "},
		{name: "poll interval", key: "ZAP_POLL_INTERVAL", val: "0s"},
		{name: "active ttl", key: "JOB_ACTIVE_TTL", val: "-1m"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.val)
			_, err := loadIn(t)
			require.Error(t, err)
		})
	}
}

func TestReleaseModeRequiresSecrets(t *testing.T) {
	t.Setenv("GIN_MODE", "release")
	_, err := loadIn(t)
	require.ErrorContains(t, err, "SESSION_SECRET")

	t.Setenv("SESSION_SECRET", "s3cret")
	t.Setenv("ZAP_KEY", "zap-key")
	_, err = loadIn(t)
	require.ErrorContains(t, err, "MOBSF_API_KEY")

	t.Setenv("MOBSF_API_KEY", "mobsf-key")
	cfg, err := loadIn(t)
	require.NoError(t, err)
	assert.Equal(t, "s3cret", cfg.SessionSecret)
}

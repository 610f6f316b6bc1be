// Package config は環境変数から設定を読み込み、アプリケーション全体で使用する設定を提供します。
package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// 開発用のセッション署名鍵。release モードでは使用できません。
const devSessionSecret = "vapt-orchestrator-dev-session-secret-change-me"

// Config はアプリケーションの設定を保持する構造体です。
type Config struct {
	// サーバー設定
	Port          string // APIサーバーのポート番号
	GinMode       string // Ginの実行モード (debug, release, test)
	PublicBaseURL string // このサービスの公開URL
	LogLevel      string // ログレベル (debug, info)

	// CORS / セッション設定
	CORSAllowedOrigins string // CORS許可オリジン（カンマ区切り）
	SessionSecret      string // セッションCookie署名用の秘密鍵

	// Webスキャナ (ZAP) 設定
	ZAPHost         string
	ZAPPort         string
	ZAPKey          string
	ZAPPollInterval time.Duration // spider / active scan のポーリング間隔

	// モバイルスキャナ (MobSF) 設定
	MobSFHost            string
	MobSFPort            string
	MobSFAPIKey          string
	MobSFScanMode        string        // sync または polled
	MobSFPollInterval    time.Duration // 静的/動的解析のポーリング間隔
	MobSFDynamicAnalysis bool          // polled モードで動的解析を試行するか

	// アップロード制限
	MaxUploadSize     int64    // アップロードの最大サイズ（バイト）
	AllowedExtensions []string // 許可する拡張子（小文字, ドット付き）

	// ジョブ設定
	JobStore            string        // memory または redis
	JobRedisURL         string        // JOB_STORE=redis の接続先
	JobRetentionMinutes int           // 終了済みジョブの保持期間（0で無期限）
	JobActiveTTL        time.Duration // JOB_STORE=redis で更新の途絶えた実行中ジョブを消すまでの時間
	JobSweepInterval    time.Duration // メモリストアの掃除間隔
}

// Load は環境変数から設定を読み込みます。
// .env.local ファイルが存在する場合はそこから読み込みます。
func Load() (*Config, error) {
	loadEnvFile()

	config := &Config{
		Port:          getEnv("PORT", "3001"),
		GinMode:       getEnv("GIN_MODE", "debug"),
		PublicBaseURL: getEnv("PUBLIC_BASE_URL", ""),
		LogLevel:      getEnv("LOG_LEVEL", "info"),

		CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:5173"),
		SessionSecret:      getEnv("SESSION_SECRET", ""),

		ZAPHost:         getEnv("ZAP_HOST", "localhost"),
		ZAPPort:         getEnv("ZAP_PORT", "8080"),
		ZAPKey:          getEnv("ZAP_KEY", ""),
		ZAPPollInterval: getEnvAsDuration("ZAP_POLL_INTERVAL", 2*time.Second),

		MobSFHost:            getEnv("MOBSF_HOST", "localhost"),
		MobSFPort:            getEnv("MOBSF_PORT", "8000"),
		MobSFAPIKey:          getEnv("MOBSF_API_KEY", ""),
		MobSFScanMode:        strings.ToLower(getEnv("MOBSF_SCAN_MODE", "sync")),
		MobSFPollInterval:    getEnvAsDuration("MOBSF_POLL_INTERVAL", 5*time.Second),
		MobSFDynamicAnalysis: getEnvAsBool("MOBSF_DYNAMIC_ANALYSIS", true),

		MaxUploadSize:     getEnvAsInt64("MAX_UPLOAD_SIZE", 104857600), // 100MB
		AllowedExtensions: parseExtensions(getEnv("ALLOWED_EXTENSIONS", ".apk,.ipa,.appx,.zip")),

		JobStore:            strings.ToLower(getEnv("JOB_STORE", "memory")),
		JobRedisURL:         getEnv("JOB_REDIS_URL", "redis://127.0.0.1:6379/0"),
		JobRetentionMinutes: getEnvAsInt("JOB_RETENTION_MINUTES", 0),
		JobActiveTTL:        getEnvAsDuration("JOB_ACTIVE_TTL", 6*time.Hour),
		JobSweepInterval:    getEnvAsDuration("JOB_SWEEP_INTERVAL", time.Minute),
	}

	if config.PublicBaseURL == "" {
		config.PublicBaseURL = "http://localhost:" + config.Port
	}
	if config.SessionSecret == "" && config.GinMode != "release" {
		config.SessionSecret = devSessionSecret
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func loadEnvFile() {
	if err := godotenv.Load(".env.local"); err == nil {
		return
	}

	cwd, err := os.Getwd()
	if err != nil {
		return
	}

	parent := filepath.Dir(cwd)
	if parent == "" || parent == cwd {
		return
	}

	_ = godotenv.Load(filepath.Join(parent, ".env.local"))
}

// Validate は設定の妥当性を検証します。
func (c *Config) Validate() error {
	switch c.MobSFScanMode {
	case "sync", "polled":
	default:
		return fmt.Errorf("MOBSF_SCAN_MODE must be sync or polled (got %q)", c.MobSFScanMode)
	}
	switch c.JobStore {
	case "memory", "redis":
	default:
		return fmt.Errorf("JOB_STORE must be memory or redis (got %q)", c.JobStore)
	}
	if c.MaxUploadSize <= 0 {
		return fmt.Errorf("MAX_UPLOAD_SIZE must be positive")
	}
	if len(c.AllowedExtensions) == 0 {
		return fmt.Errorf("ALLOWED_EXTENSIONS must not be empty")
	}
	if c.ZAPPollInterval <= 0 || c.MobSFPollInterval <= 0 {
		return fmt.Errorf("poll intervals must be positive")
	}
	if c.JobActiveTTL <= 0 {
		return fmt.Errorf("JOB_ACTIVE_TTL must be positive")
	}

	// 本番環境では秘密情報を厳格にチェックする
	if c.GinMode == "release" {
		if c.SessionSecret == "" {
			return fmt.Errorf("SESSION_SECRET is required in release mode")
		}
		if c.ZAPKey == "" {
			return fmt.Errorf("ZAP_KEY is required in release mode")
		}
		if c.MobSFAPIKey == "" {
			return fmt.Errorf("MOBSF_API_KEY is required in release mode")
		}
		if c.JobStore == "redis" && c.JobRedisURL == "" {
			return fmt.Errorf("JOB_REDIS_URL is required when JOB_STORE=redis")
		}
	}

	return nil
}

// ZAPURL は ZAP API のベースURLを返します。
func (c *Config) ZAPURL() string {
	return "http://" + net.JoinHostPort(c.ZAPHost, c.ZAPPort)
}

// MobSFURL は MobSF API のベースURLを返します。
func (c *Config) MobSFURL() string {
	return "http://" + net.JoinHostPort(c.MobSFHost, c.MobSFPort)
}

// JobRetention は終了済みジョブの保持期間を返します。
func (c *Config) JobRetention() time.Duration {
	if c.JobRetentionMinutes <= 0 {
		return 0
	}
	return time.Duration(c.JobRetentionMinutes) * time.Minute
}

func parseExtensions(raw string) []string {
	var out []string
	for _, ext := range strings.Split(raw, ",") {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		out = append(out, ext)
	}
	return out
}

// getEnv は環境変数を取得し、存在しない場合はデフォルト値を返します。
func getEnv(key string, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// getEnvAsInt は環境変数を整数として取得します。
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsInt64 は環境変数を64ビット整数として取得します。
func getEnvAsInt64(key string, defaultValue int64) int64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseInt(valueStr, 10, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsBool は環境変数を真偽値として取得します。
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsDuration は "2s" や "500ms" 形式の環境変数を取得します。
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

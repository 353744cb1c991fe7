package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Configはアプリ全体の設定
type Config struct {
	Port string // サーバーポート（8080）

	PostgresUser     string // DBユーザー
	PostgresPassword string // DBパスワード
	PostgresDB       string // DB名
	PostgresHost     string // DBホスト（localhost）
	PostgresPort     int    // DBポート

	JWTSecret string // admin用JWTの検証シークレット

	WebhookSecret    string        // webhook署名の共有シークレット
	WebhookTolerance time.Duration // 署名タイムスタンプの許容窓（デフォルト5分）

	TransitionRetryAttempts int // version競合時の再試行回数（デフォルト3）

	CheckoutMaxRetries  int           // PAYMENT_FAILED→AWAITING_PAYMENTの上限（デフォルト3）
	CheckoutRetryWindow time.Duration // 注文作成からの再試行可能時間（デフォルト24h）

	ProviderBaseURL string        // 決済プロバイダAPI
	ProviderAPIKey  string        //
	ProviderTimeout time.Duration // プロバイダ呼び出しのタイムアウト（デフォルト10s）

	RabbitURL      string        // 空ならNopDispatcherで動く
	RabbitExchange string        // 通知のfanout exchange
	NotifyTimeout  time.Duration // 通知publishのタイムアウト（デフォルト5s）
}

// Loadは環境変数から設定を読む。必須キーが欠けていたらエラー。
func Load() (Config, error) {
	pgPort, err := mustAtoi("POSTGRES_PORT")
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		Port: os.Getenv("PORT"),

		PostgresUser:     os.Getenv("POSTGRES_USER"),
		PostgresPassword: os.Getenv("POSTGRES_PASSWORD"),
		PostgresDB:       os.Getenv("POSTGRES_DB"),
		PostgresHost:     os.Getenv("POSTGRES_HOST"),
		PostgresPort:     pgPort,

		JWTSecret: os.Getenv("JWT_SECRET"),

		WebhookSecret:    os.Getenv("WEBHOOK_SECRET"),
		WebhookTolerance: secondsOr("WEBHOOK_TOLERANCE_SECONDS", 300),

		TransitionRetryAttempts: intOr("TRANSITION_RETRY_ATTEMPTS", 3),

		CheckoutMaxRetries:  intOr("CHECKOUT_MAX_RETRIES", 3),
		CheckoutRetryWindow: time.Duration(intOr("CHECKOUT_RETRY_WINDOW_HOURS", 24)) * time.Hour,

		ProviderBaseURL: os.Getenv("PROVIDER_BASE_URL"),
		ProviderAPIKey:  os.Getenv("PROVIDER_API_KEY"),
		ProviderTimeout: secondsOr("PROVIDER_TIMEOUT_SECONDS", 10),

		RabbitURL:      os.Getenv("RABBITMQ_URL"),
		RabbitExchange: envOr("RABBITMQ_EXCHANGE", "order.notifications"),
		NotifyTimeout:  secondsOr("NOTIFY_TIMEOUT_SECONDS", 5),
	}

	//必須チェック
	if cfg.Port == "" {
		return Config{}, fmt.Errorf("PORT is required")
	}
	if cfg.PostgresUser == "" {
		return Config{}, fmt.Errorf("POSTGRES_USER is required")
	}
	if cfg.PostgresPassword == "" {
		return Config{}, fmt.Errorf("POSTGRES_PASSWORD is required")
	}
	if cfg.PostgresDB == "" {
		return Config{}, fmt.Errorf("POSTGRES_DB is required")
	}
	if cfg.PostgresHost == "" {
		return Config{}, fmt.Errorf("POSTGRES_HOST is required")
	}
	if cfg.JWTSecret == "" {
		return Config{}, fmt.Errorf("JWT_SECRET is required")
	}
	if cfg.WebhookSecret == "" {
		return Config{}, fmt.Errorf("WEBHOOK_SECRET is required")
	}
	if cfg.ProviderBaseURL == "" {
		return Config{}, fmt.Errorf("PROVIDER_BASE_URL is required")
	}
	if cfg.ProviderAPIKey == "" {
		return Config{}, fmt.Errorf("PROVIDER_API_KEY is required")
	}

	return cfg, nil
}

func mustAtoi(key string) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return 0, fmt.Errorf("%s is required", key)
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be number: %w", key, err)
	}
	return i, nil
}

func intOr(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil || i <= 0 {
		return def
	}
	return i
}

func secondsOr(key string, defSeconds int) time.Duration {
	return time.Duration(intOr(key, defSeconds)) * time.Second
}

func envOr(key string, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}

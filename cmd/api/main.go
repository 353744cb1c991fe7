package main

import (
	"log/slog"
	"os"

	"app/internal/config"
	"app/internal/domain/model"
	"app/internal/handler"
	"app/internal/infra/db"
	infraRepo "app/internal/infra/repository"
	"app/internal/notify"
	"app/internal/payment"
	"app/internal/server"
	"app/internal/usecase"

	"github.com/joho/godotenv"
)

func main() {
	//.envはローカル用。無ければ環境変数だけで動く。
	_ = godotenv.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	cfg, err := config.Load()
	if err != nil {
		logger.Error("config load failed", "error", err)
		os.Exit(1)
	}

	//DB接続
	gormDB, err := db.Connect()
	if err != nil {
		logger.Error("db connect failed", "error", err)
		os.Exit(1)
	}
	if err := gormDB.AutoMigrate(
		&model.Order{},
		&model.OrderItem{},
		&model.WebhookEvent{},
		&model.ProcessedEvent{},
		&model.AuditEntry{},
	); err != nil {
		logger.Error("migrate failed", "error", err)
		os.Exit(1)
	}

	//Tx manager（GORM実装）
	tx := infraRepo.NewTxManagerGorm(gormDB)

	//署名検証器
	verifier := payment.NewVerifier(cfg.WebhookSecret, cfg.WebhookTolerance)

	//決済プロバイダ
	provider := payment.NewHTTPProvider(cfg.ProviderBaseURL, cfg.ProviderAPIKey, cfg.ProviderTimeout)

	//通知先。broker未設定ならno-opで動かす。
	var dispatcher notify.Dispatcher = notify.NopDispatcher{}
	if cfg.RabbitURL != "" {
		d, err := notify.NewRabbitDispatcher(cfg.RabbitURL, cfg.RabbitExchange)
		if err != nil {
			logger.Error("rabbitmq connect failed", "error", err)
			os.Exit(1)
		}
		defer d.Close()
		dispatcher = d
	}

	//Usecase生成
	webhookUC := usecase.NewWebhookUsecase(tx, verifier, dispatcher, logger, cfg.TransitionRetryAttempts, cfg.NotifyTimeout)
	checkoutUC := usecase.NewCheckoutUsecase(tx, provider, logger, cfg.ProviderTimeout, cfg.TransitionRetryAttempts)
	orderUC := usecase.NewOrderUsecase(tx)
	adminUC := usecase.NewAdminOrderUsecase(tx, dispatcher, logger, cfg.TransitionRetryAttempts, cfg.NotifyTimeout, cfg.CheckoutMaxRetries, cfg.CheckoutRetryWindow)

	//Handler生成
	handlers := server.Handlers{
		Webhook:    handler.NewWebhookHandler(webhookUC),
		Checkout:   handler.NewCheckoutHandler(checkoutUC),
		Order:      handler.NewOrderHandler(orderUC),
		AdminOrder: handler.NewAdminOrderHandler(adminUC),
	}

	//Server起動
	e := server.New(cfg, handlers)

	if err := server.Start(e, ":"+cfg.Port); err != nil {
		logger.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

package main

import (
	"context"
	"log"
	// Timezone validation needs the IANA database even on images
	// without zoneinfo.
	_ "time/tzdata"

	"github.com/joho/godotenv"
	"github.com/podsprint/matching-service/internal/app"
	"github.com/podsprint/matching-service/internal/config"
	"github.com/podsprint/matching-service/internal/logger"
	"go.uber.org/zap"
)

func main() {
	ctx := context.Background()

	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	zapLogger, err := logger.New(cfg.LogLevel)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer zapLogger.Sync()

	application, err := app.New(ctx, cfg, zapLogger)
	if err != nil {
		zapLogger.Fatal("init app failed", zap.Error(err))
	}

	if err := application.Run(ctx); err != nil {
		zapLogger.Fatal("app stopped", zap.Error(err))
	}
}

package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/latchkey/latchkey/internal/app"
	"github.com/latchkey/latchkey/internal/platform/otel"
)

func main() {
	log.SetPrefix("[LATCHKEY] ")
	cfg, err := app.LoadConfigFromEnv()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := otel.Setup(ctx, "latchkey")
	if err != nil {
		log.Fatalf("setup tracing: %v", err)
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			log.Printf("shutdown tracing: %v", err)
		}
	}()

	if err := app.Run(ctx, cfg); err != nil {
		log.Fatalf("failed to serve: %v", err)
	}
}

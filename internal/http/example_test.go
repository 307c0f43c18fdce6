package http_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/prgate/internal/history"
	httpserver "github.com/fyrsmithlabs/prgate/internal/http"
	"github.com/fyrsmithlabs/prgate/internal/logging"
)

// ExampleServer demonstrates serving the run history.
func ExampleServer() {
	dir, err := os.MkdirTemp("", "prgate-example")
	if err != nil {
		panic(err)
	}
	defer os.RemoveAll(dir)

	store, err := history.Open(filepath.Join(dir, "history.db"))
	if err != nil {
		panic(err)
	}
	defer store.Close()

	logger := logging.Nop()
	ctx := context.Background()

	cfg := &httpserver.Config{
		Host:       "localhost",
		Port:       0,
		Registerer: prometheus.NewRegistry(),
	}

	server, err := httpserver.NewServer(store, logger, cfg)
	if err != nil {
		panic(err)
	}

	go func() {
		if err := server.Start(); err != nil {
			logger.Debug(ctx, "server stopped", zap.Error(err))
		}
	}()

	time.Sleep(100 * time.Millisecond)

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error(ctx, "shutdown error", zap.Error(err))
	}

	fmt.Println("Server started and stopped successfully")
	// Output: Server started and stopped successfully
}

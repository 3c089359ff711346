// aiva-nestedhelperd runs inside a nested helper VM (Lima on macOS, WSL2 on
// Windows) and exposes an HTTP surface for registering vsock-to-TCP
// forwards. The host reaches it through the loopback port the VM provider
// already forwards out of the guest, then asks it to punch a listener for
// each microVM command channel the nested driver needs to reach.
package main

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/polunzh/aiva/internal/nestedhelper"
	"github.com/polunzh/aiva/internal/shared/logging"
)

const defaultListenAddr = "127.0.0.1:9700"

func main() {
	logger := logging.New("aiva-nestedhelperd")

	addr := defaultListenAddr
	if v := os.Getenv("AIVA_NESTEDHELPERD_ADDR"); v != "" {
		addr = v
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	manager, err := nestedhelper.New(nestedhelper.Options{Logger: logger})
	if err != nil {
		logger.Error("start relay manager", "error", err)
		os.Exit(1)
	}
	defer manager.Close()

	handler := nestedhelper.NewHandler(logger, manager)

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		logger.Error("listen", "addr", addr, "error", err)
		os.Exit(1)
	}

	srv := &http.Server{Handler: handler, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("nestedhelperd listening", "addr", addr)
	if err := srv.Serve(listener); err != nil && err != http.ErrServerClosed {
		logger.Error("serve", "error", err)
		os.Exit(1)
	}
}

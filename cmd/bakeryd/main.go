// Command bakeryd runs the Bakery daemon: a control-plane API and a
// reverse-proxy router sharing one embedded database.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/bakerylabs/bakeryd/internal/config"
	"github.com/bakerylabs/bakeryd/internal/httpapi"
	"github.com/bakerylabs/bakeryd/internal/logger"
	"github.com/bakerylabs/bakeryd/internal/orchestrator"
	"github.com/bakerylabs/bakeryd/internal/portalloc"
	"github.com/bakerylabs/bakeryd/internal/proxy"
	"github.com/bakerylabs/bakeryd/internal/routerport"
	"github.com/bakerylabs/bakeryd/internal/store/sqlite"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	log := logger.New("bakeryd", logger.ParseLevel(cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		log.Error("failed to create data directory", "dir", cfg.DataDir, "error", err)
		os.Exit(1)
	}
	dbPath := filepath.Join(cfg.DataDir, "bakery.db")

	st, err := sqlite.Open(ctx, dbPath, log)
	if err != nil {
		log.Error("failed to open store", "path", dbPath, "error", err)
		os.Exit(1)
	}
	defer st.Close()

	allocator := portalloc.New(cfg.PortRangeStart, cfg.PortRangeEnd)
	routerPort := routerport.New()

	proxyHandler := proxy.New(st, log.With("component", "proxy"))
	proxyListener, boundPort, err := bindFirstFree(cfg.RouterPorts)
	if err != nil {
		log.Error("failed to bind router proxy", "candidates", cfg.RouterPorts, "error", err)
		os.Exit(1)
	}
	routerPort.Set(boundPort)
	log.Info("router proxy bound", "port", boundPort)

	orch := orchestrator.New(st, allocator, routerPort, cfg.HostSuffix, log.With("component", "orchestrator"))
	apiRouter := httpapi.NewRouter(log.With("component", "api"), st, orch, routerPort, cfg.Host, cfg.Port)

	proxySrv := &http.Server{
		Handler:           proxyHandler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	apiSrv := &http.Server{
		Addr:              net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		Handler:           apiRouter,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 2)
	go func() {
		errCh <- proxySrv.Serve(proxyListener)
	}()
	go func() {
		log.Info("control api starting", "addr", apiSrv.Addr)
		errCh <- apiSrv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := apiSrv.Shutdown(shutdownCtx); err != nil {
			log.Error("control api shutdown failed", "error", err)
		}
		if err := proxySrv.Shutdown(shutdownCtx); err != nil {
			log.Error("router proxy shutdown failed", "error", err)
		}
		log.Info("bakeryd stopped")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}
}

// bindFirstFree tries each candidate port in order, falling back to an
// OS-assigned port (0) if none bind.
func bindFirstFree(candidates []int) (net.Listener, int, error) {
	for _, port := range candidates {
		listener, err := net.Listen("tcp", net.JoinHostPort("", strconv.Itoa(port)))
		if err == nil {
			return listener, listener.Addr().(*net.TCPAddr).Port, nil
		}
	}
	listener, err := net.Listen("tcp", ":0")
	if err != nil {
		return nil, 0, err
	}
	return listener, listener.Addr().(*net.TCPAddr).Port, nil
}

package main

import (
	"context"
	"flag"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"simcal.ai/internal/mcp"
)

func main() {
	var (
		listen     = flag.String("listen", "127.0.0.1:8090", "http listen address")
		adminURL   = flag.String("admin-url", "http://127.0.0.1:8080", "simulation server base url (admin routes must be reachable from here)")
		hmacSecret = flag.String("hmac-secret", "", "hmac secret (or set SC_MCP_HMAC_SECRET)")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[mcp] ", log.LstdFlags|log.Lmicroseconds)

	if strings.TrimSpace(*hmacSecret) == "" {
		*hmacSecret = strings.TrimSpace(os.Getenv("SC_MCP_HMAC_SECRET"))
	}
	requireHMAC := envBoolWithDefault("SC_MCP_REQUIRE_HMAC", isDeployed())
	allowLegacy := envBoolWithDefault("SC_MCP_HMAC_ALLOW_LEGACY", !isDeployed())
	if requireHMAC && *hmacSecret == "" {
		logger.Fatalf("hmac secret required (set -hmac-secret or SC_MCP_HMAC_SECRET)")
	}
	if *hmacSecret == "" && !isLoopbackListenAddress(*listen) {
		logger.Fatalf("refusing insecure MCP bind on non-loopback address %q without hmac secret", *listen)
	}
	authMode := "hmac"
	if *hmacSecret == "" {
		authMode = "none(loopback-only)"
	}
	logger.Printf("auth_mode=%s require_hmac=%t allow_legacy_hmac=%t", authMode, requireHMAC, allowLegacy)

	control, err := mcp.NewAdminClient(*adminURL, nil)
	if err != nil {
		logger.Fatalf("admin client: %v", err)
	}
	srv, err := mcp.NewServer(mcp.Config{
		Control:         control,
		HMACSecret:      *hmacSecret,
		AllowLegacyHMAC: allowLegacy,
		Logger:          logger,
	})
	if err != nil {
		logger.Fatalf("mcp: %v", err)
	}

	httpSrv := &http.Server{
		Addr:              *listen,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, cancel := signalContext()
	defer cancel()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpSrv.Shutdown(shutdownCtx)
	}()

	logger.Printf("listening on http://%s (admin=%s)", *listen, *adminURL)
	if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalf("listen: %v", err)
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}

func isDeployed() bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv("DEPLOY_ENV"))) {
	case "staging", "production":
		return true
	default:
		return false
	}
}

func envBoolWithDefault(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func isLoopbackListenAddress(addr string) bool {
	host := strings.TrimSpace(addr)
	if h, _, err := net.SplitHostPort(addr); err == nil {
		host = strings.TrimSpace(h)
	}
	host = strings.Trim(host, "[]")
	if host == "" {
		return false
	}
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

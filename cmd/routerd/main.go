// Command routerd hosts the WS routing server described in SPEC_FULL.md
// as a standalone process: flag/env-driven configuration, structured
// logging setup, optional Redis stats publishing, and graceful
// shutdown on SIGINT/SIGTERM.
//
// Modeled on the teacher's agents/k8s-agent/main.go entry point: flags
// default from environment variables, required values are validated
// before anything starts, and shutdown waits on an os/signal channel.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fulanowo/maim-message/auth"
	"github.com/fulanowo/maim-message/internal/obslog"
	"github.com/fulanowo/maim-message/internal/stats"
	"github.com/fulanowo/maim-message/server"
)

func main() {
	host := flag.String("host", getEnvOrDefault("ROUTERD_HOST", "0.0.0.0"), "bind host")
	port := flag.Int("port", getEnvIntOrDefault("ROUTERD_PORT", 18040), "bind port")
	path := flag.String("path", getEnvOrDefault("ROUTERD_PATH", "/ws"), "WS upgrade path")

	sslEnabled := flag.Bool("ssl-enabled", getEnvOrDefault("ROUTERD_SSL_ENABLED", "false") == "true", "enable TLS")
	sslCertFile := flag.String("ssl-certfile", os.Getenv("ROUTERD_SSL_CERTFILE"), "TLS certificate path")
	sslKeyFile := flag.String("ssl-keyfile", os.Getenv("ROUTERD_SSL_KEYFILE"), "TLS key path")
	sslCACerts := flag.String("ssl-ca-certs", os.Getenv("ROUTERD_SSL_CA_CERTS"), "TLS client CA bundle path")
	sslVerify := flag.Bool("ssl-verify", getEnvOrDefault("ROUTERD_SSL_VERIFY", "false") == "true", "require client certificates")

	logLevel := flag.String("log-level", getEnvOrDefault("ROUTERD_LOG_LEVEL", "info"), "log level")
	logPretty := flag.Bool("log-pretty", getEnvOrDefault("ROUTERD_LOG_PRETTY", "false") == "true", "human-readable console logs")
	enableConnectionLog := flag.Bool("enable-connection-log", getEnvOrDefault("ROUTERD_ENABLE_CONNECTION_LOG", "true") == "true", "log connect/disconnect events")
	enableMessageLog := flag.Bool("enable-message-log", getEnvOrDefault("ROUTERD_ENABLE_MESSAGE_LOG", "false") == "true", "log individual message traffic")

	enableStats := flag.Bool("enable-stats", getEnvOrDefault("ROUTERD_ENABLE_STATS", "false") == "true", "publish periodic stats to Redis")
	statsAddr := flag.String("stats-redis-addr", getEnvOrDefault("ROUTERD_STATS_REDIS_ADDR", "localhost:6379"), "Redis address for stats publishing")
	statsPassword := flag.String("stats-redis-password", os.Getenv("ROUTERD_STATS_REDIS_PASSWORD"), "Redis password")
	statsChannel := flag.String("stats-channel", getEnvOrDefault("ROUTERD_STATS_CHANNEL", "wsrouter:stats"), "Redis pub/sub channel for stats")
	statsInterval := flag.Int("stats-interval", getEnvIntOrDefault("ROUTERD_STATS_INTERVAL", 30), "stats publish interval in seconds")

	closeTimeout := flag.Int("close-timeout", getEnvIntOrDefault("ROUTERD_CLOSE_TIMEOUT", 5), "graceful shutdown drain timeout in seconds")

	jwtSecret := flag.String("jwt-secret", os.Getenv("ROUTERD_JWT_SECRET"), "HMAC secret; when set, api_key is validated as a signed JWT instead of an opaque token")

	flag.Parse()

	obslog.Initialize(*logLevel, *logPretty)
	log := obslog.Server()

	if *sslEnabled && (*sslCertFile == "" || *sslKeyFile == "") {
		log.Fatal().Msg("ssl-enabled requires ssl-certfile and ssl-keyfile")
	}

	cfg := server.Config{
		Host:                *host,
		Port:                *port,
		Path:                *path,
		SSLEnabled:          *sslEnabled,
		SSLCertFile:         *sslCertFile,
		SSLKeyFile:          *sslKeyFile,
		SSLCACerts:          *sslCACerts,
		SSLVerify:           *sslVerify,
		LogLevel:            *logLevel,
		EnableConnectionLog: *enableConnectionLog,
		EnableMessageLog:    *enableMessageLog,
		EnableStats:         *enableStats,
		StatsInterval:       time.Duration(*statsInterval) * time.Second,
		StatsChannel:        *statsChannel,
		CloseTimeout:        time.Duration(*closeTimeout) * time.Second,
	}.WithDefaults()

	opts := []server.Option{server.WithLogger(log)}
	if *jwtSecret != "" {
		opts = append(opts, server.WithAuthenticator(auth.NewJWTAuthenticator(*jwtSecret)))
	}
	if *enableStats {
		reporter := stats.NewReporter(stats.Config{
			Addr:     *statsAddr,
			Password: *statsPassword,
			Enabled:  true,
		}, *statsChannel)
		opts = append(opts, server.WithStatsReporter(reporter))
	}

	srv := server.New(cfg, opts...)

	ctx, cancel := context.WithCancel(context.Background())
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-quit
		log.Info().Str("signal", sig.String()).Msg("shutdown requested")
		cancel()
	}()

	log.Info().Str("addr", fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)).Str("path", cfg.Path).Msg("routerd starting")
	if err := srv.ListenAndServe(ctx); err != nil {
		log.Fatal().Err(err).Msg("routerd exited with error")
	}
	log.Info().Msg("routerd stopped")
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		var parsed int
		if _, err := fmt.Sscanf(value, "%d", &parsed); err == nil {
			return parsed
		}
	}
	return defaultValue
}

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/talkincode/hotspotbill/config"
	"github.com/talkincode/hotspotbill/internal/adminapi"
	"github.com/talkincode/hotspotbill/internal/app"
	"github.com/talkincode/hotspotbill/internal/webserver"
	"go.uber.org/zap"
)

var (
	configFile = flag.String("c", "", "config file path")
	initDB     = flag.Bool("initdb", false, "drop and recreate every table, then exit")
	token      = flag.String("token", "", "print an admin api token for this subject, then exit")
	tokenTTL   = flag.Duration("token-ttl", 30*24*time.Hour, "lifetime of a token printed by -token")
)

func main() {
	flag.Parse()

	cfg, err := config.LoadConfig(*configFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, "load config:", err)
		os.Exit(1)
	}

	if *token != "" {
		signed, err := webserver.IssueToken(cfg.Web.JwtSecret, *token, *tokenTTL)
		if err != nil {
			fmt.Fprintln(os.Stderr, "issue token:", err)
			os.Exit(1)
		}
		fmt.Println(signed)
		return
	}

	application := app.NewApplication(cfg)
	application.Init(cfg)
	defer application.Release()

	if *initDB {
		application.InitDb()
		zap.L().Info("database initialized")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	application.StartBackgroundJobs(ctx)

	server := webserver.NewServer(cfg.Web, application)
	adminapi.Register(server)

	errc := make(chan error, 1)
	go func() {
		errc <- server.Start()
	}()

	select {
	case <-ctx.Done():
		zap.L().Info("shutting down", zap.String("namespace", "main"))
	case err := <-errc:
		if err != nil {
			zap.L().Error("web server stopped", zap.String("namespace", "main"), zap.Error(err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		zap.L().Error("web server shutdown", zap.String("namespace", "main"), zap.Error(err))
	}
}

package main

import (
	"context"
	"errors"
	"net/http"

	"talkd/internal/app"
	"talkd/pkg/config"
	"talkd/pkg/logger"
	"talkd/pkg/shutdown"
)

// build metadata - set via ldflags during build/release
var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	addrVal, dbVal, cfgVal, setFlags := config.ParseCommandFlags()

	eff, err := config.LoadEffective(addrVal, dbVal, cfgVal, setFlags)
	if err != nil {
		logger.Init()
		shutdown.Abort("failed to load config", err, "")
	}

	level := ""
	if eff.Config != nil {
		level = eff.Config.Logging.Level
	}
	logger.InitWithLevel(level)

	a, err := app.New(eff, version, commit, buildDate)
	if err != nil {
		shutdown.Abort("startup failed", err, eff.DBPath)
	}

	ctx, cancel := shutdown.SetupSignalHandler(context.Background())
	defer cancel()

	if err := a.Run(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		shutdown.Abort("server exited", err, eff.DBPath)
	}
	logger.Info("server_stopped")
}

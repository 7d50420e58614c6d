package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"nestsub/internal/auth"
	"nestsub/internal/config"
	"nestsub/internal/logger"
	"nestsub/internal/processor"
)

const usage = `usage: nestsub <command> [-config path]

commands:
  run        receive camera events and store records and clips
  bootstrap  link the device access project and save a refresh token
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	fs := flag.NewFlagSet(os.Args[1], flag.ExitOnError)
	configPath := fs.String("config", "", "path to a YAML config file (default $"+config.PathEnvVar+")")
	_ = fs.Parse(os.Args[2:])

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var err error
	switch os.Args[1] {
	case "run":
		err = run(ctx, *configPath)
	case "bootstrap":
		err = bootstrap(ctx, *configPath)
	default:
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	if err != nil {
		log := logger.WithError(err)
		log.Error().Str("command", os.Args[1]).Msg("exited with error")
		os.Exit(1)
	}
}

func run(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger.Init(cfg.LogLevel)

	if !auth.TokensExist(cfg.Auth.TokensJSON) {
		return fmt.Errorf("%s does not exist, run nestsub bootstrap first", cfg.Auth.TokensJSON)
	}

	p := processor.New(cfg)
	if err := p.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log := logger.WithComponent("main")
	log.Info().Msg("exited")
	return nil
}

func bootstrap(ctx context.Context, configPath string) error {
	cfg, err := config.Read(configPath)
	if err != nil {
		return err
	}
	logger.Init(cfg.LogLevel)

	b := auth.NewBootstrapper(auth.BootstrapConfig{
		OAuth2JSON:            cfg.Auth.OAuth2JSON,
		TokensJSON:            cfg.Auth.TokensJSON,
		TokenURL:              cfg.Auth.TokenURL,
		AuthURLBase:           cfg.Auth.AuthURLBase,
		SDMAPIURL:             cfg.Auth.SDMAPIURL,
		DeviceAccessProjectID: cfg.Auth.DeviceAccessProjectID,
		RedirectURL:           cfg.Auth.RedirectURL,
		In:                    os.Stdin,
		Out:                   os.Stdout,
	})
	return b.Run(ctx)
}

package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/bitsnark/bitsnark/internal/config"
	"github.com/bitsnark/bitsnark/internal/core/application"
	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

//nolint:all
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var cfg *config.Config

func main() {
	app := cli.NewApp()
	app.Version = fmt.Sprintf("%s (%s, %s)", version, commit, date)
	app.Name = "bitsnarkd"
	app.Usage = "bitsnark protocol agent"
	app.Commands = append(
		app.Commands,
		importCmd,
		signCmd,
		mergeCmd,
		verifyCmd,
		readyCmd,
		broadcastCmd,
		fundCmd,
		fundExternalCmd,
		retryCmd,
		showCmd,
		testScriptsCmd,
	)
	app.Action = daemonAction

	app.Before = func(_ *cli.Context) error {
		c, err := config.LoadConfig()
		if err != nil {
			return fmt.Errorf("invalid config: %s", err)
		}
		log.SetLevel(log.Level(c.LogLevel))
		cfg = c
		return nil
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func daemonAction(_ *cli.Context) error {
	svc, err := appService()
	if err != nil {
		return err
	}

	log.RegisterExitHandler(svc.Stop)

	log.Infof("starting agent %s as %s...", cfg.AgentId, cfg.Role)
	if err := svc.Start(); err != nil {
		log.Fatal(err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT, syscall.SIGQUIT, os.Interrupt)
	<-sigChan

	log.Info("shutting down agent...")
	log.Exit(0)
	return nil
}

func appService() (application.Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %s", err)
	}
	log.Debugf("config: %s", cfg)

	return cfg.AppService()
}

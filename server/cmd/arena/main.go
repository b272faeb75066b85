package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli"

	"github.com/phuhao00/arenaserver/server/configs"
	"github.com/phuhao00/arenaserver/server/internal/game"
	"github.com/phuhao00/arenaserver/server/internal/utils"
)

// VERSION is injected by buildflags
var VERSION = "SELFBUILD"

func main() {
	app := cli.NewApp()
	app.Name = "arena"
	app.Usage = "turn-based game server"
	app.Version = VERSION
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "config,c",
			Value: "config.json",
			Usage: "path to the server configuration file",
		},
		cli.BoolFlag{
			Name:  "write-example",
			Usage: "write an example configuration file and exit",
		},
	}
	app.Action = func(c *cli.Context) error {
		path := c.String("config")
		if c.Bool("write-example") {
			configs.WriteExample(path)
			return nil
		}

		cfg, err := configs.Load(path)
		if err != nil {
			return err
		}

		sup, err := game.NewSupervisor(cfg, newCountingLogic)
		if err != nil {
			return err
		}
		if err := sup.Start(); err != nil {
			return err
		}
		utils.LogInfof("Arena server up. Terminal on port %d, clients on port %d.",
			cfg.Terminal.Port, cfg.Client.Port)

		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		select {
		case <-quit:
			utils.LogInfo("Signal received, shutting down")
			sup.Shutdown()
		case <-sup.Done():
		}
		return nil
	}

	if err := app.Run(os.Args); err != nil {
		utils.LogFatalf("arena: %v", err)
	}
}

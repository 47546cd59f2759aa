package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"
)

func main() {
	app := &cli.App{
		Name:  "publisher",
		Usage: "Publish entity lifecycle messages to Kafka",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "env-file",
				Usage:   "Load environment variables from this file before reading configuration",
				EnvVars: []string{"PUBLISHER_ENV_FILE"},
			},
		},
		Before: loadEnvFile,
		Commands: []*cli.Command{
			{
				Name:   "worker",
				Usage:  "Drain a background job queue and deliver queued messages to Kafka",
				Flags:  workerFlags(),
				Action: runWorker,
			},
			{
				Name:   "publish",
				Usage:  "Compose and dispatch a single message",
				Flags:  publishFlags(),
				Action: publish,
			},
			{
				Name:   "ensure-topics",
				Usage:  "Create missing Kafka topics",
				Flags:  topicsFlags(),
				Action: ensureTopics,
			},
		},
	}

	err := app.Run(os.Args)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

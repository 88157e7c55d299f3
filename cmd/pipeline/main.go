package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"
)

func main() {
	app := &cli.App{
		Name:  "pipeline",
		Usage: "Partition-ordered Kafka processing pipeline",
		Commands: []*cli.Command{
			{
				Name:   "run",
				Usage:  "Run the pipeline in the configured mode",
				Flags:  runFlags(),
				Action: run,
			},
			{
				Name:   "ensure-topics",
				Usage:  "Create or grow the topics used by the configured mode",
				Flags:  ensureTopicsFlags(),
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

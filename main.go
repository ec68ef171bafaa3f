package main

import (
	"context"
	"errors"
	"os"

	"github.com/kiwi-io/kiwi/pkg/cli/agent"
	"github.com/kiwi-io/kiwi/pkg/cli/cmds"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"
)

func main() {
	app := cmds.NewApp()
	app.Commands = []cli.Command{
		cmds.NewAgentCommand(agent.Run),
	}

	if err := app.Run(os.Args); err != nil && !errors.Is(err, context.Canceled) {
		logrus.Fatal(err)
	}
}

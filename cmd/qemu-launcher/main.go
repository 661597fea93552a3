/*
// Copyright (c) 2017 Intel Corporation
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
*/

package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	launcher "qemu-launcher"
)

const (
	exitConfigError  = 1
	exitRuntimeError = 2
)

var log = logrus.New()

func main() {
	app := &cli.App{
		Name:      "qemu-launcher",
		Usage:     "launch a QEMU guest from a YAML definition and pin its vCPU threads",
		ArgsUsage: "<name>",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "debug", Usage: "enable debug logging and rollback trace dump"},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		if code, ok := err.(cli.ExitCoder); ok {
			os.Exit(code.ExitCode())
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitRuntimeError)
	}
}

func run(c *cli.Context) error {
	if c.NArg() != 1 {
		return cli.Exit("usage: qemu-launcher <name>", exitConfigError)
	}
	name := c.Args().Get(0)

	path := launcher.ResolveConfigPath(name)
	cfg, err := launcher.LoadConfigFile(path)
	if err != nil {
		log.WithError(err).Error("failed to load configuration")
		return cli.Exit(err.Error(), exitConfigError)
	}

	if c.Bool("debug") {
		cfg.Launcher.Debug = true
	}
	if cfg.Launcher.Debug {
		log.SetLevel(logrus.DebugLevel)
	}

	result, err := launcher.Run(cfg, log)
	if err != nil {
		log.WithError(err).Error("launch failed")
		if result != nil && result.Rollback.HasFailures() && cfg.Launcher.Debug {
			fmt.Fprintln(os.Stderr, result.Rollback.Error())
		}
		return cli.Exit(err.Error(), exitRuntimeError)
	}

	os.Exit(result.ExitCode)
	return nil
}

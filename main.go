/*
Copyright 2025 SnowFlow Operations, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/gravitational/kingpin"
	"github.com/gravitational/trace"

	"github.com/snowflow/license-server/lib/logger"
	"github.com/snowflow/license-server/lib/schedule"
)

func main() {
	logger.Init()
	app := kingpin.New("snowflow-license-server", "SnowFlow enterprise license and credential server.")

	app.Command("configure", "Prints an example .TOML configuration file.")
	app.Command("version", "Prints snowflow-license-server version and exits.")

	startCmd := app.Command("start", "Starts the license server.")
	path := startCmd.Flag("config", "TOML config file path").
		Short('c').
		Default("/etc/snowflow-license-server.toml").
		String()
	debug := startCmd.Flag("debug", "Enable verbose logging to stderr").
		Short('d').
		Bool()
	insecure := startCmd.Flag("insecure-no-tls", "Serve plain HTTP").
		Default("false").
		Bool()

	selectedCmd, err := app.Parse(os.Args[1:])
	if err != nil {
		bail(err)
	}

	switch selectedCmd {
	case "configure":
		fmt.Print(exampleConfig)
	case "version":
		printVersion(app.Name)
	case "start":
		if err := run(*path, *insecure, *debug); err != nil {
			bail(err)
		}
		logger.Standard().Info("Successfully shut down")
	}
}

func run(configPath string, insecure bool, debug bool) error {
	conf, err := LoadConfig(configPath)
	if err != nil {
		return trace.Wrap(err)
	}

	logConfig := conf.Log
	if debug {
		logConfig.Severity = "debug"
	}
	if err := logger.Setup(logConfig); err != nil {
		return err
	}
	if debug {
		logger.Standard().Debugf("DEBUG logging enabled")
	}

	conf.HTTP.Insecure = insecure
	app, err := NewApp(*conf)
	if err != nil {
		return trace.Wrap(err)
	}

	go serveSignals(app)

	return trace.Wrap(
		app.Run(context.Background()),
	)
}

func serveSignals(app *App) {
	sigC := make(chan os.Signal, 1)
	signal.Notify(sigC,
		syscall.SIGQUIT, // graceful shutdown
		syscall.SIGTERM, // fast shutdown
		syscall.SIGINT,  // graceful-then-fast shutdown
	)
	var alreadyInterrupted bool
	for {
		switch <-sigC {
		case syscall.SIGQUIT:
			app.Stop()
		case syscall.SIGTERM:
			app.Close()
		case syscall.SIGINT:
			if alreadyInterrupted {
				app.Close()
			} else {
				app.Stop()
				alreadyInterrupted = true
			}
		}
	}
}

// bail prints the error and exits. A persistently failing maintenance task
// gets its own exit code so supervisors can tell it apart from a startup
// failure.
func bail(err error) {
	errs := []error{err}
	if agg, ok := trace.Unwrap(err).(trace.Aggregate); ok {
		errs = agg.Errors()
	}
	code := 1
	for _, err := range errs {
		logger.Standard().WithError(err).Error("Terminating...")
		if errors.Is(err, schedule.ErrTaskFailing) {
			code = 2
		}
	}
	os.Exit(code)
}

func printVersion(appName string) {
	if Gitref != "" {
		fmt.Printf("%v v%v git:%v %v\n", appName, Version, Gitref, runtime.Version())
	} else {
		fmt.Printf("%v v%v %v\n", appName, Version, runtime.Version())
	}
}

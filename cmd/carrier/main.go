//
// Copyright 2019-2020 Nestybox, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//

package main

import (
	"fmt"
	"os"
	"time"

	"github.com/pkg/profile"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	"github.com/nestybox/carrier/carrier"
	"github.com/nestybox/carrier/repo"
)

const usage string = `carrier

carrier runs a command inside a syscall-interposition sandbox: monitored
syscalls (open, stat, execve and friends) are trapped and served against a
content-addressed repository instead of the host filesystem.
`

// Globals populated at build time by the Makefile, same convention the
// teacher's sysbox-fs binary uses.
var (
	version  string
	commitId string
	builtAt  string
	builtBy  string
)

func runProfiler(ctx *cli.Context) (interface{ Stop() }, error) {
	var prof interface{ Stop() }

	cpuProfOn := ctx.GlobalBool("cpu-profiling")
	memProfOn := ctx.GlobalBool("memory-profiling")
	if cpuProfOn && memProfOn {
		return nil, fmt.Errorf("unsupported parameter combination: cpu and memory profiling")
	}
	if !(cpuProfOn || memProfOn) {
		return nil, nil
	}

	if cpuProfOn {
		prof = profile.Start(profile.CPUProfile, profile.ProfilePath("."), profile.NoShutdownHook)
	}
	if memProfOn {
		prof = profile.Start(profile.MemProfile, profile.ProfilePath("."), profile.NoShutdownHook)
	}
	return prof, nil
}

func setupLogging(ctx *cli.Context) error {
	if path := ctx.GlobalString("log"); path != "" {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND|os.O_SYNC, 0666)
		if err != nil {
			return fmt.Errorf("opening log file %v: %w", path, err)
		}
		logrus.SetOutput(f)
	} else {
		logrus.SetOutput(os.Stderr)
	}

	if ctx.GlobalString("log-format") == "json" {
		logrus.SetFormatter(&logrus.JSONFormatter{TimestampFormat: "2006-01-02 15:04:05"})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{TimestampFormat: "2006-01-02 15:04:05", FullTimestamp: true})
	}

	switch logLevel := ctx.GlobalString("log-level"); logLevel {
	case "debug":
		logrus.SetLevel(logrus.DebugLevel)
	case "", "info":
		logrus.SetLevel(logrus.InfoLevel)
	case "warning":
		logrus.SetLevel(logrus.WarnLevel)
	case "error":
		logrus.SetLevel(logrus.ErrorLevel)
	case "fatal":
		logrus.SetLevel(logrus.FatalLevel)
	default:
		return fmt.Errorf("log-level option %q not recognized", logLevel)
	}
	return nil
}

func runMission(ctx *cli.Context) error {
	if ctx.NArg() < 1 {
		return fmt.Errorf("usage: carrier run [options] <path> [args...]")
	}
	missionPath := ctx.Args().Get(0)
	missionArgs := []string(ctx.Args())[1:]

	rp, err := repo.Open(ctx.GlobalString("rootfs"), ctx.GlobalString("repo"))
	if err != nil {
		return fmt.Errorf("opening repository: %w", err)
	}

	c, err := carrier.New(missionPath, missionArgs, os.Environ(), rp)
	if err != nil {
		return fmt.Errorf("constructing carrier: %w", err)
	}

	prof, err := runProfiler(ctx)
	if err != nil {
		logrus.Fatal(err)
	}
	if prof != nil {
		defer prof.Stop()
	}

	logrus.Infof("launching %s", missionPath)
	if err := c.Bootstrap(); err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}

	status, err := c.Run()
	if err != nil {
		return fmt.Errorf("run: %w", err)
	}

	logrus.Infof("mission exited with status %d", status)
	os.Exit(status)
	return nil
}

func runScoutStub(ctx *cli.Context) error {
	if ctx.NArg() < 1 {
		return fmt.Errorf("usage: carrier %s <path> [args...]", carrier.ScoutStubCommand)
	}
	missionPath := ctx.Args().Get(0)
	missionArgs := []string(ctx.Args())[1:]
	return carrier.RunScoutStub(missionPath, missionArgs)
}

func runFsck(ctx *cli.Context) error {
	if ctx.NArg() < 1 {
		return fmt.Errorf("usage: carrier fsck <repo-path>")
	}
	repoPath := ctx.Args().Get(0)

	rp, err := repo.Open(repoPath, repoPath)
	if err != nil {
		return fmt.Errorf("opening repository: %w", err)
	}

	var checked, bad int
	err = repo.Walk(rp, "/", func(path string, e repo.Entry) error {
		checked++
		switch e.Kind {
		case repo.KindFile:
			if _, statErr := os.Stat(rp.RealPath(path)); statErr != nil {
				bad++
				logrus.Warnf("fsck: %s: %v", path, statErr)
			}
		case repo.KindSymlink:
			if _, linkErr := rp.LoadSymlinkTarget(e); linkErr != nil {
				bad++
				logrus.Warnf("fsck: %s: %v", path, linkErr)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("walk: %w", err)
	}

	logrus.Infof("fsck: checked %d entries, %d inconsistent", checked, bad)
	if bad > 0 {
		return fmt.Errorf("fsck: %d inconsistent entries", bad)
	}
	return nil
}

func runInit(ctx *cli.Context) error {
	if ctx.NArg() < 1 {
		return fmt.Errorf("usage: carrier init <repo-path>")
	}
	repoPath := ctx.Args().Get(0)
	if err := repo.Init(repoPath); err != nil {
		return fmt.Errorf("init: %w", err)
	}
	logrus.Infof("initialized empty repository at %s", repoPath)
	return nil
}

func main() {
	app := cli.NewApp()
	app.Name = "carrier"
	app.Usage = usage
	app.Version = version

	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "rootfs",
			Value: "/",
			Usage: "real filesystem path File entries are read against",
		},
		cli.StringFlag{
			Name:  "repo",
			Value: "/var/lib/carrier/repo",
			Usage: "repository path",
		},
		cli.StringFlag{
			Name:  "log",
			Value: "",
			Usage: "log file path or empty string for stderr output",
		},
		cli.StringFlag{
			Name:  "log-level",
			Value: "info",
			Usage: "log categories to include (debug, info, warning, error, fatal)",
		},
		cli.StringFlag{
			Name:  "log-format",
			Value: "text",
			Usage: "log format; must be json or text",
		},
		cli.BoolFlag{
			Name:   "cpu-profiling",
			Usage:  "enable cpu-profiling data collection",
			Hidden: true,
		},
		cli.BoolFlag{
			Name:   "memory-profiling",
			Usage:  "enable memory-profiling data collection",
			Hidden: true,
		},
	}

	cli.VersionPrinter = func(c *cli.Context) {
		fmt.Printf("carrier\n\tversion: \t%s\n\tcommit: \t%s\n\tbuilt at: \t%s\n\tbuilt by: \t%s\n",
			c.App.Version, commitId, builtAt, builtBy)
	}

	app.Before = func(ctx *cli.Context) error {
		return setupLogging(ctx)
	}

	app.Commands = []cli.Command{
		{
			Name:      "run",
			Usage:     "launch and supervise a sandboxed mission",
			ArgsUsage: "<path> [args...]",
			Action:    runMission,
		},
		{
			Name:      "init",
			Usage:     "create an empty repository",
			ArgsUsage: "<repo-path>",
			Action:    runInit,
		},
		{
			Name:      "fsck",
			Usage:     "walk a repository and verify its entries are consistent",
			ArgsUsage: "<repo-path>",
			Action:    runFsck,
		},
		{
			// Reexec target for carrier.Bootstrap; never invoked directly
			// by a user, the same way the teacher's "nsenter" subcommand
			// is only ever reached via its own /proc/self/exe reexec.
			Name:      carrier.ScoutStubCommand,
			Usage:     "internal: reexec target for mission bootstrap",
			ArgsUsage: "<path> [args...]",
			Hidden:    true,
			Action:    runScoutStub,
		},
	}

	start := time.Now()
	if err := app.Run(os.Args); err != nil {
		logrus.Errorf("carrier: %v (after %s)", err, time.Since(start))
		os.Exit(255)
	}
}

package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/matheus3301/threadsync/internal/daemon"
	"github.com/matheus3301/threadsync/internal/session"
	"go.uber.org/fx"
	"go.uber.org/zap/zapcore"
)

func main() {
	sessionFlag := flag.String("session", "", "session name (overrides config default)")
	memberFlag := flag.String("member", "", "member id (overrides config member_id)")
	configFlag := flag.String("config", "", "config file (default ~/.threadsync/config.toml)")
	levelFlag := flag.String("log-level", "info", "log level: debug, info, warn, error")
	flag.Parse()

	sessionName, source := session.ResolveWithSource(*sessionFlag)
	if err := session.ValidateName(sessionName); err != nil {
		fmt.Fprintf(os.Stderr, "error: session from %s: %v\n", source, err)
		os.Exit(1)
	}

	level, err := zapcore.ParseLevel(*levelFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	app := fx.New(
		daemon.Module(daemon.Params{
			SessionName: sessionName,
			ConfigPath:  *configFlag,
			MemberID:    *memberFlag,
			LogLevel:    level,
		}),
	)

	app.Run()
}

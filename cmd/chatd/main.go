package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/taskora/chatcore/internal/daemon"
	"github.com/taskora/chatcore/internal/session"
	"go.uber.org/fx"
)

func main() {
	instanceFlag := flag.String("instance", "default", "instance name")
	addrFlag := flag.String("addr", "", "listen address (overrides config)")
	flag.Parse()

	if err := session.ValidateName(*instanceFlag); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	app := fx.New(
		daemon.Module(daemon.Params{
			Instance:   *instanceFlag,
			ListenAddr: *addrFlag,
		}),
	)

	app.Run()
}

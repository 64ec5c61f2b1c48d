package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/matheus3301/chatsync/internal/config"
	"github.com/matheus3301/chatsync/internal/daemon"
	"github.com/matheus3301/chatsync/internal/device"
	"go.uber.org/fx"
)

func main() {
	deviceFlag := flag.String("device", "", "device name (overrides config default)")
	flag.Parse()

	cfg, err := config.LoadOrDefault(device.ConfigPath())
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	name := device.Resolve(*deviceFlag)
	if err := device.ValidateName(name); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	app := fx.New(
		daemon.Module(daemon.Params{Device: name, Config: *cfg}),
	)

	app.Run()
}

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	"github.com/chaz8081/gatt-peripheral/internal/ble"
	"github.com/chaz8081/gatt-peripheral/internal/bridge"
	"github.com/chaz8081/gatt-peripheral/internal/config"
)

func main() {
	app := cli.NewApp()
	app.Name = "gatt-peripheral"
	app.Usage = "run a BLE GATT peripheral driven from a config file and a local HTTP API"
	app.Version = version.String()
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "config, c",
			Usage: "path to config file (default: ~/.config/gatt-peripheral/config.yaml)",
		},
	}
	app.Commands = []cli.Command{
		{
			Name:   "serve",
			Usage:  "Publish the configured service and serve the bridge until interrupted",
			Action: serveCommand,
		},
		{
			Name:   "init-config",
			Usage:  "Write the default config file if none exists",
			Action: initConfigCommand,
		},
		{
			Name:   "check-config",
			Usage:  "Load and validate the config file",
			Action: checkConfigCommand,
		},
	}
	app.Action = serveCommand

	if err := app.Run(os.Args); err != nil {
		logrus.Fatal(err)
	}
}

func serveCommand(c *cli.Context) error {
	cfg, err := loadConfig(c.GlobalString("config"))
	if err != nil {
		return cli.NewExitError(fmt.Sprintf("config: %v", err), 1)
	}
	if err := cfg.Validate(); err != nil {
		return cli.NewExitError(fmt.Sprintf("config validation: %v", err), 1)
	}

	logger := logrus.New()
	logger.SetLevel(config.ParseLogLevel(cfg.LogLevel))
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	printBanner(cfg)

	radio, err := ble.NewRadio(cfg.RadioConfig(logger))
	if err != nil {
		return cli.NewExitError(fmt.Sprintf("radio: %v", err), 1)
	}
	if closer, ok := radio.(interface{ Close() }); ok {
		defer closer.Close()
	}

	bus := ble.NewEventBus()
	hub := bridge.NewHub(cfg.Bridge.WriteTimeout, logger)
	bus.Listen(hub.Emit)
	bus.Listen(func(ev ble.Event) {
		logger.WithField("event", ev.EventName()).Debugf("[BLE] %+v", ev)
	})

	p, err := ble.NewPeripheral(radio, bus, ble.Options{
		Logger:               logger,
		ResolvedRequestCache: cfg.Engine.ResolvedRequestCache,
	})
	if err != nil {
		return cli.NewExitError(err.Error(), 1)
	}
	if _, err := cfg.Seed(p); err != nil {
		return cli.NewExitError(fmt.Sprintf("schema: %v", err), 1)
	}

	if cfg.AutoAdvertise {
		adv := &autoAdvertiser{cfg: cfg, p: p, log: logger}
		ble.ListenFor(bus, func(ev ble.StateChanged) {
			if ev.State == ble.StatePoweredOn {
				// Off the radio's callback goroutine; Publish drives the radio.
				go adv.advertise()
			}
		})
	}

	if err := p.Start(); err != nil {
		return cli.NewExitError(fmt.Sprintf("radio: %v", err), 1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Bridge.Listen != "" {
		srv := bridge.NewServer(p, hub, bridge.ServerOptions{
			Listen:       cfg.Bridge.Listen,
			WriteTimeout: cfg.Bridge.WriteTimeout,
			Logger:       logger,
		})
		if err := srv.ListenAndServe(ctx); err != nil {
			p.Stop()
			return cli.NewExitError(err.Error(), 1)
		}
	} else {
		logger.Info("Bridge disabled. Ctrl+C to quit.")
		<-ctx.Done()
	}

	logger.Info("Shutting down...")
	p.Stop()
	bus.RemoveAll()
	logger.Info("Goodbye!")
	return nil
}

func initConfigCommand(c *cli.Context) error {
	path, err := config.WriteDefault()
	if err != nil {
		return cli.NewExitError(err.Error(), 1)
	}
	if path == "" {
		fmt.Printf("Config already exists at %s\n", config.DefaultConfigPath())
		return nil
	}
	fmt.Printf("Wrote default config to %s\n", color.New(color.FgHiGreen).Sprint(path))
	return nil
}

func checkConfigCommand(c *cli.Context) error {
	cfg, err := loadConfig(c.GlobalString("config"))
	if err != nil {
		return cli.NewExitError(fmt.Sprintf("config: %v", err), 1)
	}
	if err := cfg.Validate(); err != nil {
		return cli.NewExitError(color.New(color.FgHiRed).Sprintf("invalid: %v", err), 1)
	}
	fmt.Println(color.New(color.FgHiGreen).Sprint("config OK"))
	printBanner(cfg)
	return nil
}

// autoAdvertiser publishes the configured service whenever the radio
// powers on. A power loss retires the schema, so it is seeded again.
type autoAdvertiser struct {
	cfg *config.Config
	p   *ble.Peripheral
	log logrus.FieldLogger

	mu sync.Mutex
}

func (a *autoAdvertiser) advertise() {
	a.mu.Lock()
	defer a.mu.Unlock()

	switch a.p.State() {
	case ble.Advertising, ble.Stopping:
		return
	case ble.Idle:
		if _, err := a.cfg.Seed(a.p); err != nil {
			a.log.WithError(err).Error("[BLE] seeding schema failed")
			return
		}
	}
	svc, err := ble.ParseUUID(a.cfg.Service.UUID)
	if err != nil {
		a.log.WithError(err).Error("[BLE] bad service uuid")
		return
	}
	if err := a.p.Publish(svc, a.cfg.DeviceName); err != nil {
		a.log.WithError(err).Error("[BLE] auto-advertise failed")
	}
}

// loadConfig loads the config from the specified path, or falls back to
// the default config path, or uses built-in defaults.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}

	defaultPath := config.DefaultConfigPath()
	if _, err := os.Stat(defaultPath); err == nil {
		cfg, err := config.Load(defaultPath)
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", defaultPath, err)
		}
		logrus.Infof("Config loaded from %s", defaultPath)
		return cfg, nil
	}

	logrus.Info("No config file found, using defaults")
	return config.Default(), nil
}

// printBanner displays the startup configuration summary.
func printBanner(cfg *config.Config) {
	cyan := color.New(color.FgHiCyan).SprintFunc()
	fmt.Println(cyan("=== gatt-peripheral " + version.String() + " ==="))
	fmt.Printf("  Device:   %s\n", cfg.DeviceName)
	fmt.Printf("  Service:  %s (%d characteristics)\n", cfg.Service.UUID, len(cfg.Service.Characteristics))
	for _, ch := range cfg.Service.Characteristics {
		fmt.Printf("    %s  [%s]\n", ch.UUID, strings.Join(ch.Properties, ","))
	}
	fmt.Printf("  Radio:    %s\n", cfg.Radio.Backend)
	if cfg.Bridge.Listen != "" {
		fmt.Printf("  Bridge:   http://%s\n", cfg.Bridge.Listen)
	} else {
		fmt.Println("  Bridge:   disabled")
	}
	fmt.Printf("  Advertise: %v\n", cfg.AutoAdvertise)
	fmt.Printf("  Log:      %s\n", cfg.LogLevel)
	fmt.Println(cyan("====================="))
}

package main

import (
	"fmt"
	"os"

	"github.com/danmuck/termbus/internal/client"
	"github.com/danmuck/termbus/internal/config"
	"github.com/danmuck/termbus/internal/driver"
	"github.com/danmuck/termbus/internal/logging"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	// Version is set at build time
	Version = "0.1.0"

	profilePath string
	noColor     bool

	active profile
	busCfg config.BusConfig
)

var (
	headFmt = color.New(color.FgBlue, color.Bold).SprintFunc()
	okFmt   = color.New(color.FgGreen).SprintFunc()
	warnFmt = color.New(color.FgYellow).SprintFunc()
	errFmt  = color.New(color.FgRed, color.Bold).SprintFunc()
	dimFmt  = color.New(color.Faint).SprintFunc()
)

var rootCmd = &cobra.Command{
	Use:   "busctl",
	Short: "Run and inspect an embedded termbus driver",
	Long: `busctl hosts an embedded termbus driver in-process.

It can serve the driver's admin surface, run a publish/subscribe round trip
against it, and list the counters of a running driver.`,
	Version:      Version,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "completion" || cmd.Name() == "help" {
			return nil
		}
		logging.ConfigureRuntime()
		if noColor {
			color.NoColor = true
		}

		explicit := cmd.Flags().Changed("profile")
		p, err := loadProfile(profilePath, !explicit)
		if err != nil {
			return err
		}
		active = p

		busCfg = config.Default()
		if p.BusConfig != "" {
			busCfg, err = config.Load(p.BusConfig)
			if err != nil {
				return err
			}
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&profilePath, "profile", defaultProfilePath, "busctl profile path")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")
}

// startDriver builds and starts an embedded driver from the loaded bus config.
func startDriver() (*driver.Embedded, error) {
	cfg, err := busCfg.Driver.ToDriver()
	if err != nil {
		return nil, err
	}
	d, err := driver.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("create driver: %w", err)
	}
	if err := d.Start(); err != nil {
		return nil, fmt.Errorf("start driver: %w", err)
	}
	return d, nil
}

// startClient connects a running client to d using the [client] section.
func startClient(d *driver.Embedded) (*client.Client, error) {
	ctx := client.NewContext(d)
	if err := busCfg.Client.Apply(ctx); err != nil {
		return nil, err
	}
	ctx.ErrorHandler = func(err error) {
		fmt.Fprintf(os.Stderr, "%s %v\n", errFmt("client error:"), err)
	}
	c, err := client.Init(ctx)
	if err != nil {
		return nil, fmt.Errorf("init client: %w", err)
	}
	if err := c.Start(); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("start client: %w", err)
	}
	return c, nil
}

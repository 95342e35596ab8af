package main

import (
	"fmt"
	"net/http"

	"rtio-observer/internal/config"
	"rtio-observer/internal/logger"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// cli holds what the persistent flags resolve to.
type cli struct {
	cfgFile  string
	service  string
	logLevel string

	cfg    config.Config
	log    zerolog.Logger
	client *http.Client
}

func newRootCmd() *cobra.Command {
	c := &cli{client: &http.Client{}}

	root := &cobra.Command{
		Use:   "rtioctl",
		Short: "Observe and control devices behind an RTIO service",
		Long: `rtioctl talks to devices through an RTIO service over HTTP.

It can follow a device's observation stream, printing every envelope,
decoded payload and GPIO signal level as it arrives, and it can send
one-shot commands such as turning the remote switch on or off.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(c.cfgFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			// Override config with flags.
			if c.service != "" {
				cfg.RTIO.Service = c.service
				if err := cfg.Validate(); err != nil {
					return err
				}
			}
			if c.logLevel != "" {
				cfg.Log.Level = c.logLevel
			}
			c.cfg = cfg
			c.log = logger.New(logger.Config{
				Level:  cfg.Log.Level,
				Format: cfg.Log.Format,
				Out:    cmd.ErrOrStderr(),
			})
			return nil
		},
	}

	root.PersistentFlags().StringVar(&c.cfgFile, "config", "", "YAML config file")
	root.PersistentFlags().StringVar(&c.service, "service", "", "RTIO service URL (overrides config and RTIO_SERVICE)")
	root.PersistentFlags().StringVar(&c.logLevel, "log-level", "warn", "log level")

	root.AddCommand(newObserveCmd(c))
	root.AddCommand(newSwitchCmd(c))
	return root
}

// deviceArg returns the device named on the command line, or the configured
// default.
func (c *cli) deviceArg(args []string) (string, error) {
	if len(args) > 0 && args[0] != "" {
		return args[0], nil
	}
	if c.cfg.RTIO.DeviceID != "" {
		return c.cfg.RTIO.DeviceID, nil
	}
	return "", fmt.Errorf("no device given and rtio.device_id is not configured")
}

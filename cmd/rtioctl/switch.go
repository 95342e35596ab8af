package main

import (
	"fmt"

	"rtio-observer/internal/command"

	"github.com/spf13/cobra"
)

func newSwitchCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:       "switch [deviceID] on|off",
		Short:     "Turn a device's remote switch on or off",
		Args:      cobra.RangeArgs(1, 2),
		ValidArgs: []string{"on", "off"},
		RunE: func(cmd *cobra.Command, args []string) error {
			state := args[len(args)-1]
			if state != "on" && state != "off" {
				return fmt.Errorf("state must be on or off, got %q", state)
			}
			deviceID, err := c.deviceArg(args[:len(args)-1])
			if err != nil {
				return err
			}

			client := command.New(c.cfg.RTIO.Service, c.client, c.log)
			client.RequestID = c.cfg.RTIO.CommandID
			client.Timeout = c.cfg.RTIO.Timeout

			env, err := client.Switch(cmd.Context(), deviceID, state == "on")
			if err != nil {
				return fmt.Errorf("failed to switch %s: %w", deviceID, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s switched %s (code=%s)\n", deviceID, state, env.Code)
			return nil
		},
	}
}

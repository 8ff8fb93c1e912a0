package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/srg/bleserial/bridge"
)

// bridgeCmd represents the bridge command
var bridgeCmd = &cobra.Command{
	Use:   "bridge <device-address>",
	Short: "Bridge a module to a local pseudo-terminal",
	Long: `Connects to a BLE serial module and exposes its byte stream as a local
pseudo-terminal. Any program that talks to a serial device can open the
printed tty path and communicate with the module unchanged.

Example:
  bleserial bridge aa:bb:cc:dd:ee:ff
  bleserial bridge --symlink /tmp/ble-module aa:bb:cc:dd:ee:ff`,
	Args: cobra.ExactArgs(1),
	RunE: runBridge,
}

var (
	bridgeSymlink string
	bridgeVerbose bool
)

func init() {
	bridgeCmd.Flags().StringVar(&bridgeSymlink, "symlink", "", "Create a symlink to the tty device (e.g. /tmp/ble-module)")
	bridgeCmd.Flags().BoolVar(&bridgeVerbose, "verbose", false, "Enable debug logging")
}

func runBridge(cmd *cobra.Command, args []string) error {
	logger, err := configureLogger(cmd, "verbose")
	if err != nil {
		return err
	}
	cmd.SilenceUsage = true

	address := args[0]

	a, err := newApp(cmd, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	fmt.Fprintf(cmd.OutOrStdout(), "Connecting to %s...\n", address)
	sess, err := a.connect(address)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer sess.Disconnect()

	b, err := bridge.New(a.loop, a.manager, sess.session, logger, bridge.Options{})
	if err != nil {
		return err
	}
	defer b.Close()

	if err := b.Start(); err != nil {
		return err
	}

	ttyPath := b.TTYName()
	if bridgeSymlink != "" {
		_ = os.Remove(bridgeSymlink)
		if err := os.Symlink(ttyPath, bridgeSymlink); err != nil {
			return fmt.Errorf("failed to create symlink: %w", err)
		}
		defer os.Remove(bridgeSymlink)
		fmt.Fprintf(cmd.OutOrStdout(), "Bridge ready: %s -> %s\n", bridgeSymlink, ttyPath)
	} else {
		fmt.Fprintf(cmd.OutOrStdout(), "Bridge ready: %s\n", ttyPath)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case <-sigChan:
		logger.Info("interrupted, shutting down")
	case <-b.Done():
		fmt.Fprintln(cmd.OutOrStdout(), "Module disconnected, bridge closed.")
	}
	return nil
}

// Package devices implements the device listing subcommand.
package devices

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/zbynekdrlik/audiotester/internal/audio"
)

// Command creates the devices command, which lists duplex-capable audio
// devices and exits.
func Command() *cobra.Command {
	return &cobra.Command{
		Use:   "devices",
		Short: "List available audio devices",
		RunE: func(cmd *cobra.Command, args []string) error {
			return listDevices()
		},
	}
}

func listDevices() error {
	backend, err := audio.NewMalgoBackend()
	if err != nil {
		return fmt.Errorf("failed to initialize audio backend: %w", err)
	}
	defer backend.Close()

	devices, err := backend.Devices()
	if err != nil {
		return fmt.Errorf("failed to enumerate devices: %w", err)
	}

	if len(devices) == 0 {
		fmt.Println("no duplex-capable audio devices found")
		return nil
	}

	for i, d := range devices {
		def := ""
		if d.IsDefault {
			def = " (default)"
		}
		fmt.Printf("%d: %s%s [in:%d out:%d]\n", i, d.Name, def, d.InputChannels, d.OutputChannels)
	}
	return nil
}

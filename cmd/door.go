package cmd

import (
	"context"
	"fmt"

	"github.com/andresmejia3/smartlock/internal/door"
	"github.com/andresmejia3/smartlock/internal/types"
	"github.com/andresmejia3/smartlock/internal/utils"
	"github.com/spf13/cobra"
)

var doorCmd = &cobra.Command{
	Use:   "door",
	Short: "Send commands to the door controller over MQTT",
}

// doorAction publishes one command and records it in the access log.
func doorAction(use, short string, event types.EventType, name string, send func(door.Commander) error) *cobra.Command {
	return &cobra.Command{
		Use:         use,
		Short:       short,
		Annotations: map[string]string{needsDB: "true"},
		Args:        cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			runDoorCommand(cmd.Context(), event, name, send)
			fmt.Printf("✅ %s\n", short)
		},
	}
}

func runDoorCommand(ctx context.Context, event types.EventType, name string, send func(door.Commander) error) {
	commander, err := connectCommander(ctx, Cfg.MQTT)
	if err != nil {
		utils.Die("Failed to connect to MQTT broker", err, nil)
	}
	defer commander.Disconnect()

	if err := send(commander); err != nil {
		utils.Die("Failed to publish door command", err, nil)
	}
	if event == "" {
		return
	}
	if _, err := Events.Insert(ctx, event, name); err != nil {
		utils.ShowError("Failed to record access log entry", err, nil)
	}
}

var doorPasswordCmd = &cobra.Command{
	Use:   "password <new-password>",
	Short: "Change the door keypad password",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		runDoorCommand(cmd.Context(), "", "", func(c door.Commander) error {
			return c.ChangePassword(args[0])
		})
		fmt.Println("✅ Password change command sent")
	},
}

func init() {
	doorCmd.AddCommand(
		doorAction("open", "Door open command sent", types.EventOpen, "Manual", door.Commander.Unlock),
		doorAction("activate", "Door system activated", types.EventLockSystem, "activate", door.Commander.Activate),
		doorAction("deactivate", "Door system deactivated", types.EventLockSystem, "deactivate", door.Commander.Deactivate),
		doorPasswordCmd,
	)
	rootCmd.AddCommand(doorCmd)
}

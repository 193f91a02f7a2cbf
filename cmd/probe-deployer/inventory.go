package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/tastythames/probe-deployer/internal/config"
	"github.com/tastythames/probe-deployer/internal/inventory"
)

var (
	inventoryCmd = &cobra.Command{
		Use:   "inventory",
		Short: "Work with the device inventory",
	}

	inventoryCheckCmd = &cobra.Command{
		Use:   "check",
		Short: "Validate the inventory and list the devices it selects",
		Args:  cobra.NoArgs,
		RunE:  runInventoryCheck,
	}
)

func init() {
	inventoryCmd.AddCommand(inventoryCheckCmd)
}

func runInventoryCheck(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}
	inv, err := inventory.Load(cfg.Inventory)
	if err != nil {
		return err
	}
	devices, err := inv.Devices()
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ALIAS\tADDRESS\tUSER\tPLATFORM\tFORMAT\tDEPLOY\tPACKAGE")
	for _, d := range devices {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%t\t%s\n", d.Alias, d.Address, d.User, d.Platform, d.Format, d.Deploy, d.FileName())
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%d devices, %d selected\n", len(devices), len(inventory.Selected(devices)))
	return nil
}

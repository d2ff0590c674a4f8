package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var machineCmd = &cobra.Command{
	Use:   "machine",
	Short: "Inspect registered machines",
}

var machineListCmd = &cobra.Command{
	Use:   "list",
	Short: "List machines with derived status and load",
	RunE:  runMachineList,
}

func init() {
	machineCmd.AddCommand(machineListCmd)
}

func runMachineList(cmd *cobra.Command, args []string) error {
	machines, err := newClient().ListMachines(cmd.Context())
	if err != nil {
		return err
	}
	if len(machines) == 0 {
		fmt.Println("No machines registered")
		return nil
	}

	w := newTable()
	fmt.Fprintln(w, "ID\tSTATUS\tLOAD\tLAST HEARTBEAT\tAFFINITIES")
	for _, m := range machines {
		load := max(m.Load, m.ActiveCount)
		fmt.Fprintf(w, "%s\t%s\t%d/%d\t%s ago\t%s\n",
			m.ID, colorStatus(string(m.Status)), load, m.MaxConcurrent,
			time.Since(m.LastHeartbeat).Round(time.Second), strings.Join(m.Affinities, ","))
	}
	return w.Flush()
}

package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func devicesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "devices",
		Short: "Inspect named devices",
	}
	cmd.AddCommand(devicesListCmd())
	return cmd
}

func devicesListCmd() *cobra.Command {
	var jsonOutput bool
	cmd := &cobra.Command{
		Use:   "list <user-id> <endpoint>",
		Short: "List a user's devices on an endpoint (host:port)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, db, err := openStore()
			if err != nil {
				return err
			}
			defer db.Close()

			devs, err := db.ListDevices(args[0], args[1])
			if err != nil {
				return err
			}

			if jsonOutput {
				data, _ := json.MarshalIndent(devs, "", "  ")
				fmt.Println(string(data))
				return nil
			}
			if len(devs) == 0 {
				fmt.Println("No devices named on this endpoint.")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "#\tNAME\tKIND\tENTITY ID")
			for i, d := range devs {
				fmt.Fprintf(w, "%d\t%s\t%s\t%d\n", i+1, d.Name, d.Kind, d.EntityID)
			}
			return w.Flush()
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	return cmd
}

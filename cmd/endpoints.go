package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

func endpointsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "endpoints",
		Short: "Inspect paired endpoints",
	}
	cmd.AddCommand(endpointsListCmd())
	return cmd
}

func endpointsListCmd() *cobra.Command {
	var jsonOutput bool
	cmd := &cobra.Command{
		Use:   "list <user-id>",
		Short: "List a user's paired endpoints",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, db, err := openStore()
			if err != nil {
				return err
			}
			defer db.Close()

			eps, err := db.ListEndpoints(args[0])
			if err != nil {
				return err
			}

			if jsonOutput {
				data, _ := json.MarshalIndent(eps, "", "  ")
				fmt.Println(string(data))
				return nil
			}
			if len(eps) == 0 {
				fmt.Println("No paired endpoints.")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "#\tNAME\tADDRESS\tPAIRED\tLAST CONNECTED")
			for i, ep := range eps {
				last := "never"
				if !ep.LastConnected.IsZero() {
					last = ep.LastConnected.Format(time.DateTime)
				}
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n",
					i+1, ep.Label(), ep.Key(),
					ep.PairedAt.Format(time.DateOnly), last)
			}
			return w.Flush()
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	return cmd
}

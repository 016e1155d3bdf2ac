package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/huanndev/rustlink/internal/store"
)

func usersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "users",
		Short: "Manage registered users",
	}
	cmd.AddCommand(usersListCmd())
	cmd.AddCommand(usersAddCmd())
	cmd.AddCommand(usersRemoveCmd())
	return cmd
}

func usersListCmd() *cobra.Command {
	var jsonOutput bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List registered users",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, db, err := openStore()
			if err != nil {
				return err
			}
			defer db.Close()

			users, err := db.ListUsers()
			if err != nil {
				return err
			}

			if jsonOutput {
				data, _ := json.MarshalIndent(users, "", "  ")
				fmt.Println(string(data))
				return nil
			}
			if len(users) == 0 {
				fmt.Println("No users registered.")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tGAME ID\tENDPOINTS\tREGISTERED")
			for _, u := range users {
				eps, _ := db.ListEndpoints(u.ID)
				fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\n",
					u.ID, u.DisplayName, u.GameID, len(eps),
					u.CreatedAt.Format(time.DateOnly))
			}
			return w.Flush()
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	return cmd
}

func usersAddCmd() *cobra.Command {
	var displayName, credsFile string
	var gameID int64
	cmd := &cobra.Command{
		Use:   "add <user-id>",
		Short: "Register a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := store.ValidateGameID(gameID); err != nil {
				return err
			}
			var creds json.RawMessage
			if credsFile != "" {
				data, err := os.ReadFile(credsFile)
				if err != nil {
					return fmt.Errorf("read credentials: %w", err)
				}
				if !json.Valid(data) {
					return fmt.Errorf("credentials file is not valid JSON")
				}
				creds = data
			}

			_, db, err := openStore()
			if err != nil {
				return err
			}
			defer db.Close()

			u := store.UserAccount{
				ID:          args[0],
				DisplayName: displayName,
				GameID:      gameID,
				Credentials: creds,
				CreatedAt:   time.Now(),
			}
			if err := db.PutUser(u); err != nil {
				return err
			}
			fmt.Printf("Registered %s.\n", u.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&displayName, "name", "", "display name")
	cmd.Flags().Int64Var(&gameID, "game-id", 0, "Steam64-style player ID (required)")
	cmd.Flags().StringVar(&credsFile, "credentials", "", "path to the push credential JSON")
	cmd.MarkFlagRequired("game-id")
	return cmd
}

func usersRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <user-id>",
		Short: "Remove a user and everything paired to them",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, db, err := openStore()
			if err != nil {
				return err
			}
			defer db.Close()

			if err := db.DeleteUser(args[0]); err != nil {
				return err
			}
			fmt.Printf("Removed %s.\n", args[0])
			return nil
		},
	}
}

package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/capgate/capgate/internal/approval"
)

func init() {
	rootCmd.AddCommand(approveCmd)
	approveCmd.AddCommand(approveListCmd)
	approveCmd.AddCommand(approveGrantCmd)
	approveCmd.AddCommand(approveDenyCmd)
}

var approveCmd = &cobra.Command{
	Use:   "approve",
	Short: "Resolve pending confirmations",
	Long:  "Intents decided as need_confirmation are parked until a human resolves\nthem. A granted confirmation is single-use: the next submission of the\nsame request consumes it and the full decision path runs again.",
}

var approveListCmd = &cobra.Command{
	Use:   "list <path>",
	Short: "List pending confirmations",
	Args:  cobra.ExactArgs(1),
	RunE:  runApproveList,
}

var approveGrantCmd = &cobra.Command{
	Use:   "grant <path> <request-id> <intent-id>",
	Short: "Grant a pending confirmation",
	Args:  cobra.ExactArgs(3),
	RunE:  runApproveGrant,
}

var approveDenyCmd = &cobra.Command{
	Use:   "deny <path> <request-id> <intent-id>",
	Short: "Deny a pending confirmation",
	Args:  cobra.ExactArgs(3),
	RunE:  runApproveDeny,
}

func runApproveList(cmd *cobra.Command, args []string) error {
	store, err := approval.Open(args[0])
	if err != nil {
		return err
	}
	defer store.Close()

	pending, err := store.Pending()
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		fmt.Println("no pending confirmations")
		return nil
	}
	for _, e := range pending {
		fmt.Printf("%s  %s  agent=%s  expires=%s\n  %s\n",
			e.RequestID, e.IntentID, e.AgentID, e.ExpiresAt.Format("15:04:05"), e.Reason)
	}
	return nil
}

func runApproveGrant(cmd *cobra.Command, args []string) error {
	store, err := approval.Open(args[0])
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.Confirm(args[1], args[2]); err != nil {
		return err
	}
	fmt.Printf("confirmed %s/%s\n", args[1], args[2])
	return nil
}

func runApproveDeny(cmd *cobra.Command, args []string) error {
	store, err := approval.Open(args[0])
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.Deny(args[1], args[2]); err != nil {
		return err
	}
	fmt.Printf("denied %s/%s\n", args[1], args[2])
	return nil
}

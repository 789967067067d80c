package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/capgate/capgate/internal/audit"
)

var auditRequest string

func init() {
	rootCmd.AddCommand(auditCmd)
	auditCmd.AddCommand(auditVerifyCmd)
	auditCmd.AddCommand(auditShowCmd)
	auditShowCmd.Flags().StringVar(&auditRequest, "request", "", "Request id to show snapshots for")
}

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Audit trail operations",
	Long:  "Commands for verifying and inspecting the hash-chained audit store.",
}

var auditVerifyCmd = &cobra.Command{
	Use:   "verify <path>",
	Short: "Verify hash chain integrity of an audit store",
	Long:  "Walks every snapshot in insert order and validates that each prev_hash\nmatches the SHA-256 of the previous snapshot body. Exits 0 if valid,\n1 if tampered.",
	Args:  cobra.ExactArgs(1),
	RunE:  runAuditVerify,
}

var auditShowCmd = &cobra.Command{
	Use:   "show <path>",
	Short: "Show audit snapshots for a request",
	Args:  cobra.ExactArgs(1),
	RunE:  runAuditShow,
}

func runAuditVerify(cmd *cobra.Command, args []string) error {
	store, err := audit.Open(args[0])
	if err != nil {
		return err
	}
	defer store.Close()

	result := store.Verify()
	if result.Valid {
		fmt.Printf("OK: %d snapshots verified\n", result.Rows)
		return nil
	}
	fmt.Fprintf(os.Stderr, "TAMPERED at seq %d: %s\n", result.ErrorSeq, result.Error)
	os.Exit(1)
	return nil
}

func runAuditShow(cmd *cobra.Command, args []string) error {
	if auditRequest == "" {
		return fmt.Errorf("--request is required")
	}
	store, err := audit.Open(args[0])
	if err != nil {
		return err
	}
	defer store.Close()

	snaps, err := store.ByRequest(auditRequest)
	if err != nil {
		return err
	}
	for _, s := range snaps {
		out, _ := json.MarshalIndent(s, "", "  ")
		fmt.Println(string(out))
	}
	return nil
}

package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/capgate/capgate/internal/detect"
	"github.com/capgate/capgate/internal/gateway"
	"github.com/capgate/capgate/internal/model"
	"github.com/capgate/capgate/internal/trust"
)

var (
	checkOrigin  string
	checkAgent   string
	checkIntents string
)

func init() {
	rootCmd.AddCommand(checkCmd)
	checkCmd.Flags().StringVar(&checkOrigin, "origin", "document", "Origin channel of the content")
	checkCmd.Flags().StringVar(&checkAgent, "agent", "default", "Agent id to decide for")
	checkCmd.Flags().StringVar(&checkIntents, "intents", "", "Path to an intents JSON file ({\"intents\": [...]})")
}

var checkCmd = &cobra.Command{
	Use:   "check <content-file>",
	Short: "Run content through detection, classification, and (optionally) a decision",
	Long:  "Scans a file for risk signals, assigns a trust tier, and (when --intents\nis given) stores it as evidence and runs the full decision path without\nexecuting anything.",
	Args:  cobra.ExactArgs(1),
	RunE:  runCheck,
}

func runCheck(cmd *cobra.Command, args []string) error {
	raw, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}

	report := detect.Detect(string(raw))
	tier := trust.ClassifyReport(model.Origin(checkOrigin), report)

	out := map[string]any{
		"report": report,
		"tier":   tier,
	}

	if checkIntents != "" {
		intentsRaw, err := os.ReadFile(checkIntents)
		if err != nil {
			return err
		}
		intents, err := gateway.ParseIntents(intentsRaw)
		if err != nil {
			return err
		}

		cfg, _, err := loadConfig()
		if err != nil {
			return err
		}
		ctx := context.Background()
		gw, err := buildGateway(ctx, cfg)
		if err != nil {
			return err
		}
		defer gw.Close()

		ingest, err := gw.Ingest(string(raw), args[0], model.Origin(checkOrigin), "check-session")
		if err != nil {
			return err
		}
		env, err := gw.BuildEnvelope(checkAgent, model.Identity{
			UserID:    "cli",
			SessionID: "check-session",
			Origin:    model.OriginUser,
			Auth:      model.AuthPassword,
		}, "review the attached evidence", []string{ingest.BundleID})
		if err != nil {
			return err
		}
		res, err := gw.Submit(ctx, env, intents)
		if err != nil {
			return err
		}
		out["decision"] = res.Decision
		out["tokens_minted"] = len(res.Tokens)
	}

	enc, _ := json.MarshalIndent(out, "", "  ")
	fmt.Println(string(enc))
	return nil
}

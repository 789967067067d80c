package evaluator

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/capgate/capgate/internal/model"
)

// Rules is a deterministic evaluator used when no LLM backend is
// configured, and as the reference implementation in tests. It scores
// intents from their declared shape: type, justification, and the
// tiers of cited evidence.
type Rules struct{}

// Name implements Evaluator.
func (Rules) Name() string { return "rules" }

// Evaluate applies a fixed rule order per intent:
//  1. hostile citations: deny
//  2. untrusted-justified executional intents: deny
//  3. money movement: need_confirmation unless destination confirmed
//  4. export: allow with byte ceiling constraint
//  5. reads and summaries: allow
//  6. trusted tool calls: allow
func (Rules) Evaluate(_ context.Context, env *model.Envelope, intents []model.Intent) (*model.Decision, error) {
	subs := make([]model.SubDecision, 0, len(intents))
	risk := model.RiskLow

	for _, in := range intents {
		sub := model.SubDecision{IntentID: in.ID}
		switch {
		case in.CitesHostile():
			sub.Outcome = model.OutcomeDeny
			sub.Reason = "cites hostile evidence"
			risk = model.RiskCritical

		case in.StructurallyIneligible():
			sub.Outcome = model.OutcomeDeny
			sub.Reason = "executional intent justified only by untrusted evidence"
			if risk != model.RiskCritical {
				risk = model.RiskHigh
			}

		case in.Type == model.IntentMoneyMovement:
			if confirmed, _ := in.Params["confirmed_destination"].(bool); confirmed {
				sub.Outcome = model.OutcomeConstrained
				sub.Constraints = map[string]any{
					"destination":      in.Params["destination"],
					"max_amount_cents": in.Params["amount_cents"],
				}
				sub.Reason = "money movement with confirmed destination"
			} else {
				sub.Outcome = model.OutcomeNeedConfirmation
				sub.Reason = "money movement requires explicit destination confirmation"
			}
			if risk == model.RiskLow {
				risk = model.RiskMedium
			}

		case in.Type == model.IntentExport:
			sub.Outcome = model.OutcomeConstrained
			sub.Constraints = map[string]any{"max_bytes": 1 << 20}
			sub.Reason = "export allowed under byte ceiling"
			if risk == model.RiskLow {
				risk = model.RiskMedium
			}

		case !in.Type.Executional():
			sub.Outcome = model.OutcomeAllow
			sub.Reason = fmt.Sprintf("%s is non-executional", in.Type)

		default:
			sub.Outcome = model.OutcomeAllow
			sub.Reason = "trusted tool call"
		}
		subs = append(subs, sub)
	}

	return &model.Decision{
		ID:        "dec-" + uuid.NewString(),
		Outcome:   model.Worst(subs),
		Risk:      risk,
		Intents:   subs,
		Timestamp: time.Now().UTC(),
	}, nil
}

package gateway

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/capgate/capgate/internal/model"
)

// proposal is the only shape an agent response may take: a list of
// intents and nothing else.
type proposal struct {
	Intents []model.Intent `json:"intents"`
}

// ParseIntents decodes an agent's raw JSON response. The response may
// contain proposed intents and nothing else. Any extra field (an
// execute directive, an inline tool invocation, a result payload) is
// an attempt to act outside the tool runner and is rejected as an
// invariant violation at this boundary.
func ParseIntents(raw []byte) ([]model.Intent, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()

	var p proposal
	if err := dec.Decode(&p); err != nil {
		return nil, model.Violation(model.InvariantNoDirectExecution,
			"agent output is not a bare intent list: %v", err)
	}
	if dec.More() {
		return nil, model.Violation(model.InvariantNoDirectExecution,
			"agent output carries trailing payload beyond the intent list")
	}

	for i := range p.Intents {
		in := &p.Intents[i]
		if in.ID == "" {
			in.ID = fmt.Sprintf("intent-%03d", i)
		}
		switch in.Type {
		case model.IntentRead, model.IntentExtract, model.IntentSummarize,
			model.IntentToolCall, model.IntentExport, model.IntentMoneyMovement:
		default:
			return nil, fmt.Errorf("gateway: intent %s has unknown type %q", in.ID, in.Type)
		}
		switch in.Justification {
		case model.JustifiedByUser, model.JustifiedByEvidence:
		default:
			return nil, fmt.Errorf("gateway: intent %s has unknown justification %q", in.ID, in.Justification)
		}
	}
	return p.Intents, nil
}

package mcpserver

import (
	"context"
	"encoding/json"
	"errors"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/capgate/capgate/internal/approval"
	"github.com/capgate/capgate/internal/gateway"
	"github.com/capgate/capgate/internal/model"
)

// IngestInput defines parameters for capgate_ingest.
type IngestInput struct {
	Content   string `json:"content" jsonschema:"raw untrusted content"`
	SourceURI string `json:"source_uri" jsonschema:"where the content came from"`
	Origin    string `json:"origin" jsonschema:"origin channel (document/email/web/internal)"`
	SessionID string `json:"session_id" jsonschema:"owning session id"`
}

// IngestOutput describes stored evidence: references only, no content.
type IngestOutput struct {
	BundleID string              `json:"bundle_id"`
	Tier     string              `json:"tier"`
	Overall  float64             `json:"overall_risk"`
	Tags     []string            `json:"tags,omitempty"`
	Refs     []model.EvidenceRef `json:"refs"`
}

// SubmitInput defines parameters for capgate_submit.
type SubmitInput struct {
	AgentID     string         `json:"agent_id" jsonschema:"proposing agent id"`
	Identity    model.Identity `json:"identity" jsonschema:"identity metadata attached at the trust boundary"`
	Instruction string         `json:"instruction" jsonschema:"trusted instruction text"`
	BundleIDs   []string       `json:"bundle_ids,omitempty" jsonschema:"evidence bundles to reference"`
	IntentsJSON string         `json:"intents_json" jsonschema:"agent response JSON: {\"intents\": [...]} and nothing else"`
}

// SubmitOutput carries the decision and per-intent tokens.
type SubmitOutput struct {
	RequestID string            `json:"request_id"`
	Decision  *model.Decision   `json:"decision,omitempty"`
	Tokens    map[string]string `json:"tokens,omitempty"`
	Violation string            `json:"violation,omitempty"`
}

// ExecuteInput defines parameters for capgate_execute.
type ExecuteInput struct {
	AgentID    string `json:"agent_id" jsonschema:"agent the token was issued to"`
	IntentJSON string `json:"intent_json" jsonschema:"the approved intent, byte-for-byte as decided"`
	Token      string `json:"token" jsonschema:"capability token from capgate_submit"`
}

// ExecuteOutput is the tool runner result.
type ExecuteOutput struct {
	Executed bool   `json:"executed"`
	Output   string `json:"output,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// FetchInput defines parameters for capgate_fetch.
type FetchInput struct {
	RequestID string `json:"request_id" jsonschema:"request performing the fetch"`
	BundleID  string `json:"bundle_id" jsonschema:"bundle id"`
	ChunkID   string `json:"chunk_id" jsonschema:"chunk id"`
}

// FetchOutput returns one chunk's content.
type FetchOutput struct {
	Content string `json:"content"`
}

// ConfirmationsInput has no parameters.
type ConfirmationsInput struct{}

// ConfirmationsOutput lists intents parked for human confirmation.
// Granting is deliberately absent from this surface: an agent host
// must not resolve its own confirmations.
type ConfirmationsOutput struct {
	Pending []approval.Entry `json:"pending"`
}

// AuditVerifyInput has no parameters.
type AuditVerifyInput struct{}

// AuditVerifyOutput reports chain integrity.
type AuditVerifyOutput struct {
	Valid bool   `json:"valid"`
	Rows  int    `json:"rows"`
	Error string `json:"error,omitempty"`
}

func (s *Server) handleIngest(ctx context.Context, req *mcpsdk.CallToolRequest, input IngestInput) (*mcpsdk.CallToolResult, IngestOutput, error) {
	res, err := s.gw.Ingest(input.Content, input.SourceURI, model.Origin(input.Origin), input.SessionID)
	if err != nil {
		return nil, IngestOutput{}, err
	}
	return nil, IngestOutput{
		BundleID: res.BundleID,
		Tier:     string(res.Tier),
		Overall:  res.Report.Overall,
		Tags:     res.Report.Tags,
		Refs:     res.Refs,
	}, nil
}

func (s *Server) handleSubmit(ctx context.Context, req *mcpsdk.CallToolRequest, input SubmitInput) (*mcpsdk.CallToolResult, SubmitOutput, error) {
	intents, err := gateway.ParseIntents([]byte(input.IntentsJSON))
	if err != nil {
		if model.IsViolation(err) {
			return &mcpsdk.CallToolResult{IsError: true}, SubmitOutput{Violation: err.Error()}, nil
		}
		return nil, SubmitOutput{}, err
	}

	env, err := s.gw.BuildEnvelope(input.AgentID, input.Identity, input.Instruction, input.BundleIDs)
	if err != nil {
		if model.IsViolation(err) {
			return &mcpsdk.CallToolResult{IsError: true}, SubmitOutput{Violation: err.Error()}, nil
		}
		return nil, SubmitOutput{}, err
	}

	res, err := s.gw.Submit(ctx, env, intents)
	if err != nil {
		if model.IsViolation(err) {
			return &mcpsdk.CallToolResult{IsError: true}, SubmitOutput{RequestID: env.RequestID, Violation: err.Error()}, nil
		}
		return nil, SubmitOutput{}, err
	}
	return nil, SubmitOutput{
		RequestID: env.RequestID,
		Decision:  res.Decision,
		Tokens:    res.Tokens,
	}, nil
}

func (s *Server) handleExecute(ctx context.Context, req *mcpsdk.CallToolRequest, input ExecuteInput) (*mcpsdk.CallToolResult, ExecuteOutput, error) {
	var intent model.Intent
	if err := json.Unmarshal([]byte(input.IntentJSON), &intent); err != nil {
		return nil, ExecuteOutput{}, err
	}

	res, err := s.gw.Execute(ctx, input.AgentID, &intent, input.Token)
	if err != nil {
		if errors.Is(err, model.ErrTokenExpired) || errors.Is(err, model.ErrTokenInvalid) {
			return &mcpsdk.CallToolResult{IsError: true}, ExecuteOutput{Reason: res.Reason}, nil
		}
		return nil, ExecuteOutput{}, err
	}
	return nil, ExecuteOutput{Executed: res.Executed, Output: res.Output}, nil
}

func (s *Server) handleFetch(ctx context.Context, req *mcpsdk.CallToolRequest, input FetchInput) (*mcpsdk.CallToolResult, FetchOutput, error) {
	content, err := s.gw.Fetch(input.RequestID, input.BundleID, input.ChunkID)
	if err != nil {
		return &mcpsdk.CallToolResult{IsError: true}, FetchOutput{}, err
	}
	return nil, FetchOutput{Content: string(content)}, nil
}

func (s *Server) handleAuditVerify(ctx context.Context, req *mcpsdk.CallToolRequest, input AuditVerifyInput) (*mcpsdk.CallToolResult, AuditVerifyOutput, error) {
	res := s.gw.VerifyAudit()
	return nil, AuditVerifyOutput{Valid: res.Valid, Rows: res.Rows, Error: res.Error}, nil
}

func (s *Server) handleConfirmations(ctx context.Context, req *mcpsdk.CallToolRequest, input ConfirmationsInput) (*mcpsdk.CallToolResult, ConfirmationsOutput, error) {
	pending, err := s.gw.PendingConfirmations()
	if err != nil {
		return &mcpsdk.CallToolResult{IsError: true}, ConfirmationsOutput{}, err
	}
	return nil, ConfirmationsOutput{Pending: pending}, nil
}

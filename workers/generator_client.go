// workers/generator_client.go
package workers

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"

	"progression-engine/models"
	"progression-engine/services"
	"progression-engine/utils"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

//go:embed roadmap_schema.json
var roadmapSchemaJSON []byte

const roadmapSchemaURL = "schema://roadmap-proposal.json"

var (
	roadmapSchemaOnce sync.Once
	roadmapSchema     *jsonschema.Schema
	roadmapSchemaErr  error
)

// Generator produces the next milestone batch for a business.
type Generator interface {
	Propose(ctx context.Context, req models.RegenerationRequest) (*Proposal, error)
}

// Proposal is the generator's answer. Accepted means it will call back later
// through the internal batch endpoint; otherwise Milestones holds the batch.
type Proposal struct {
	Accepted   bool
	Milestones []services.MilestoneInput
}

// HTTPGenerator talks to the external roadmap generator.
type HTTPGenerator struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
}

func NewHTTPGenerator(baseURL, token string) *HTTPGenerator {
	return &HTTPGenerator{
		BaseURL:    baseURL,
		Token:      token,
		HTTPClient: utils.HTTPClient,
	}
}

type proposeRequest struct {
	RequestID                string         `json:"request_id"`
	BusinessID               string         `json:"business_id"`
	Trigger                  string         `json:"trigger"`
	LastCompletedMilestoneID *string        `json:"last_completed_milestone_id,omitempty"`
	LastCompletedSummary     string         `json:"last_completed_summary"`
	Context                  map[string]any `json:"context"`
	Profile                  map[string]any `json:"profile"`
}

type proposeResponse struct {
	Milestones []services.MilestoneInput `json:"milestones"`
}

func (g *HTTPGenerator) Propose(ctx context.Context, r models.RegenerationRequest) (*Proposal, error) {
	if g.BaseURL == "" {
		return nil, errors.New("generator URL is not configured")
	}

	payload, err := json.Marshal(proposeRequest{
		RequestID:                r.ID,
		BusinessID:               r.BusinessID,
		Trigger:                  string(r.Trigger),
		LastCompletedMilestoneID: r.LastCompletedMilestoneID,
		LastCompletedSummary:     r.LastCompletedSummary,
		Context:                  map[string]any(models.CloneContext(r.Context)),
		Profile:                  map[string]any(models.CloneContext(r.Profile)),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode proposal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.BaseURL+"/v1/roadmaps/propose", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Service-Token", g.Token)

	client := g.HTTPClient
	if client == nil {
		client = utils.HTTPClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to call generator: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	switch resp.StatusCode {
	case http.StatusAccepted:
		return &Proposal{Accepted: true}, nil
	case http.StatusOK:
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("generator returned status %d: %s", resp.StatusCode, string(body))
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read generator response: %w", err)
	}
	if err := validateProposal(raw); err != nil {
		return nil, err
	}

	var out proposeResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("failed to decode generator response: %w", err)
	}
	return &Proposal{Milestones: out.Milestones}, nil
}

// validateProposal checks a 200 body against the embedded roadmap schema.
func validateProposal(raw []byte) error {
	compiled, err := compiledRoadmapSchema()
	if err != nil {
		return fmt.Errorf("compile roadmap schema: %w", err)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("generator response is not JSON: %w", err)
	}
	if err := compiled.Validate(doc); err != nil {
		return fmt.Errorf("generator response failed schema validation: %w", err)
	}
	return nil
}

func compiledRoadmapSchema() (*jsonschema.Schema, error) {
	roadmapSchemaOnce.Do(func() {
		def, err := jsonschema.UnmarshalJSON(bytes.NewReader(roadmapSchemaJSON))
		if err != nil {
			roadmapSchemaErr = err
			return
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource(roadmapSchemaURL, def); err != nil {
			roadmapSchemaErr = err
			return
		}
		roadmapSchema, roadmapSchemaErr = c.Compile(roadmapSchemaURL)
	})
	return roadmapSchema, roadmapSchemaErr
}

// Package linear implements tracker.Service against Linear's GraphQL API.
// The client shape follows internal/github's PAT client: a raw net/http
// client, a single request helper, and response-shape structs private to
// this package.
package linear

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/ceedaragents/cyrus-edge-worker/internal/domain"
	"github.com/ceedaragents/cyrus-edge-worker/internal/orchestrator/translate"
	"github.com/ceedaragents/cyrus-edge-worker/internal/tracker"
)

const apiEndpoint = "https://api.linear.app/graphql"

// Client implements tracker.Service against the Linear GraphQL API.
type Client struct {
	apiKey     string
	httpClient *http.Client
}

// New builds a Linear client authenticated with apiKey (spec.md §2, Tracker
// config section).
func New(apiKey string) *Client {
	return &Client{
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: tracker.CallTimeout},
	}
}

type gqlRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables,omitempty"`
}

type gqlError struct {
	Message string `json:"message"`
}

func (c *Client) do(ctx context.Context, query string, vars map[string]any, out any) error {
	body, err := json.Marshal(gqlRequest{Query: query, Variables: vars})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, apiEndpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("linear request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("linear API returned %d: %s", resp.StatusCode, string(raw))
	}

	var envelope struct {
		Data   json.RawMessage `json:"data"`
		Errors []gqlError      `json:"errors"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("decode linear response: %w", err)
	}
	if len(envelope.Errors) > 0 {
		return fmt.Errorf("linear GraphQL error: %s", envelope.Errors[0].Message)
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(envelope.Data, out)
}

const createActivityMutation = `
mutation AgentActivityCreate($sessionId: String!, $content: AgentActivityContentInput!, $ephemeral: Boolean) {
  agentActivityCreate(input: {agentSessionId: $sessionId, content: $content, ephemeral: $ephemeral}) {
    success
    agentActivity { id }
  }
}`

// CreateAgentActivity posts one activity to an agent session's timeline
// (spec.md §6 outbound collaborator 1).
func (c *Client) CreateAgentActivity(ctx context.Context, sessionID string, act translate.Activity, opts tracker.ActivityOptions) (string, error) {
	content := map[string]any{"type": string(act.Type)}
	switch act.Type {
	case translate.TypeAction:
		content["action"] = act.Action
		content["parameter"] = act.Parameter
		if act.Result != "" {
			content["result"] = act.Result
		}
	default:
		content["body"] = act.Body
	}
	if opts.Signal != tracker.SignalNone {
		content["signal"] = string(opts.Signal)
		if len(opts.Options) > 0 {
			options := make([]map[string]string, len(opts.Options))
			for i, o := range opts.Options {
				options[i] = map[string]string{"value": o.Value, "label": o.Label}
			}
			content["signalMetadata"] = map[string]any{"options": options}
		}
	}

	var result struct {
		AgentActivityCreate struct {
			Success       bool `json:"success"`
			AgentActivity struct {
				ID string `json:"id"`
			} `json:"agentActivity"`
		} `json:"agentActivityCreate"`
	}

	vars := map[string]any{"sessionId": sessionID, "content": content, "ephemeral": opts.Ephemeral}
	if err := c.do(ctx, createActivityMutation, vars, &result); err != nil {
		return "", fmt.Errorf("create agent activity: %w", err)
	}
	if !result.AgentActivityCreate.Success {
		return "", fmt.Errorf("linear rejected agent activity for session %s", sessionID)
	}
	return result.AgentActivityCreate.AgentActivity.ID, nil
}

const fetchIssueQuery = `
query Issue($id: String!) {
  issue(id: $id) {
    id
    identifier
    title
    description
    url
    branchName
    labels { nodes { name } }
    team { key }
    project { name }
    parent { id }
  }
}`

// FetchIssue loads one issue's routing-relevant fields.
func (c *Client) FetchIssue(ctx context.Context, issueID string) (domain.Issue, error) {
	var result struct {
		Issue struct {
			ID          string `json:"id"`
			Identifier  string `json:"identifier"`
			Title       string `json:"title"`
			Description string `json:"description"`
			URL         string `json:"url"`
			BranchName  string `json:"branchName"`
			Labels      struct {
				Nodes []struct {
					Name string `json:"name"`
				} `json:"nodes"`
			} `json:"labels"`
			Team struct {
				Key string `json:"key"`
			} `json:"team"`
			Project struct {
				Name string `json:"name"`
			} `json:"project"`
			Parent struct {
				ID string `json:"id"`
			} `json:"parent"`
		} `json:"issue"`
	}

	if err := c.do(ctx, fetchIssueQuery, map[string]any{"id": issueID}, &result); err != nil {
		return domain.Issue{}, fmt.Errorf("fetch issue %s: %w", issueID, err)
	}

	labels := make([]string, 0, len(result.Issue.Labels.Nodes))
	for _, l := range result.Issue.Labels.Nodes {
		labels = append(labels, l.Name)
	}

	return domain.Issue{
		ID:          result.Issue.ID,
		Identifier:  result.Issue.Identifier,
		Title:       result.Issue.Title,
		Description: result.Issue.Description,
		URL:         result.Issue.URL,
		BranchName:  result.Issue.BranchName,
		Labels:      labels,
		TeamKey:     result.Issue.Team.Key,
		ProjectName: result.Issue.Project.Name,
		ParentID:    result.Issue.Parent.ID,
	}, nil
}

const fetchLabelsQuery = `
query WorkspaceLabels($id: String!) {
  workspace(id: $id) {
    issueLabels { nodes { name } }
  }
}`

// FetchLabels lists every issue label configured in a workspace.
func (c *Client) FetchLabels(ctx context.Context, workspaceID string) ([]string, error) {
	var result struct {
		Workspace struct {
			IssueLabels struct {
				Nodes []struct {
					Name string `json:"name"`
				} `json:"nodes"`
			} `json:"issueLabels"`
		} `json:"workspace"`
	}

	if err := c.do(ctx, fetchLabelsQuery, map[string]any{"id": workspaceID}, &result); err != nil {
		return nil, fmt.Errorf("fetch labels for workspace %s: %w", workspaceID, err)
	}

	labels := make([]string, 0, len(result.Workspace.IssueLabels.Nodes))
	for _, l := range result.Workspace.IssueLabels.Nodes {
		labels = append(labels, l.Name)
	}
	return labels, nil
}

var _ tracker.Service = (*Client)(nil)

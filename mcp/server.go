package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/rs/zerolog/log"

	"escrow-backend/core/marketplace"
	"escrow-backend/network"
)

// MCPServer exposes the job projection as MCP tools.
type MCPServer struct {
	mcpServer  *server.MCPServer
	projection marketplace.Projection
	service    *marketplace.Service
	networks   *network.Registry
}

// NewMCPServer registers the marketplace tools over projection.
func NewMCPServer(projection marketplace.Projection, networks *network.Registry) *MCPServer {
	mcpServer := server.NewMCPServer(
		"Escrow Marketplace MCP Server",
		"1.0.0",
		server.WithToolCapabilities(true),
	)

	s := &MCPServer{
		mcpServer:  mcpServer,
		projection: projection,
		service:    marketplace.NewService(projection),
		networks:   networks,
	}
	s.registerTools()
	return s
}

// GetMCPServer returns the underlying MCP server for transport setup
func (s *MCPServer) GetMCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *MCPServer) registerTools() {
	s.mcpServer.AddTool(mcp.NewTool("list_jobs",
		mcp.WithDescription("List escrow-funded jobs on a network, newest first"),
		mcp.WithString("network", mcp.Description("Profile key or chain id; defaults to the active network")),
		mcp.WithString("status", mcp.Description("Only return jobs in this status (OPEN, ASSIGNED, PAID, REFUNDED)")),
	), s.handleListJobs)

	s.mcpServer.AddTool(mcp.NewTool("get_job",
		mcp.WithDescription("Get one job by its canonical id"),
		mcp.WithString("job_id", mcp.Required(), mcp.Description("Canonical job id")),
	), s.handleGetJob)

	s.mcpServer.AddTool(mcp.NewTool("apply_to_job",
		mcp.WithDescription("Apply to an OPEN job as a known identity"),
		mcp.WithString("job_id", mcp.Required(), mcp.Description("Canonical job id")),
		mcp.WithString("applicant", mcp.Required(), mcp.Description("Name of the applying identity")),
	), s.handleApply)

	s.mcpServer.AddTool(mcp.NewTool("assign_job",
		mcp.WithDescription("Assign an OPEN job to a worker; only the job's client may assign"),
		mcp.WithString("job_id", mcp.Required(), mcp.Description("Canonical job id")),
		mcp.WithString("client", mcp.Required(), mcp.Description("Name of the job's client")),
		mcp.WithString("worker", mcp.Required(), mcp.Description("Name of the worker to assign")),
	), s.handleAssign)

	s.mcpServer.AddTool(mcp.NewTool("list_submissions",
		mcp.WithDescription("List a job's submissions and verdicts, newest first"),
		mcp.WithString("job_id", mcp.Required(), mcp.Description("Canonical job id")),
	), s.handleListSubmissions)

	s.mcpServer.AddTool(mcp.NewTool("list_users",
		mcp.WithDescription("List the known marketplace identities"),
	), s.handleListUsers)
}

func (s *MCPServer) handleListJobs(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	profile := s.networks.ActiveProfile()
	if key := strings.TrimSpace(request.GetString("network", "")); key != "" {
		var ok bool
		if profile, ok = s.networks.Lookup(key); !ok {
			return mcp.NewToolResultError(fmt.Sprintf("unknown network %q", key)), nil
		}
	}
	jobs, err := s.projection.ListJobs(ctx, profile.ChainID)
	if err != nil {
		return toolError("Failed to list jobs", err), nil
	}
	if status := strings.ToUpper(strings.TrimSpace(request.GetString("status", ""))); status != "" {
		filtered := jobs[:0]
		for _, j := range jobs {
			if string(j.Status) == status {
				filtered = append(filtered, j)
			}
		}
		jobs = filtered
	}
	return jsonResult(fmt.Sprintf("Found %d jobs on %s", len(jobs), profile.Name), jobs)
}

func (s *MCPServer) handleGetJob(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	jobID, err := request.RequireString("job_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	job, err := s.service.Job(ctx, jobID)
	if err != nil {
		return toolError("Failed to get job", err), nil
	}
	return jsonResult("Job details", job)
}

func (s *MCPServer) handleApply(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	jobID, err := request.RequireString("job_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	applicant, err := request.RequireString("applicant")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	sess, err := s.session(ctx, applicant)
	if err != nil {
		return toolError("Failed to apply", err), nil
	}
	job, err := s.service.Apply(ctx, sess, jobID)
	if err != nil {
		return toolError("Failed to apply", err), nil
	}
	return jsonResult("Application recorded", job)
}

func (s *MCPServer) handleAssign(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	jobID, err := request.RequireString("job_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	client, err := request.RequireString("client")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	worker, err := request.RequireString("worker")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	sess, err := s.session(ctx, client)
	if err != nil {
		return toolError("Failed to assign", err), nil
	}
	job, err := s.service.Assign(ctx, sess, jobID, worker)
	if err != nil {
		return toolError("Failed to assign", err), nil
	}
	return jsonResult("Job assigned", job)
}

func (s *MCPServer) handleListSubmissions(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	jobID, err := request.RequireString("job_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	subs, err := s.projection.Submissions(ctx, jobID)
	if err != nil {
		return toolError("Failed to list submissions", err), nil
	}
	return jsonResult(fmt.Sprintf("Found %d submissions", len(subs)), subs)
}

func (s *MCPServer) handleListUsers(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	users, err := s.projection.Users(ctx)
	if err != nil {
		return toolError("Failed to list users", err), nil
	}
	return jsonResult(fmt.Sprintf("Found %d users", len(users)), users)
}

// session resolves name against the identity directory. Tool callers act as
// a named identity rather than a signed-in user.
func (s *MCPServer) session(ctx context.Context, name string) (marketplace.Session, error) {
	users, err := s.projection.Users(ctx)
	if err != nil {
		return marketplace.Session{}, err
	}
	name = strings.TrimSpace(name)
	for _, u := range users {
		if u.Name == name {
			return marketplace.Session{Actor: u, Networks: s.networks}, nil
		}
	}
	return marketplace.Session{}, fmt.Errorf("%w: %q", marketplace.ErrUnknownIdentity, name)
}

func toolError(prefix string, err error) *mcp.CallToolResult {
	msg := fmt.Sprintf("%s: %v", prefix, err)
	if code := marketplace.ErrorCode(err); code != "" {
		msg += " (" + code + ")"
	}
	log.Debug().Err(err).Msg(prefix)
	return mcp.NewToolResultError(msg)
}

func jsonResult(summary string, v any) (*mcp.CallToolResult, error) {
	body, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}
	return mcp.NewToolResultText(summary + ":\n\n" + string(body)), nil
}

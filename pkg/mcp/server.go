// Package mcp exposes the workflow engine to authoring agents over the
// Model Context Protocol.
package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/loomhq/loom/internal/actions"
	"github.com/loomhq/loom/internal/secrets"
	"github.com/loomhq/loom/internal/store"
	"github.com/loomhq/loom/internal/validation"
)

// RunEngine is the slice of the interpreter the tool surface needs.
type RunEngine interface {
	Start(ctx context.Context, workflowID, threadID string, input map[string]any) (*store.Run, error)
	Resume(ctx context.Context, runID string) (*store.Run, error)
	Cancel(ctx context.Context, runID, reason string) error
}

// LoomServerDeps holds the dependencies for creating a LoomServer.
type LoomServerDeps struct {
	Engine    RunEngine
	Store     store.Store
	Registry  *actions.Registry
	Validator *validation.WorkflowValidator
	Tracker   actions.Tracker
	Vault     secrets.Vault
	Logger    *slog.Logger
}

// LoomServer wraps an MCP server with the workflow tool handlers.
type LoomServer struct {
	engine    RunEngine
	store     store.Store
	registry  *actions.Registry
	validator *validation.WorkflowValidator
	tracker   actions.Tracker
	vault     secrets.Vault
	sessions  *SessionRegistry
	notifier  Notifier
	logger    *slog.Logger
	mcpServer *server.MCPServer
}

// NewLoomServer creates a LoomServer with all tools registered.
func NewLoomServer(deps LoomServerDeps) *LoomServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &LoomServer{
		engine:    deps.Engine,
		store:     deps.Store,
		registry:  deps.Registry,
		validator: deps.Validator,
		tracker:   deps.Tracker,
		vault:     deps.Vault,
		sessions:  NewSessionRegistry(),
		logger:    logger,
	}

	mcpSrv := server.NewMCPServer(
		"loom",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Loom runs automation workflows over tenant data. "+
			"Author definitions with workflow.save, check them with workflow.validate, "+
			"execute with workflow.run, and continue suspended runs with workflow.resume "+
			"after their approval is decided. Use actions.catalog to discover operations "+
			"and docs.syntax for the definition language reference."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	s.notifier = NewMCPNotifier(mcpSrv, s.sessions)
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *LoomServer) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *LoomServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *LoomServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: saveWorkflowTool(), Handler: s.handleSaveWorkflow},
		{Tool: validateWorkflowTool(), Handler: s.handleValidateWorkflow},
		{Tool: runWorkflowTool(), Handler: s.handleRunWorkflow},
		{Tool: resumeWorkflowTool(), Handler: s.handleResumeRun},
		{Tool: runStatusTool(), Handler: s.handleRunStatus},
		{Tool: runCancelTool(), Handler: s.handleRunCancel},
		{Tool: workflowDiagramTool(), Handler: s.handleWorkflowDiagram},
		{Tool: approvalCreateTool(), Handler: s.handleApprovalCreate},
		{Tool: approvalStatusTool(), Handler: s.handleApprovalStatus},
		{Tool: findUnprocessedTool(), Handler: s.handleFindUnprocessed},
		{Tool: recordProcessedTool(), Handler: s.handleRecordProcessed},
		{Tool: actionsCatalogTool(), Handler: s.handleActionsCatalog},
		{Tool: docsSyntaxTool(), Handler: s.handleDocsSyntax},
		{Tool: secretsStoreTool(), Handler: s.handleSecretsStore},
		{Tool: secretsListTool(), Handler: s.handleSecretsList},
		{Tool: secretsDeleteTool(), Handler: s.handleSecretsDelete},
	}
}

// --- Tool definitions ---

func saveWorkflowTool() mcp.Tool {
	return mcp.NewTool("workflow.save",
		mcp.WithDescription("Validate and save a workflow definition. Creates the workflow or replaces the steps of an existing one with the same name. Validation errors block saving; warnings do not."),
		mcp.WithString("org_id", mcp.Required(), mcp.Description("Organization the workflow belongs to")),
		mcp.WithObject("definition", mcp.Required(), mcp.Description("Workflow definition object (name, status, config, steps)")),
	)
}

func validateWorkflowTool() mcp.Tool {
	return mcp.NewTool("workflow.validate",
		mcp.WithDescription("Validate a workflow definition without saving it. Returns structural, semantic, and graph issues split into errors and warnings."),
		mcp.WithObject("definition", mcp.Required(), mcp.Description("Workflow definition object to check")),
	)
}

func runWorkflowTool() mcp.Tool {
	return mcp.NewTool("workflow.run",
		mcp.WithDescription("Start a run of a saved workflow. The input object becomes the start step's output. Returns the run's terminal or suspended state."),
		mcp.WithString("org_id", mcp.Required(), mcp.Description("Organization scope")),
		mcp.WithString("workflow_id", mcp.Description("Workflow ID (or use name)")),
		mcp.WithString("name", mcp.Description("Workflow name within the organization")),
		mcp.WithString("thread_id", mcp.Description("Conversation that triggered the run; approvals raised by the run carry it")),
		mcp.WithObject("input", mcp.Description("Trigger payload visible as the start step's output")),
	)
}

func resumeWorkflowTool() mcp.Tool {
	return mcp.NewTool("workflow.resume",
		mcp.WithDescription("Continue a run suspended on an approval after the approval has been approved or rejected"),
		mcp.WithString("org_id", mcp.Required(), mcp.Description("Organization scope")),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("Suspended run to continue")),
	)
}

func runStatusTool() mcp.Tool {
	return mcp.NewTool("run.status",
		mcp.WithDescription("Get a run's current state and history events"),
		mcp.WithString("org_id", mcp.Required(), mcp.Description("Organization scope")),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("Run to inspect")),
		mcp.WithNumber("since", mcp.Description("Only events with sequence greater than this")),
	)
}

func runCancelTool() mcp.Tool {
	return mcp.NewTool("run.cancel",
		mcp.WithDescription("Cancel a running or suspended run"),
		mcp.WithString("org_id", mcp.Required(), mcp.Description("Organization scope")),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("Run to cancel")),
		mcp.WithString("reason", mcp.Description("Why the run is being cancelled")),
	)
}

func workflowDiagramTool() mcp.Tool {
	return mcp.NewTool("workflow.diagram",
		mcp.WithDescription("Render a workflow as a Mermaid flowchart. With a run_id, steps are colored by that run's progress."),
		mcp.WithString("org_id", mcp.Required(), mcp.Description("Organization scope")),
		mcp.WithString("workflow_id", mcp.Description("Workflow ID (or use name)")),
		mcp.WithString("name", mcp.Description("Workflow name within the organization")),
		mcp.WithString("run_id", mcp.Description("Run whose step states overlay the diagram")),
	)
}

func secretsStoreTool() mcp.Tool {
	return mcp.NewTool("secrets.store",
		mcp.WithDescription("Store an encrypted secret for the organization. Reference it from action parameters as ${{secrets.KEY}}; the value is decrypted only at execution time."),
		mcp.WithString("org_id", mcp.Required(), mcp.Description("Organization scope")),
		mcp.WithString("key", mcp.Required(), mcp.Description("Secret name, e.g. SLACK_TOKEN")),
		mcp.WithString("value", mcp.Required(), mcp.Description("Secret value to encrypt and store")),
	)
}

func secretsListTool() mcp.Tool {
	return mcp.NewTool("secrets.list",
		mcp.WithDescription("List the organization's secret names. Values are never returned."),
		mcp.WithString("org_id", mcp.Required(), mcp.Description("Organization scope")),
	)
}

func secretsDeleteTool() mcp.Tool {
	return mcp.NewTool("secrets.delete",
		mcp.WithDescription("Delete an organization secret"),
		mcp.WithString("org_id", mcp.Required(), mcp.Description("Organization scope")),
		mcp.WithString("key", mcp.Required(), mcp.Description("Secret name to delete")),
	)
}

func approvalCreateTool() mcp.Tool {
	return mcp.NewTool("approvals.create",
		mcp.WithDescription("Create a standalone approval request for a human decision, outside any workflow run"),
		mcp.WithString("org_id", mcp.Required(), mcp.Description("Organization scope")),
		mcp.WithString("operation", mcp.Required(), mcp.Description("Operation the approval gates, e.g. customers.update")),
		mcp.WithString("title", mcp.Description("Human-readable summary shown to the approver")),
		mcp.WithObject("parameters", mcp.Description("Parameters frozen into the request")),
		mcp.WithString("thread_id", mcp.Description("Conversation the request belongs to")),
	)
}

func approvalStatusTool() mcp.Tool {
	return mcp.NewTool("approvals.status",
		mcp.WithDescription("Check whether an approval exists and how it was resolved"),
		mcp.WithString("org_id", mcp.Required(), mcp.Description("Organization scope")),
		mcp.WithString("approval_id", mcp.Required(), mcp.Description("Approval to look up")),
	)
}

func findUnprocessedTool() mcp.Tool {
	return mcp.NewTool("records.find_unprocessed",
		mcp.WithDescription("Find and claim records a workflow has not processed yet. Claimed records are reserved so concurrent callers never receive the same one."),
		mcp.WithString("org_id", mcp.Required(), mcp.Description("Organization scope")),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("Workflow whose processing markers are consulted")),
		mcp.WithString("table", mcp.Required(), mcp.Description("Record table (customers, products, conversations)")),
		mcp.WithString("filter_expression", mcp.Description("Expression over record fields, e.g. plan == \"pro\"")),
		mcp.WithNumber("backoff_hours", mcp.Description("Re-eligibility window; 0 means processed records never return")),
		mcp.WithNumber("limit", mcp.Description("Records to claim (default 1)")),
	)
}

func recordProcessedTool() mcp.Tool {
	return mcp.NewTool("records.record_processed",
		mcp.WithDescription("Mark a record as processed by a workflow so future find_unprocessed calls skip it"),
		mcp.WithString("org_id", mcp.Required(), mcp.Description("Organization scope")),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("Workflow that handled the record")),
		mcp.WithString("table", mcp.Required(), mcp.Description("Record table")),
		mcp.WithString("record_id", mcp.Required(), mcp.Description("Record that was handled")),
		mcp.WithString("record_creation_time", mcp.Description("RFC 3339 timestamp to stamp instead of now, for records handled before tracking began")),
	)
}

func actionsCatalogTool() mcp.Tool {
	return mcp.NewTool("actions.catalog",
		mcp.WithDescription("List registered actions with their parameters, modes, and examples. Write-mode actions require human approval when used in workflows."),
		mcp.WithString("type", mcp.Description("Only actions of this family, e.g. customers")),
	)
}

func docsSyntaxTool() mcp.Tool {
	return mcp.NewTool("docs.syntax",
		mcp.WithDescription("Workflow definition language reference. Without a category, lists the available categories."),
		mcp.WithString("category", mcp.Description("One of quick_start, common_patterns, start, llm, action, condition, loop, variables")),
	)
}

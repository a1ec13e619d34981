package tools

import (
	"context"
	"fmt"

	"github.com/sarnowski/msfailab/internal/common/config"
	"github.com/sarnowski/msfailab/internal/fault"
)

const defaultQueryLimit = 50

// RegisterBuiltins installs the built-in tool set. The command timeout for
// the two async tools comes from configuration.
func RegisterBuiltins(r *Registry, cfg config.ToolsConfig) error {
	commandTimeout := cfg.DefaultTimeoutMs

	builtins := []struct {
		desc    Descriptor
		handler Handler
	}{
		{
			desc: Descriptor{
				Name:        ToolMetasploitConsole,
				Description: "Run a command in the Metasploit console of the sandbox container and return its output.",
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"command": map[string]any{
							"type":        "string",
							"description": "The console command to execute, e.g. 'db_nmap -sV 10.0.0.5'.",
						},
					},
					"required": []any{"command"},
				},
				ApprovalRequired: true,
				TimeoutMS:        &commandTimeout,
				Mutex:            MutexConsole,
			},
			handler: runMetasploitConsole,
		},
		{
			desc: Descriptor{
				Name:        ToolBash,
				Description: "Run a bash command inside the sandbox container and return stdout, stderr and the exit code.",
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"command": map[string]any{
							"type":        "string",
							"description": "The shell command line to execute.",
						},
					},
					"required": []any{"command"},
				},
				ApprovalRequired: true,
				TimeoutMS:        &commandTimeout,
			},
			handler: runBash,
		},
		{
			desc: Descriptor{
				Name:        ToolMemoryUpdate,
				Description: "Replace one section of the working-memory document. Sections are identified by their markdown heading.",
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"section": map[string]any{
							"type":        "string",
							"description": "Heading of the section to replace or create.",
						},
						"content": map[string]any{
							"type":        "string",
							"description": "New markdown body of the section. Empty removes the section.",
						},
					},
					"required": []any{"section", "content"},
				},
				Mutex: MutexMemory,
			},
			handler: runMemoryUpdate,
		},
		{
			desc: Descriptor{
				Name:        ToolMemoryRead,
				Description: "Return the full working-memory document.",
				Parameters: map[string]any{
					"type":       "object",
					"properties": map[string]any{},
				},
				Mutex: MutexMemory,
			},
			handler: runMemoryRead,
		},
		{
			desc: Descriptor{
				Name:        ToolDBQuery,
				Description: "Read collected findings from the Metasploit database for the current workspace.",
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"table": map[string]any{
							"type":        "string",
							"enum":        []any{"hosts", "services", "vulns", "creds", "loots", "notes"},
							"description": "Which finding table to read.",
						},
						"limit": map[string]any{
							"type":        "integer",
							"minimum":     1,
							"maximum":     500,
							"description": "Maximum number of rows to return (default 50).",
						},
					},
					"required": []any{"table"},
				},
			},
			handler: runDBQuery,
		},
	}

	for _, b := range builtins {
		if err := r.Register(b.desc, b.handler); err != nil {
			return err
		}
	}
	return nil
}

func runMetasploitConsole(ctx context.Context, ec ExecContext, args map[string]any) (Result, error) {
	if ec.Msf == nil {
		return Result{}, fault.New(fault.ExecutionError, "no container is attached to this track")
	}
	command, _ := args["command"].(string)
	commandID, err := ec.Msf.SendMetasploitCommand(ctx, ec.TrackID, command)
	if err != nil {
		return Result{}, err
	}
	return Result{Async: true, CommandID: commandID}, nil
}

func runBash(ctx context.Context, ec ExecContext, args map[string]any) (Result, error) {
	if ec.Shell == nil {
		return Result{}, fault.New(fault.ExecutionError, "no container is attached to this track")
	}
	command, _ := args["command"].(string)
	commandID, err := ec.Shell.SendBashCommand(ctx, ec.TrackID, command)
	if err != nil {
		return Result{}, err
	}
	return Result{Async: true, CommandID: commandID}, nil
}

func runMemoryUpdate(ctx context.Context, ec ExecContext, args map[string]any) (Result, error) {
	if ec.Memory == nil {
		return Result{}, fault.New(fault.ExecutionError, "working memory is not available")
	}
	section, _ := args["section"].(string)
	content, _ := args["content"].(string)
	ec.Memory.UpdateSection(section, content)
	return Result{Value: fmt.Sprintf("Memory section %q updated.", section)}, nil
}

func runMemoryRead(ctx context.Context, ec ExecContext, args map[string]any) (Result, error) {
	if ec.Memory == nil {
		return Result{}, fault.New(fault.ExecutionError, "working memory is not available")
	}
	doc := ec.Memory.Render()
	if doc == "" {
		return Result{Value: "Memory is empty."}, nil
	}
	return Result{Value: doc}, nil
}

func runDBQuery(ctx context.Context, ec ExecContext, args map[string]any) (Result, error) {
	if ec.DB == nil {
		return Result{}, fault.New(fault.ExecutionError, "the security database is not configured")
	}
	table, _ := args["table"].(string)
	limit := defaultQueryLimit
	if v, ok := args["limit"].(float64); ok {
		limit = int(v)
	}
	out, err := ec.DB.QueryTable(ctx, ec.WorkspaceSlug, table, limit)
	if err != nil {
		return Result{}, err
	}
	return Result{Value: out}, nil
}

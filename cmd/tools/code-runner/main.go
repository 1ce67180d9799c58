package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"unicode/utf8"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/michaelbrown/compilebox/internal/app"
	"github.com/michaelbrown/compilebox/internal/config"
	"github.com/michaelbrown/compilebox/internal/logging"
	"github.com/michaelbrown/compilebox/internal/sandbox"
)

const maxOutput = 4000

func main() {
	cfg, err := config.Load(os.Getenv("COMPILEBOX_CONFIG"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}
	// stdout carries the MCP protocol.
	if cfg.Log.OutputPath == "stdout" {
		cfg.Log.OutputPath = "stderr"
	}
	logger, err := logging.New(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger error: %v\n", err)
		os.Exit(1)
	}

	a, err := app.New(cfg, logger, nil)
	if err != nil {
		logger.Fatal("building sandbox", zap.Error(err))
	}
	defer a.Close()

	s := server.NewMCPServer("compilebox-code-runner", "0.1.0")
	s.AddTool(codeRunTool(a), handleCodeRun(a))

	if err := server.ServeStdio(s); err != nil {
		logger.Error("server error", zap.Error(err))
	}
}

func codeRunTool(a *app.App) mcp.Tool {
	langs := a.Catalog.Keys()
	return mcp.Tool{
		Name:        "code_run",
		Description: fmt.Sprintf("Execute code in a sandboxed container. Supported languages: %s.", strings.Join(langs, ", ")),
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"language": map[string]any{
					"type":        "string",
					"description": "Language key",
					"enum":        langs,
				},
				"code": map[string]any{
					"type":        "string",
					"description": "Source code to execute",
				},
				"stdin": map[string]any{
					"type":        "string",
					"description": "Standard input to provide to the program (optional)",
				},
				"timeout": map[string]any{
					"type":        "integer",
					"description": fmt.Sprintf("Timeout in seconds (optional, default %d)", a.Config.Sandbox.Timeout),
				},
			},
			Required: []string{"language", "code"},
		},
	}
}

func handleCodeRun(a *app.App) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args, _ := request.Params.Arguments.(map[string]any)
		if args == nil {
			return errResult("error: invalid arguments"), nil
		}

		language, _ := args["language"].(string)
		code, _ := args["code"].(string)
		stdin, _ := args["stdin"].(string)
		timeout, _ := args["timeout"].(float64)

		if language == "" || code == "" {
			return errResult("error: 'language' and 'code' are required"), nil
		}
		lang, err := a.Catalog.Lookup(language)
		if err != nil {
			return errResult(fmt.Sprintf("error: %v", err)), nil
		}
		unit := strings.TrimSuffix(lang.CompileTarget, lang.Extension())

		out, err := a.Run(ctx, app.Request{
			Language: language,
			Sources:  map[string]string{unit: code},
			Stdin:    stdin,
			Timeout:  int(timeout),
		})
		if err != nil {
			return errResult(fmt.Sprintf("error: %v", err)), nil
		}

		return &mcp.CallToolResult{
			Content: []mcp.Content{mcp.TextContent{Type: "text", Text: formatOutcome(out)}},
			IsError: out.TimedOut || out.Errors != "",
		}, nil
	}
}

func formatOutcome(out *sandbox.Outcome) string {
	var b strings.Builder
	b.WriteString(out.Output)
	if out.Errors != "" {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString("STDERR:\n" + out.Errors)
	}
	if !out.TimedOut && strings.TrimSpace(out.Time) != "" {
		b.WriteString("\ntime: " + strings.TrimSpace(out.Time))
	}

	return truncate(b.String(), maxOutput)
}

// truncate cuts text to at most n bytes without splitting a rune.
func truncate(text string, n int) string {
	if len(text) <= n {
		return text
	}
	for n > 0 && !utf8.RuneStart(text[n]) {
		n--
	}
	return text[:n] + "\n... (output truncated)"
}

func errResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.TextContent{Type: "text", Text: text}},
		IsError: true,
	}
}

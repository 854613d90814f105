package api

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/docqa/internal/service"
)

// MCPDeps configures the MCP server. MCP clients carry no bearer token, so
// every tool acts as OwnerID.
type MCPDeps struct {
	Service DocumentService
	OwnerID string
	Version string
}

var docIDParam = mcp.WithString("document_id", mcp.Description("Document id returned by ingest_text or list_documents"), mcp.Required())

// NewMCPServer exposes the document operations as MCP tools.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	if deps.Version == "" {
		deps.Version = "dev"
	}
	s := server.NewMCPServer("docqa", deps.Version,
		server.WithToolCapabilities(true),
		server.WithInstructions("docqa answers questions about uploaded documents using only their content. "+
			"Ingest a document, wait until get_document reports status ready, then ask."),
		server.WithRecovery(),
	)

	s.AddTools(
		server.ServerTool{
			Tool: mcp.NewTool("list_documents",
				mcp.WithDescription("List uploaded documents with their processing status, oldest first."),
				mcp.WithReadOnlyHintAnnotation(true),
			),
			Handler: mcpListDocuments(deps),
		},
		server.ServerTool{
			Tool: mcp.NewTool("get_document",
				mcp.WithDescription("Show one document's status, chunk count and failure reason."),
				mcp.WithReadOnlyHintAnnotation(true),
				docIDParam,
			),
			Handler: mcpGetDocument(deps),
		},
		server.ServerTool{
			Tool: mcp.NewTool("ingest_text",
				mcp.WithDescription("Upload a text or markdown document. Identical content returns the existing document."),
				mcp.WithString("filename", mcp.Description("File name; its extension selects the parser"), mcp.Required()),
				mcp.WithString("content", mcp.Description("Document text"), mcp.Required()),
				mcp.WithIdempotentHintAnnotation(true),
			),
			Handler: mcpIngestText(deps),
		},
		server.ServerTool{
			Tool: mcp.NewTool("ask_document",
				mcp.WithDescription("Answer a question using only the content of one document, with citations."),
				mcp.WithReadOnlyHintAnnotation(true),
				docIDParam,
				mcp.WithString("question", mcp.Description("The question"), mcp.Required()),
			),
			Handler: mcpAskDocument(deps),
		},
		server.ServerTool{
			Tool: mcp.NewTool("delete_document",
				mcp.WithDescription("Delete a document with its chunks and vectors."),
				mcp.WithDestructiveHintAnnotation(true),
				docIDParam,
			),
			Handler: mcpDeleteDocument(deps),
		},
	)
	return s
}

// requireArgs pulls required string arguments in order, naming the first
// one missing.
func requireArgs(req mcp.CallToolRequest, names ...string) ([]string, *mcp.CallToolResult) {
	out := make([]string, len(names))
	for i, n := range names {
		v, err := req.RequireString(n)
		if err != nil || v == "" {
			return nil, mcp.NewToolResultError(n + " is required")
		}
		out[i] = v
	}
	return out, nil
}

func mcpListDocuments(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		docs, err := deps.Service.ListDocuments(ctx, deps.OwnerID)
		if err != nil {
			return mcp.NewToolResultError("listing documents: " + err.Error()), nil
		}
		if docs == nil {
			docs = []service.DocumentSummary{}
		}
		return jsonResult(docs), nil
	}
}

func mcpGetDocument(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args, bad := requireArgs(req, "document_id")
		if bad != nil {
			return bad, nil
		}
		doc, err := deps.Service.GetDocument(ctx, deps.OwnerID, args[0])
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return jsonResult(viewOf(doc)), nil
	}
}

func mcpIngestText(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args, bad := requireArgs(req, "filename", "content")
		if bad != nil {
			return bad, nil
		}
		res, err := deps.Service.Ingest(ctx, deps.OwnerID, args[0], "", []byte(args[1]))
		if err != nil {
			return mcp.NewToolResultError("ingest: " + err.Error()), nil
		}
		if res.Duplicate {
			return mcp.NewToolResultText(fmt.Sprintf("Document already uploaded as %s (%s)", res.DocumentID, res.Status)), nil
		}
		return mcp.NewToolResultText("Queued document " + res.DocumentID), nil
	}
}

func mcpAskDocument(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args, bad := requireArgs(req, "document_id", "question")
		if bad != nil {
			return bad, nil
		}
		ans, err := deps.Service.Ask(ctx, deps.OwnerID, args[0], args[1])
		if err != nil {
			return mcp.NewToolResultError("ask: " + err.Error()), nil
		}
		return jsonResult(askResponse(ans)), nil
	}
}

func mcpDeleteDocument(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args, bad := requireArgs(req, "document_id")
		if bad != nil {
			return bad, nil
		}
		if err := deps.Service.DeleteDocument(ctx, deps.OwnerID, args[0]); err != nil {
			return mcp.NewToolResultError("delete: " + err.Error()), nil
		}
		return mcp.NewToolResultText("Deleted document " + args[0]), nil
	}
}

// jsonResult returns v as a JSON text block, which every MCP client can
// read.
func jsonResult(v any) *mcp.CallToolResult {
	b, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError("encoding result: " + err.Error())
	}
	return mcp.NewToolResultText(string(b))
}

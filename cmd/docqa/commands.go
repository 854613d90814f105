package main

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/kalambet/docqa/internal/api"
	"github.com/kalambet/docqa/internal/config"
	"github.com/kalambet/docqa/internal/service"
	"github.com/kalambet/docqa/internal/storage"
)

// documentInfo mirrors the server's document view.
type documentInfo struct {
	DocumentID    string         `json:"document_id"`
	Filename      string         `json:"filename"`
	ContentType   string         `json:"content_type"`
	Status        storage.Status `json:"status"`
	FailureReason string         `json:"failure_reason,omitempty"`
	ChunkCount    int            `json:"chunk_count"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

func documentPath(id string) string {
	return "/api/v1/documents/" + url.PathEscape(id)
}

func uploadFile(ctx context.Context, c *apiClient, method, path, file, contentType string) (service.IngestResult, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return service.IngestResult{}, fmt.Errorf("reading file: %w", err)
	}
	resp, err := c.upload(ctx, method, path, filepath.Base(file), contentType, data)
	if err != nil {
		return service.IngestResult{}, err
	}
	var res service.IngestResult
	if err := decodeJSON(resp, &res); err != nil {
		return service.IngestResult{}, err
	}
	return res, nil
}

func fetchDocument(ctx context.Context, c *apiClient, id string) (documentInfo, error) {
	resp, err := c.get(ctx, documentPath(id))
	if err != nil {
		return documentInfo{}, err
	}
	var doc documentInfo
	if err := decodeJSON(resp, &doc); err != nil {
		return documentInfo{}, err
	}
	return doc, nil
}

// waitForDocument polls until the document is ready or failed.
func waitForDocument(ctx context.Context, c *apiClient, id string, interval time.Duration) (documentInfo, error) {
	for {
		doc, err := fetchDocument(ctx, c, id)
		if err != nil {
			return documentInfo{}, err
		}
		if doc.Status == storage.StatusReady || doc.Status == storage.StatusFailed {
			return doc, nil
		}
		select {
		case <-ctx.Done():
			return doc, ctx.Err()
		case <-time.After(interval):
		}
	}
}

func reportIngest(ctx context.Context, cmd *cobra.Command, c *apiClient, res service.IngestResult) error {
	if res.Duplicate {
		printWarning("Identical content already stored as %s (%s)", res.DocumentID, res.Status)
	} else {
		printSuccess("Queued document %s", res.DocumentID)
	}
	fmt.Fprintln(stdout, res.DocumentID)

	if wait, _ := cmd.Flags().GetBool("wait"); !wait {
		return nil
	}
	printStep("Waiting for processing...")
	doc, err := waitForDocument(ctx, c, res.DocumentID, 500*time.Millisecond)
	if err != nil {
		return err
	}
	if doc.Status == storage.StatusFailed {
		return fmt.Errorf("document %s failed: %s", doc.DocumentID, doc.FailureReason)
	}
	printSuccess("Document ready (%d chunks)", doc.ChunkCount)
	return nil
}

// --- ingest ---

var ingestCmd = &cobra.Command{
	Use:   "ingest <file>",
	Short: "Upload a text or PDF document",
	Long: `Upload a text or PDF document for question answering.

Examples:
  docqa ingest ./report.pdf --wait
  docqa ingest ./notes.txt --content-type text/plain`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		contentType, _ := cmd.Flags().GetString("content-type")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		res, err := uploadFile(ctx, client, http.MethodPost, "/api/v1/documents", args[0], contentType)
		if err != nil {
			return err
		}
		return reportIngest(ctx, cmd, client, res)
	},
}

var replaceCmd = &cobra.Command{
	Use:   "replace <doc-id> <file>",
	Short: "Replace a document's content and process it again",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		contentType, _ := cmd.Flags().GetString("content-type")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		res, err := uploadFile(ctx, client, http.MethodPut, documentPath(args[0])+"/content", args[1], contentType)
		if err != nil {
			return err
		}
		return reportIngest(ctx, cmd, client, res)
	},
}

func init() {
	for _, c := range []*cobra.Command{ingestCmd, replaceCmd} {
		c.Flags().String("content-type", "", "content type (detected from the file when empty)")
		c.Flags().Bool("wait", false, "wait until the document is ready or failed")
	}
}

// --- docs ---

var docsCmd = &cobra.Command{
	Use:   "docs",
	Short: "List your documents",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/api/v1/documents")
		if err != nil {
			return err
		}
		var result struct {
			Documents []service.DocumentSummary `json:"documents"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		if len(result.Documents) == 0 {
			fmt.Fprintln(stdout, "No documents.")
			return nil
		}
		for _, d := range result.Documents {
			fmt.Fprintf(stdout, "  %s  %-10s  %s  %s\n",
				colorize(colorBold, d.DocumentID),
				statusLabel(d.Status),
				d.CreatedAt.Local().Format("2006-01-02 15:04"),
				d.Filename)
		}
		return nil
	},
}

func statusLabel(s storage.Status) string {
	switch s {
	case storage.StatusReady:
		return colorize(colorGreen, string(s))
	case storage.StatusFailed:
		return colorize(colorRed, string(s))
	default:
		return colorize(colorYellow, string(s))
	}
}

var docCmd = &cobra.Command{
	Use:   "doc <doc-id>",
	Short: "Show one document",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		doc, err := fetchDocument(cmd.Context(), client, args[0])
		if err != nil {
			return err
		}
		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			fmt.Fprintln(stdout, prettyJSON(doc))
			return nil
		}

		printStatus("ID", "%s", doc.DocumentID)
		printStatus("File", "%s (%s)", doc.Filename, doc.ContentType)
		printStatus("Status", "%s", statusLabel(doc.Status))
		if doc.FailureReason != "" {
			printStatus("Reason", "%s", doc.FailureReason)
		}
		printStatus("Chunks", "%d", doc.ChunkCount)
		printStatus("Uploaded", "%s", doc.CreatedAt.Local().Format(time.RFC3339))
		return nil
	},
}

func init() {
	docCmd.Flags().Bool("json", false, "print the raw document record")
}

// --- ask ---

func askDocument(ctx context.Context, c *apiClient, id, question string) (api.AskResponse, error) {
	resp, err := c.post(ctx, documentPath(id)+"/ask", api.AskRequest{Question: question})
	if err != nil {
		return api.AskResponse{}, err
	}
	var out api.AskResponse
	if err := decodeJSON(resp, &out); err != nil {
		return api.AskResponse{}, err
	}
	return out, nil
}

var askCmd = &cobra.Command{
	Use:   "ask <doc-id> <question>",
	Short: "Ask a question about a document",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		out, err := askDocument(cmd.Context(), client, args[0], strings.Join(args[1:], " "))
		if err != nil {
			return err
		}

		if out.InsufficientContext {
			printWarning("%s", out.Answer)
			return nil
		}
		fmt.Fprintln(stdout, out.Answer)
		if len(out.Citations) > 0 {
			ordinals := make([]string, len(out.Citations))
			for i, c := range out.Citations {
				ordinals[i] = fmt.Sprintf("#%d", c.ChunkOrdinal)
			}
			printStatus("Sources", "chunks %s", strings.Join(ordinals, ", "))
		}
		return nil
	},
}

// --- delete / reindex ---

var deleteCmd = &cobra.Command{
	Use:   "delete <doc-id>",
	Short: "Delete a document, its chunks and its vectors",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.delete(cmd.Context(), documentPath(args[0]))
		if err != nil {
			return err
		}
		if err := decodeJSON(resp, nil); err != nil {
			return err
		}
		printSuccess("Deleted document %s", args[0])
		return nil
	},
}

var reindexCmd = &cobra.Command{
	Use:   "reindex",
	Short: "Rebuild the vector index from stored chunks",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/api/v1/reindex", nil)
		if err != nil {
			return err
		}
		var result struct {
			Vectors int `json:"vectors"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		printSuccess("Index rebuilt with %d vectors", result.Vectors)
		return nil
	},
}

// --- token ---

var tokenCmd = &cobra.Command{
	Use:   "token <owner-id>",
	Short: "Mint an API token for an owner",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ttl, _ := cmd.Flags().GetDuration("ttl")

		cfg, err := config.Load()
		if err != nil {
			return err
		}
		tok, err := api.MintToken([]byte(cfg.Auth.JWTSecret), args[0], ttl)
		if err != nil {
			return err
		}
		fmt.Fprintln(stdout, tok)
		return nil
	},
}

func init() {
	tokenCmd.Flags().Duration("ttl", 24*time.Hour, "token lifetime (0 for no expiry)")
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		printStatus("File", "%s", config.FilePath())
		for _, k := range config.ShowAll(cfg) {
			fmt.Fprintf(stdout, "  %s = %s  %s\n", colorize(colorBold, k.Key), k.Value, colorize(colorCyan, "("+k.EnvVar+")"))
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

var configUnsetCmd = &cobra.Command{
	Use:   "unset <key>",
	Short: "Remove a configuration value so its default applies",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.UnsetKey(args[0]); err != nil {
			return err
		}
		printSuccess("Unset %s", args[0])
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configUnsetCmd)
}

package main

import (
	"encoding/json"
	"fmt"
	"mime"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/dream-ai/docrag/config"
	"github.com/dream-ai/docrag/internal/intake"
	"github.com/dream-ai/docrag/internal/jobs"
	"github.com/dream-ai/docrag/internal/ollama"
	"github.com/dream-ai/docrag/internal/rag"
)

func migrateCommand(c *cli.Context) error {
	rt, err := openRuntime(c)
	if err != nil {
		return err
	}
	defer rt.close()

	applied, err := rt.db.EnsureSchema(c.Context)
	if err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	if applied {
		fmt.Fprintln(c.App.Writer, successStyle.Render("Schema created"))
	} else {
		fmt.Fprintln(c.App.Writer, "Schema already up to date")
	}
	return nil
}

func workerCommand(c *cli.Context) error {
	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := openRuntime(c)
	if err != nil {
		return err
	}
	defer rt.close()

	n := rt.cfg.Worker.Concurrency
	if c.IsSet("concurrency") {
		n = c.Int("concurrency")
	}
	workers, err := rt.workers(ctx, n)
	if err != nil {
		return err
	}
	rt.logger.Info("starting workers", "count", len(workers), "poll_interval", rt.cfg.Worker.PollInterval)
	return jobs.RunAll(ctx, workers...)
}

func uploadCommand(c *cli.Context) error {
	path := c.Args().First()
	if path == "" {
		return fmt.Errorf("file path is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read file: %w", err)
	}

	rt, err := openRuntime(c)
	if err != nil {
		return err
	}
	defer rt.close()

	svc, err := rt.intake(c.Context)
	if err != nil {
		return err
	}

	up := intake.Upload{
		TenantID: c.Int64("tenant"),
		Filename: filepath.Base(path),
		Title:    c.String("title"),
		MimeType: c.String("mime"),
		Data:     data,
	}
	if up.MimeType == "" {
		up.MimeType = detectMime(path, data)
	}
	if c.IsSet("owner") {
		owner := c.Int64("owner")
		up.OwnerUserID = &owner
	}

	var receipt *intake.Receipt
	if c.IsSet("doc") {
		receipt, err = svc.AddVersion(c.Context, c.Int64("doc"), up)
	} else {
		receipt, err = svc.Upload(c.Context, up)
	}
	if err != nil {
		return err
	}
	renderTable(c.App.Writer, []string{"Doc", "Version", "Status", "Job"}, [][]string{{
		itoa(receipt.DocID), itoa(receipt.VersionID), string(receipt.Status), itoa(receipt.JobID),
	}})
	return nil
}

func processCommand(c *cli.Context) error {
	ids, err := parseIDs(c.Args().Slice())
	if err != nil || len(ids) != 1 {
		return fmt.Errorf("exactly one document ID is required")
	}

	rt, err := openRuntime(c)
	if err != nil {
		return err
	}
	defer rt.close()

	p, err := rt.processor(c.Context)
	if err != nil {
		return err
	}
	res, err := p.ProcessDocument(c.Context, c.Int64("tenant"), ids[0])
	if err != nil {
		return err
	}
	return printJSON(c, res)
}

func enqueueCommand(c *cli.Context) error {
	ids, err := parseIDs(c.Args().Slice())
	if err != nil || len(ids) != 1 {
		return fmt.Errorf("exactly one document ID is required")
	}

	rt, err := openRuntime(c)
	if err != nil {
		return err
	}
	defer rt.close()

	h, err := rt.queue().Enqueue(c.Context, c.Int64("tenant"), ids[0])
	if err != nil {
		return err
	}
	return printJSON(c, h)
}

func jobCommand(c *cli.Context) error {
	ids, err := parseIDs(c.Args().Slice())
	if err != nil || len(ids) != 1 {
		return fmt.Errorf("exactly one job ID is required")
	}

	rt, err := openRuntime(c)
	if err != nil {
		return err
	}
	defer rt.close()

	j, err := rt.queue().Get(c.Context, c.Int64("tenant"), ids[0])
	if err != nil {
		return err
	}
	renderTable(c.App.Writer,
		[]string{"Job", "Doc", "Status", "Priority", "Attempts", "Locked By", "Last Error"},
		[][]string{{
			itoa(j.ID), itoa(j.DocumentID), string(j.Status), strconv.Itoa(j.Priority),
			fmt.Sprintf("%d/%d", j.Attempts, j.MaxAttempts), deref(j.LockedBy), deref(j.LastError),
		}})
	return nil
}

func documentsCommand(c *cli.Context) error {
	rt, err := openRuntime(c)
	if err != nil {
		return err
	}
	defer rt.close()

	docs, err := rt.db.ListDocuments(c.Context, c.Int64("tenant"))
	if err != nil {
		return err
	}
	if len(docs) == 0 {
		fmt.Fprintln(c.App.Writer, "No documents found.")
		return nil
	}
	rows := make([][]string, 0, len(docs))
	for _, d := range docs {
		rows = append(rows, []string{
			itoa(d.ID), deref(d.Title), deref(d.MimeType), string(d.Status), d.CreatedAt.Format("2006-01-02 15:04"),
		})
	}
	renderTable(c.App.Writer, []string{"ID", "Title", "MIME", "Status", "Created"}, rows)
	return nil
}

func searchCommand(c *cli.Context) error {
	text := strings.Join(c.Args().Slice(), " ")
	if strings.TrimSpace(text) == "" {
		return fmt.Errorf("query is required")
	}

	rt, err := openRuntime(c)
	if err != nil {
		return err
	}
	defer rt.close()

	r, err := rt.retriever(c.Context)
	if err != nil {
		return err
	}
	hits, err := r.Search(c.Context, searchQuery(c, text))
	if err != nil {
		return err
	}

	if c.Bool("context") {
		fmt.Fprintln(c.App.Writer, rag.NewContextBuilder(c.Int("context-chars")).Build(hits))
		return nil
	}
	if len(hits) == 0 {
		fmt.Fprintln(c.App.Writer, "No matches.")
		return nil
	}
	renderTable(c.App.Writer, []string{"Chunk", "Doc", "Pages", "Source", "Score", "Text"}, hitRows(hits))
	return nil
}

func searchQuery(c *cli.Context, text string) rag.Query {
	q := rag.Query{
		TenantID: c.Int64("tenant"),
		Text:     text,
		KVec:     c.Int("k-vec"),
		KText:    c.Int("k-text"),
	}
	if c.IsSet("doc") {
		q.DocIDs = append([]int64{}, c.Int64Slice("doc")...)
	}
	if c.IsSet("alpha") {
		alpha := c.Float64("alpha")
		q.Alpha = &alpha
	}
	if c.Bool("no-text") {
		off := false
		q.UseText = &off
	}
	return q
}

func chunksCommand(c *cli.Context) error {
	ids, err := parseIDs(c.Args().Slice())
	if err != nil {
		return err
	}

	rt, err := openRuntime(c)
	if err != nil {
		return err
	}
	defer rt.close()

	excerpts, err := rag.FetchChunks(c.Context, rt.db, c.Int64("tenant"), ids, c.Int("max-chars"))
	if err != nil {
		return err
	}
	for _, e := range excerpts {
		fmt.Fprintln(c.App.Writer, titleStyle.Render(fmt.Sprintf("[%d:%d] %s", e.DocID, e.ChunkID, pageRange(e.PageStart, e.PageEnd))))
		fmt.Fprintln(c.App.Writer, e.Text)
		fmt.Fprintln(c.App.Writer)
	}
	return nil
}

func modelsCommand(c *cli.Context) error {
	cfg := configFrom(c)
	client := newOllamaClient(cfg)

	models, err := client.ListModels(c.Context)
	if err != nil {
		return fmt.Errorf("failed to list models: %w", err)
	}
	if len(models) == 0 {
		fmt.Fprintln(c.App.Writer, "No models found. Make sure Ollama is running.")
		return nil
	}
	current := ""
	if cfg.Embeddings.Provider == config.ProviderOllama {
		current = cfg.Embeddings.Model
	}
	renderTable(c.App.Writer, []string{"", "Name", "Size", "Modified"}, modelRows(models, current))
	if current != "" && !ollama.ContainsModel(models, current) {
		fmt.Fprintf(c.App.Writer, "Embedding model %q is not pulled. Run: ollama pull %s\n", cfg.Embeddings.Model, cfg.Embeddings.Model)
	}
	return nil
}

// modelRows marks the current embedding model, if any, with "*"
func modelRows(models []ollama.ModelInfo, current string) [][]string {
	rows := make([][]string, 0, len(models))
	for _, m := range models {
		marker := ""
		if ollama.SameModel(m.Name, current) {
			marker = "*"
		}
		rows = append(rows, []string{marker, m.Name, humanSize(m.Size), m.ModifiedAt})
	}
	return rows
}

func printJSON(c *cli.Context, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(c.App.Writer, string(data))
	return nil
}

func parseIDs(args []string) ([]int64, error) {
	ids := make([]int64, 0, len(args))
	for _, a := range args {
		for _, part := range strings.Split(a, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			id, err := strconv.ParseInt(part, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("invalid ID %q", part)
			}
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// detectMime prefers the extension and falls back to content sniffing
func detectMime(path string, data []byte) string {
	if t := mime.TypeByExtension(strings.ToLower(filepath.Ext(path))); t != "" {
		return t
	}
	return http.DetectContentType(data)
}

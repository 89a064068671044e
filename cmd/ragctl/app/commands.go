package app

import (
	"context"
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"
	"text/tabwriter"

	"github.com/urfave/cli/v3"

	"github.com/kart-io/sentinel-rag/internal/model"
	"github.com/kart-io/sentinel-rag/internal/rag/handler"
	"github.com/kart-io/sentinel-rag/pkg/utils/json"
)

func out(cmd *cli.Command) io.Writer {
	return cmd.Root().Writer
}

func printJSON(w io.Writer, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(b))
	return err
}

func uploadAction(ctx context.Context, cmd *cli.Command) error {
	path, err := singleArg(cmd, "FILE")
	if err != nil {
		return err
	}
	c, err := clientFrom(cmd)
	if err != nil {
		return err
	}

	res, err := c.upload(ctx, path)
	if err != nil {
		return fmt.Errorf("upload %s: %w", path, err)
	}
	w := out(cmd)
	if !cmd.Bool("wait") {
		if cmd.Bool("json") {
			return printJSON(w, res)
		}
		_, err = fmt.Fprintf(w, "%s\t%s\t%s\n", res.DocumentID, res.Filename, res.Status)
		return err
	}

	for {
		p, err := c.progress(ctx, res.DocumentID)
		if err != nil {
			return fmt.Errorf("progress %s: %w", res.DocumentID, err)
		}
		if p.Status.Terminal() {
			if cmd.Bool("json") {
				if err := printJSON(w, p); err != nil {
					return err
				}
			} else {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d/%d\n", p.DocumentID, p.Filename, p.Status, p.ChunksProcessed, p.ChunksTotal)
			}
			if p.Status == model.StatusFailed {
				return fmt.Errorf("ingestion of %s failed: %s", res.DocumentID, p.ErrorMessage)
			}
			return nil
		}
		if err := wait(ctx, cmd.Duration("interval")); err != nil {
			return err
		}
	}
}

func progressAction(ctx context.Context, cmd *cli.Command) error {
	documentID, err := singleArg(cmd, "DOCUMENT_ID")
	if err != nil {
		return err
	}
	c, err := clientFrom(cmd)
	if err != nil {
		return err
	}
	p, err := c.progress(ctx, documentID)
	if err != nil {
		return err
	}

	w := out(cmd)
	if cmd.Bool("json") {
		return printJSON(w, p)
	}
	fmt.Fprintf(w, "document:  %s (%s)\n", p.DocumentID, p.Filename)
	fmt.Fprintf(w, "status:    %s\n", p.Status)
	fmt.Fprintf(w, "progress:  %.1f%% (%d/%d chunks)\n", p.ProgressPercent, p.ChunksProcessed, p.ChunksTotal)
	if p.ErrorMessage != "" {
		fmt.Fprintf(w, "error:     %s\n", p.ErrorMessage)
	}
	return nil
}

func listAction(ctx context.Context, cmd *cli.Command) error {
	c, err := clientFrom(cmd)
	if err != nil {
		return err
	}
	res, err := c.list(ctx, cmd.Int("limit"))
	if err != nil {
		return err
	}

	w := out(cmd)
	if cmd.Bool("json") {
		return printJSON(w, res)
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "DOCUMENT ID\tFILENAME\tSTATUS\tCHUNKS\tCREATED")
	for _, d := range res.Documents {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n", d.DocumentID, d.Filename, d.Status, d.ChunksCount, d.CreatedAt)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "%d document(s)\n", res.Total)
	return err
}

func deleteAction(ctx context.Context, cmd *cli.Command) error {
	documentID, err := singleArg(cmd, "DOCUMENT_ID")
	if err != nil {
		return err
	}
	c, err := clientFrom(cmd)
	if err != nil {
		return err
	}
	res, err := c.delete(ctx, documentID)
	if err != nil {
		return err
	}
	if cmd.Bool("json") {
		return printJSON(out(cmd), res)
	}
	_, err = fmt.Fprintf(out(cmd), "deleted %s\n", res.DocumentID)
	return err
}

func queryAction(ctx context.Context, cmd *cli.Command) error {
	question := strings.TrimSpace(strings.Join(cmd.Args().Slice(), " "))
	if question == "" {
		return fmt.Errorf("query: a QUESTION argument is required")
	}
	c, err := clientFrom(cmd)
	if err != nil {
		return err
	}

	req := &handler.QueryRequest{
		Query:            question,
		TopK:             cmd.Int("top-k"),
		DocumentIDs:      cmd.StringSlice("doc"),
		MaxContextLength: cmd.Int("max-context"),
	}
	if th := cmd.Float("threshold"); th >= 0 {
		req.ScoreThreshold = &th
	}

	res, err := c.query(ctx, req)
	if err != nil {
		return err
	}

	w := out(cmd)
	if cmd.Bool("json") {
		return printJSON(w, res)
	}
	printAnswer(w, res)
	return nil
}

func printAnswer(w io.Writer, res *model.RAGResponse) {
	fmt.Fprintln(w, res.Answer)
	if len(res.Sources) == 0 {
		return
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Sources:")
	for i, s := range res.Sources {
		marker := " "
		if s.InContext {
			marker = "*"
		}
		fmt.Fprintf(w, "%s[%d] %s #%d (score %.3f)\n", marker, i+1, s.Filename, s.ChunkIndex, s.RelevanceScore)
	}
	var flags []string
	if res.Cached {
		flags = append(flags, "cached")
	}
	if res.Degraded {
		flags = append(flags, "degraded")
	}
	fmt.Fprintf(w, "\n%.2fs, %d source(s) in context", res.ResponseTime, res.ContextUsed)
	if len(flags) > 0 {
		fmt.Fprintf(w, ", %s", strings.Join(flags, ", "))
	}
	fmt.Fprintln(w)
}

func statsAction(ctx context.Context, cmd *cli.Command) error {
	c, err := clientFrom(cmd)
	if err != nil {
		return err
	}
	res, err := c.stats(ctx)
	if err != nil {
		return err
	}
	// stats 没有固定的文本视图，直接输出 JSON
	return printJSON(out(cmd), res)
}

func healthAction(ctx context.Context, cmd *cli.Command) error {
	c, err := clientFrom(cmd)
	if err != nil {
		return err
	}
	h, err := c.health(ctx)
	if err != nil {
		return err
	}

	w := out(cmd)
	if cmd.Bool("json") {
		if err := printJSON(w, h); err != nil {
			return err
		}
	} else {
		fmt.Fprintf(w, "status: %s (backend %s, %d chunks, dim %d)\n", h.Status, h.Backend, h.Chunks, h.Dimension)
		for _, name := range slices.Sorted(maps.Keys(h.Components)) {
			ch := h.Components[name]
			line := fmt.Sprintf("  %-14s healthy=%t latency=%dms", name, ch.Healthy, ch.LatencyMS)
			if ch.Error != "" {
				line += " error=" + ch.Error
			}
			fmt.Fprintln(w, line)
		}
	}
	if h.Status != handler.StatusOK {
		return fmt.Errorf("service is %s", h.Status)
	}
	return nil
}

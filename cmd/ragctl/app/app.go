// Package app wires the ragctl commands.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/kart-io/sentinel-rag/pkg/infra/app"
)

const (
	defaultServer  = "http://127.0.0.1:8000"
	defaultTimeout = 90 * time.Second
)

// NewCommand builds the ragctl root command.
func NewCommand() *cli.Command {
	return &cli.Command{
		Name:    "ragctl",
		Usage:   "Command line client for the Sentinel RAG Service",
		Version: app.GetVersion(),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "server",
				Aliases: []string{"s"},
				Usage:   "RAG service base URL",
				Value:   defaultServer,
				Sources: cli.EnvVars("RAGCTL_SERVER"),
			},
			&cli.DurationFlag{
				Name:  "timeout",
				Usage: "Per request timeout",
				Value: defaultTimeout,
			},
			&cli.IntFlag{
				Name:  "retries",
				Usage: "Retries on transport errors and 5xx answers",
				Value: 2,
			},
			&cli.BoolFlag{
				Name:  "json",
				Usage: "Print raw JSON instead of text",
			},
		},
		Commands: []*cli.Command{
			{
				Name:      "upload",
				Usage:     "Upload a document for ingestion",
				ArgsUsage: "FILE",
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  "wait",
						Usage: "Poll progress until the document is completed or failed",
					},
					&cli.DurationFlag{
						Name:  "interval",
						Usage: "Poll interval used with --wait",
						Value: time.Second,
					},
				},
				Action: uploadAction,
			},
			{
				Name:      "progress",
				Usage:     "Show ingestion progress of a document",
				ArgsUsage: "DOCUMENT_ID",
				Action:    progressAction,
			},
			{
				Name:  "list",
				Usage: "List documents",
				Flags: []cli.Flag{
					&cli.IntFlag{
						Name:  "limit",
						Usage: "Maximum number of documents (1-1000)",
						Value: 100,
					},
				},
				Action: listAction,
			},
			{
				Name:      "delete",
				Usage:     "Delete a document and its chunks",
				ArgsUsage: "DOCUMENT_ID",
				Action:    deleteAction,
			},
			{
				Name:      "query",
				Usage:     "Ask a question against the indexed documents",
				ArgsUsage: "QUESTION",
				Flags: []cli.Flag{
					&cli.IntFlag{
						Name:  "top-k",
						Usage: "Number of chunks to retrieve (server default when 0)",
					},
					&cli.FloatFlag{
						Name:  "threshold",
						Usage: "Minimum relevance score, negative keeps the server default",
						Value: -1,
					},
					&cli.StringSliceFlag{
						Name:  "doc",
						Usage: "Restrict retrieval to these document ids",
					},
					&cli.IntFlag{
						Name:  "max-context",
						Usage: "Context budget in characters (server default when 0)",
					},
				},
				Action: queryAction,
			},
			{
				Name:   "stats",
				Usage:  "Show pipeline metrics and cache statistics",
				Action: statsAction,
			},
			{
				Name:   "health",
				Usage:  "Check service health",
				Action: healthAction,
			},
		},
	}
}

// clientFrom builds a client from the root flags.
func clientFrom(cmd *cli.Command) (*client, error) {
	return newClient(cmd.String("server"), cmd.Duration("timeout"), cmd.Int("retries"))
}

// singleArg returns the only positional argument or a usage error.
func singleArg(cmd *cli.Command, name string) (string, error) {
	if cmd.Args().Len() != 1 || cmd.Args().First() == "" {
		return "", fmt.Errorf("%s: expected exactly one %s argument", cmd.Name, name)
	}
	return cmd.Args().First(), nil
}

// wait sleeps for d or returns early when ctx is done.
func wait(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

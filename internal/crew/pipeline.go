// Package crew is the financial analysis unit of work run by job workers.
// A request passes through planning, metadata retrieval, query execution
// and reporting, each backed by an LLM agent.
package crew

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/suPer8Hu/crewjobs/internal/ai"
	"github.com/suPer8Hu/crewjobs/internal/metadata"
	"github.com/suPer8Hu/crewjobs/internal/warehouse"
)

const (
	StageTaskPlanning      = "task_planning"
	StageMetadataRetrieval = "metadata_retrieval"
	StageQueryExecution    = "query_execution"
	StageReporting         = "reporting"
	StageCompleteAnalysis  = "complete_analysis"

	ModeStaged   = "staged"
	ModeComplete = "complete"
)

// StageError reports which stage of the pipeline failed.
type StageError struct {
	Name string
	Err  error
}

func (e *StageError) Error() string { return e.Name + ": " + e.Err.Error() }
func (e *StageError) Unwrap() error { return e.Err }
func (e *StageError) Stage() string { return e.Name }

var ErrInvalidRequest = errors.New("crew: invalid request")

type Request struct {
	Question string         `json:"question"`
	Context  map[string]any `json:"context,omitempty"`
	Mode     string         `json:"mode,omitempty"`
	Format   string         `json:"format,omitempty"`
}

// ParseRequest decodes and normalizes a job request.
func ParseRequest(raw json.RawMessage) (Request, error) {
	var r Request
	if err := json.Unmarshal(raw, &r); err != nil {
		return r, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	r.Question = strings.TrimSpace(r.Question)
	if r.Question == "" {
		return r, fmt.Errorf("%w: question is required", ErrInvalidRequest)
	}
	r.Mode = strings.ToLower(strings.TrimSpace(r.Mode))
	if r.Mode == "" {
		r.Mode = ModeStaged
	}
	if r.Mode != ModeStaged && r.Mode != ModeComplete {
		return r, fmt.Errorf("%w: unknown mode %q", ErrInvalidRequest, r.Mode)
	}
	r.Format = strings.ToLower(strings.TrimSpace(r.Format))
	if r.Format == "" {
		r.Format = FormatSummary
	}
	if !validFormat(r.Format) {
		return r, fmt.Errorf("%w: unknown format %q", ErrInvalidRequest, r.Format)
	}
	return r, nil
}

type StageTiming struct {
	Name       string `json:"name"`
	DurationMS int64  `json:"duration_ms"`
	Skipped    bool   `json:"skipped,omitempty"`
}

type Result struct {
	Question         string              `json:"question"`
	Mode             string              `json:"mode"`
	Format           string              `json:"format"`
	Plan             string              `json:"plan,omitempty"`
	MetadataAnalysis string              `json:"metadata_analysis,omitempty"`
	Documents        []metadata.Document `json:"documents,omitempty"`
	SQL              string              `json:"sql,omitempty"`
	Rows             *warehouse.Result   `json:"rows,omitempty"`
	Analysis         string              `json:"analysis"`
	Report           string              `json:"report"`
	Stages           []StageTiming       `json:"stages"`
	GeneratedAt      time.Time           `json:"generated_at"`
}

// Searcher finds reference documents for a question.
type Searcher interface {
	SearchDocuments(ctx context.Context, query string) ([]metadata.Document, error)
	SearchMetrics(ctx context.Context, query string) ([]metadata.Metric, error)
}

// QueryRunner executes read-only SQL.
type QueryRunner interface {
	Query(ctx context.Context, sql string) (*warehouse.Result, error)
}

type Options struct {
	LLM         ai.Provider  // Required
	Definitions *Definitions // Required
	Search      Searcher     // Optional
	Warehouse   QueryRunner  // Optional
	Logger      *slog.Logger
	Now         func() time.Time
}

type Pipeline struct {
	llm       ai.Provider
	defs      *Definitions
	search    Searcher
	warehouse QueryRunner
	logger    *slog.Logger
	now       func() time.Time
}

func NewPipeline(opts Options) (*Pipeline, error) {
	if opts.LLM == nil {
		return nil, errors.New("crew: llm provider is required")
	}
	if opts.Definitions == nil {
		return nil, errors.New("crew: definitions are required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Pipeline{
		llm:       opts.LLM,
		defs:      opts.Definitions,
		search:    opts.Search,
		warehouse: opts.Warehouse,
		logger:    logger.With("component", "crew"),
		now:       now,
	}, nil
}

// Execute runs one analysis request and returns the Result as JSON.
func (p *Pipeline) Execute(ctx context.Context, raw json.RawMessage) (json.RawMessage, error) {
	req, err := ParseRequest(raw)
	if err != nil {
		return nil, err
	}

	res := &Result{Question: req.Question, Mode: req.Mode, Format: req.Format}
	if req.Mode == ModeComplete {
		err = p.runComplete(ctx, req, res)
	} else {
		err = p.runStaged(ctx, req, res)
	}
	if err != nil {
		return nil, err
	}

	res.GeneratedAt = p.now().UTC()
	res.Report = RenderReport(req.Format, req.Question, res.Analysis, sources(res), res.GeneratedAt)
	return json.Marshal(res)
}

func (p *Pipeline) runComplete(ctx context.Context, req Request, res *Result) error {
	return p.stage(ctx, res, StageCompleteAnalysis, func(ctx context.Context) (bool, error) {
		out, err := p.ask(ctx, taskComplete, map[string]string{
			"question": req.Question,
			"context":  contextJSON(req.Context),
		})
		res.Analysis = out
		return false, err
	})
}

func (p *Pipeline) runStaged(ctx context.Context, req Request, res *Result) error {
	vars := map[string]string{
		"question":          req.Question,
		"context":           contextJSON(req.Context),
		"execution_plan":    "",
		"metadata_analysis": "",
		"documents":         "No catalog search configured.",
		"sql":               "(none)",
		"rows":              "[]",
	}

	err := p.stage(ctx, res, StageTaskPlanning, func(ctx context.Context) (bool, error) {
		plan, err := p.ask(ctx, taskPlanning, vars)
		res.Plan = plan
		vars["execution_plan"] = plan
		return false, err
	})
	if err != nil {
		return err
	}

	err = p.stage(ctx, res, StageMetadataRetrieval, func(ctx context.Context) (bool, error) {
		if p.search != nil {
			docs, err := p.search.SearchDocuments(ctx, req.Question)
			if err != nil {
				return false, err
			}
			metrics, err := p.search.SearchMetrics(ctx, req.Question)
			if err != nil {
				return false, err
			}
			res.Documents = docs
			vars["documents"] = metadata.FormatDocuments(docs) + "\nMetrics:\n" + metadata.FormatMetrics(metrics)
		}
		analysis, err := p.ask(ctx, taskMetadata, vars)
		res.MetadataAnalysis = analysis
		vars["metadata_analysis"] = analysis
		return false, err
	})
	if err != nil {
		return err
	}

	err = p.stage(ctx, res, StageQueryExecution, func(ctx context.Context) (bool, error) {
		if p.warehouse == nil {
			return true, nil
		}
		reply, err := p.ask(ctx, taskQuery, vars)
		if err != nil {
			return false, err
		}
		sql := ExtractSQL(reply)
		rows, err := p.warehouse.Query(ctx, sql)
		if err != nil {
			return false, err
		}
		res.SQL, res.Rows = sql, rows
		b, err := json.Marshal(rows.Rows)
		if err != nil {
			return false, err
		}
		vars["sql"], vars["rows"] = sql, string(b)
		return false, nil
	})
	if err != nil {
		return err
	}

	return p.stage(ctx, res, StageReporting, func(ctx context.Context) (bool, error) {
		analysis, err := p.ask(ctx, taskReporting, vars)
		res.Analysis = analysis
		return false, err
	})
}

func (p *Pipeline) stage(ctx context.Context, res *Result, name string, fn func(context.Context) (bool, error)) error {
	if err := ctx.Err(); err != nil {
		return &StageError{Name: name, Err: err}
	}
	start := time.Now()
	skipped, err := fn(ctx)
	elapsed := time.Since(start)
	if err != nil {
		p.logger.WarnContext(ctx, "stage failed", "stage", name, "cost", elapsed, "error", err)
		return &StageError{Name: name, Err: err}
	}
	res.Stages = append(res.Stages, StageTiming{Name: name, DurationMS: elapsed.Milliseconds(), Skipped: skipped})
	p.logger.DebugContext(ctx, "stage done", "stage", name, "cost", elapsed, "skipped", skipped)
	return nil
}

func (p *Pipeline) ask(ctx context.Context, task string, vars map[string]string) (string, error) {
	out, err := p.llm.Chat(ctx, p.defs.Messages(task, vars))
	if err != nil {
		return "", err
	}
	out = strings.TrimSpace(out)
	if out == "" {
		return "", errors.New("empty model reply")
	}
	return out, nil
}

var sqlFence = regexp.MustCompile("(?s)```(?:sql)?\\s*(.*?)```")

// ExtractSQL pulls the statement out of a model reply, unwrapping a
// markdown code fence when present.
func ExtractSQL(reply string) string {
	if m := sqlFence.FindStringSubmatch(reply); m != nil {
		return strings.TrimSpace(m[1])
	}
	return strings.TrimSpace(reply)
}

func contextJSON(c map[string]any) string {
	if len(c) == 0 {
		return "{}"
	}
	b, err := json.Marshal(c)
	if err != nil {
		return "{}"
	}
	return string(b)
}

func sources(res *Result) []string {
	var out []string
	for _, d := range res.Documents {
		out = append(out, d.Title)
	}
	if res.SQL != "" {
		out = append(out, "warehouse query")
	}
	return out
}

// Package execute runs submitted code: SQL against a throwaway in-memory
// engine, markup as a client-side preview, everything else in the remote
// sandbox.
package execute

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/manpreetbhatti/codehive/internal/language"
	"github.com/manpreetbhatti/codehive/internal/metrics"
)

// Result is the outcome of one execution. Exactly one of Output,
// HTMLPreview or Error is meaningful.
type Result struct {
	Output      string
	HTMLPreview string
	Preview     bool
	Error       string
	Detail      string

	// HTTP status the result should be served with
	Status int
}

// Body renders the result in the shape the editor expects
func (r Result) Body() map[string]string {
	switch {
	case r.Error != "":
		body := map[string]string{"error": r.Error}
		if r.Detail != "" {
			body["detail"] = r.Detail
		}
		return body
	case r.Preview:
		return map[string]string{"html_preview": r.HTMLPreview}
	default:
		return map[string]string{"output": r.Output}
	}
}

func outputResult(out string) Result {
	return Result{Output: out, Status: http.StatusOK}
}

func errorResult(status int, msg, detail string) Result {
	return Result{Error: msg, Detail: detail, Status: status}
}

// Sandbox runs a program in an isolated remote environment
type Sandbox interface {
	Run(ctx context.Context, lang language.Language, code string) (string, error)
}

type Dispatcher struct {
	sandbox Sandbox
	sql     *SQLEngine
	log     *slog.Logger
	metrics *metrics.Metrics
}

func NewDispatcher(sandbox Sandbox, log *slog.Logger, m *metrics.Metrics) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{sandbox: sandbox, sql: NewSQLEngine(), log: log, metrics: m}
}

// Execute routes code by language. It never returns a Go error; failures
// are reported in the Result.
func (d *Dispatcher) Execute(ctx context.Context, name, code string) Result {
	start := time.Now()

	lang, ok := language.Parse(name)
	if !ok || lang.Runtime() == language.RuntimeNone {
		d.metrics.ObserveExecution("unsupported", "rejected", time.Since(start))
		return errorResult(http.StatusBadRequest, "Language not supported", "")
	}

	var res Result
	switch lang.Runtime() {
	case language.RuntimePreview:
		res = Result{HTMLPreview: code, Preview: true, Status: http.StatusOK}

	case language.RuntimeSQL:
		out, err := d.sql.Run(ctx, code)
		if err != nil {
			res = errorResult(http.StatusOK, "SQL Error", err.Error())
		} else {
			res = outputResult(out)
		}

	case language.RuntimeSandbox:
		out, err := d.sandbox.Run(ctx, lang, code)
		if err != nil {
			d.log.Warn("sandbox run failed", "language", lang, "error", err)
			res = errorResult(http.StatusBadGateway, "Piston API error", err.Error())
		} else {
			res = outputResult(out)
		}
	}

	outcome := "ok"
	if res.Error != "" {
		outcome = "error"
	}
	d.metrics.ObserveExecution(string(lang), outcome, time.Since(start))
	return res
}

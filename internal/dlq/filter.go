package dlq

import (
	"strings"
	"time"

	"github.com/google/cel-go/cel"
)

// recordFilter wraps a compiled CEL program evaluated per dead-letter
// record. When disabled, Eval always returns true.
type recordFilter struct {
	prog    cel.Program
	enabled bool
}

func newFilter(expr string) (recordFilter, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return recordFilter{enabled: false}, nil
	}
	env, err := cel.NewEnv(
		cel.Variable("seq", cel.IntType),
		cel.Variable("code", cel.StringType),
		cel.Variable("message", cel.StringType),
		cel.Variable("attempts", cel.IntType),
		cel.Variable("failed_at_ms", cel.IntType),
		cel.Variable("replayed", cel.BoolType),
		cel.Variable("job_id", cel.StringType),
		cel.Variable("task_id", cel.StringType),
		cel.Variable("url", cel.StringType),
		// Current time in ms for windowed filters
		cel.Variable("now_ms", cel.IntType),
	)
	if err != nil {
		return recordFilter{}, err
	}
	ast, iss := env.Parse(expr)
	if iss != nil && iss.Err() != nil {
		return recordFilter{}, iss.Err()
	}
	checked, iss2 := env.Check(ast)
	if iss2 != nil && iss2.Err() != nil {
		return recordFilter{}, iss2.Err()
	}
	prog, err := env.Program(checked)
	if err != nil {
		return recordFilter{}, err
	}
	return recordFilter{prog: prog, enabled: true}, nil
}

// Eval evaluates the compiled expression against a record. Evaluation
// errors count as non-matches.
func (f recordFilter) Eval(rec *Record) bool {
	if !f.enabled {
		return true
	}
	var jobID, taskID, url string
	if rec.Task != nil {
		jobID = rec.Task.JobID
		taskID = rec.Task.ID
		url = rec.Task.URL
	}
	out, _, err := f.prog.Eval(map[string]any{
		"seq":          int64(rec.Sequence),
		"code":         string(rec.FailureCode),
		"message":      rec.FailureMessage,
		"attempts":     int64(rec.Attempts),
		"failed_at_ms": rec.FailedAtMs,
		"replayed":     rec.ReplayedAtMs > 0,
		"job_id":       jobID,
		"task_id":      taskID,
		"url":          url,
		"now_ms":       time.Now().UnixMilli(),
	})
	if err != nil {
		return false
	}
	b, ok := out.Value().(bool)
	return ok && b
}

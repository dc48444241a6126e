package runtime

import (
	"context"
	"net/http"
	"time"

	"github.com/condgate/condgate/internal/conditional"
	"github.com/condgate/condgate/internal/runtime/pipeline"
)

// revalidationAgent runs the conditional-header comparison against the
// validators restored from the store. When the comparison preempts
// generation the decided status lands on the response state and the
// upstream agent is skipped.
type revalidationAgent struct {
	opts conditional.Options
	now  func() time.Time
}

func newRevalidationAgent(opts conditional.Options) *revalidationAgent {
	return &revalidationAgent{opts: opts, now: time.Now}
}

func (a *revalidationAgent) Name() string { return "revalidation" }

func (a *revalidationAgent) Execute(_ context.Context, _ *http.Request, state *pipeline.State) pipeline.Result {
	if state.Bypass.Bypassed {
		state.Conditional.Generate = true
		state.Conditional.Verdict = pipeline.VerdictBypass
		return pipeline.Result{
			Name:    a.Name(),
			Status:  "bypassed",
			Details: state.Bypass.Reason,
		}
	}

	// Without fresh stored validators the gate cannot preempt: the origin
	// owns the authoritative comparison, performed after the fetch.
	if !state.Validator.Hit || !state.Validator.Fresh {
		state.Conditional.Generate = true
		state.Conditional.Verdict = pipeline.VerdictGenerate
		return pipeline.Result{
			Name:    a.Name(),
			Status:  "generate",
			Details: "no fresh validators to compare against",
		}
	}

	resp := state.Conditional.Response
	if resp == nil {
		resp = &conditional.ResponseValidators{}
		state.Conditional.Response = resp
	}
	generate := conditional.Evaluate(state.Conditional.Request, resp, a.opts, a.now)
	state.Conditional.Evaluated = true
	state.Conditional.Generate = generate
	state.Conditional.Verdict = verdictFor(generate, resp.Status)

	if !generate {
		state.Response.Status = resp.Status
	}
	return pipeline.Result{
		Name:   a.Name(),
		Status: state.Conditional.Verdict,
		Meta:   map[string]any{"status": resp.Status},
	}
}

// verdictFor maps an evaluation outcome to the pipeline verdict vocabulary.
func verdictFor(generate bool, status int) string {
	if generate {
		return pipeline.VerdictGenerate
	}
	switch status {
	case conditional.StatusNotModified:
		return pipeline.VerdictNotModified
	case conditional.StatusPreconditionFailed:
		return pipeline.VerdictPreconditionFailed
	default:
		return pipeline.VerdictHeadSuppressed
	}
}

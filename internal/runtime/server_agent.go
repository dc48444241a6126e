package runtime

import (
	"context"
	"net/http"
	"time"

	"github.com/condgate/condgate/internal/runtime/pipeline"
)

// serverAgent opens every pipeline run. It stamps readiness and the
// observation time onto the shared state so decision snapshots and templates
// have a consistent starting point.
type serverAgent struct{}

func (a *serverAgent) Name() string { return "server_configuration" }

func (a *serverAgent) Execute(_ context.Context, _ *http.Request, state *pipeline.State) pipeline.Result {
	state.Server = pipeline.ServerState{PipelineReady: true, ObservedAt: time.Now().UTC()}
	return pipeline.Result{Name: a.Name(), Status: "ready"}
}

package engine

import (
	"time"

	"github.com/google/uuid"

	v1 "github.com/aevon-lab/sieve/internal/api/v1"
	"github.com/aevon-lab/sieve/internal/core/pipeline"
	"github.com/aevon-lab/sieve/internal/core/span"
	"github.com/aevon-lab/sieve/internal/core/tracking"
)

// Summary is the end-of-run state handed to reporting.
type Summary struct {
	RunID uuid.UUID
	Mode  Mode
	Stats pipeline.Stats
	// Metrics is the final tracking state, worker arenas merged in.
	Metrics *tracking.State
	// Spans are the closed spans in closing order, without members.
	Spans     []span.Closed
	SpanStats span.Stats
	// Window is the final window content, most recent first.
	Window   []*v1.Event
	Duration time.Duration
}

package workflows

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/deepresearch/internal/metrics"
	"github.com/Kocoro-lab/deepresearch/internal/streaming"
	"github.com/Kocoro-lab/deepresearch/internal/workflows/patterns/execution"
	"github.com/Kocoro-lab/deepresearch/internal/workflows/router"
)

// Observer is told about every routing decision after it is made. Observers
// must not change the state.
type Observer interface {
	Transition(st *State, d router.Decision)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(st *State, d router.Decision)

func (f ObserverFunc) Transition(st *State, d router.Decision) { f(st, d) }

type logObserver struct{ logger *zap.Logger }

func (o logObserver) Transition(st *State, d router.Decision) {
	fields := []zap.Field{
		zap.String("run_id", st.RunID),
		zap.String("from", string(d.From)),
		zap.String("to", string(d.To)),
		zap.String("reason", d.Reason),
	}
	if d.StepIndex >= 0 && (d.To == router.StageResearcher || d.To == router.StageCoder) {
		fields = append(fields, zap.Int("step", d.StepIndex))
	}
	o.logger.Info("Stage transition", fields...)
}

type metricsObserver struct{}

func (metricsObserver) Transition(_ *State, d router.Decision) {
	metrics.StageTransitions.WithLabelValues(string(d.From), string(d.To)).Inc()
}

type eventObserver struct{ pub streaming.Publisher }

func (o eventObserver) Transition(st *State, d router.Decision) {
	o.pub.Publish(st.RunID, streaming.Event{
		Type:    streaming.EventStageTransition,
		Message: d.Reason,
		Data: map[string]interface{}{
			"from": string(d.From),
			"to":   string(d.To),
		},
	})
}

type nopPublisher struct{}

func (nopPublisher) Publish(string, streaming.Event) {}

// taskEvents turns coordinator callbacks into agent events for one run.
type taskEvents struct {
	runID string
	pub   streaming.Publisher
}

func (t taskEvents) TaskStarted(task execution.Task) {
	t.pub.Publish(t.runID, streaming.Event{
		Type:     streaming.EventAgentStarted,
		AgentID:  task.AgentID,
		StreamID: task.StreamID,
		Message:  task.Focus,
		Data:     map[string]interface{}{"role": string(task.Role)},
	})
}

func (t taskEvents) TaskFinished(r execution.Result) {
	evt := streaming.Event{
		Type:     streaming.EventAgentCompleted,
		AgentID:  r.AgentID,
		StreamID: r.StreamID,
		Message:  r.Focus,
		Data: map[string]interface{}{
			"confidence":  r.Confidence,
			"attempts":    r.Attempts,
			"duration_ms": r.Duration.Milliseconds(),
		},
	}
	if r.Degraded {
		evt.Type = streaming.EventAgentFailed
		evt.Message = fmt.Sprintf("%s: %s", r.Focus, r.Error)
	}
	t.pub.Publish(t.runID, evt)
}

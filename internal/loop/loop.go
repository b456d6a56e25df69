package loop

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/sentinelops/sentinel-ai/internal/classify"
	"github.com/sentinelops/sentinel-ai/internal/collector"
	"github.com/sentinelops/sentinel-ai/internal/evidence"
	"github.com/sentinelops/sentinel-ai/internal/incident"
	"github.com/sentinelops/sentinel-ai/internal/metrics"
	"github.com/sentinelops/sentinel-ai/internal/oracle"
)

// Package loop runs one bounded investigation: it alternates oracle
// decisions with collector invocations until the oracle concludes, a budget
// runs out, or a permanent failure stops the run.

// Outcome is the terminal disposition of a run.
type Outcome string

const (
	// OutcomeConcluded means the oracle submitted a valid diagnosis.
	OutcomeConcluded Outcome = "concluded"

	// OutcomeDeadline means a time or token ceiling forced the run to end
	// before the oracle concluded. Reason distinguishes which ceiling.
	OutcomeDeadline Outcome = "deadline"

	// OutcomeExhausted means the oracle requested more collector calls than
	// the step limit allows.
	OutcomeExhausted Outcome = "exhausted"
)

// Config bounds a single run.
type Config struct {
	// StepLimit caps collector invocations per run.
	StepLimit int

	// DeadlineBuffer is reserved headroom before the context deadline; the
	// run is forced to wrap up once less than this remains.
	DeadlineBuffer time.Duration

	// CostCeiling caps total oracle tokens per run. Zero disables it.
	CostCeiling int

	// EvidenceBudget caps the evidence bundle in estimated tokens. Zero
	// disables reduction.
	EvidenceBudget int

	// MaxAttempts is the retry ceiling for retryable collector and oracle
	// failures. An invocation is tried 1+MaxAttempts times.
	MaxAttempts int

	// BackoffBase is the first retry delay; it doubles per attempt.
	BackoffBase time.Duration
}

// DefaultConfig returns the production run bounds.
func DefaultConfig() Config {
	return Config{
		StepLimit:      12,
		DeadlineBuffer: 90 * time.Second,
		CostCeiling:    100_000,
		EvidenceBudget: 20_000,
		MaxAttempts:    2,
		BackoffBase:    500 * time.Millisecond,
	}
}

// Step records one entry of the run trace.
type Step struct {
	Index       int            `json:"index"`
	Kind        string         `json:"kind"`
	Tool        string         `json:"tool,omitempty"`
	Args        map[string]any `json:"args,omitempty"`
	Observation string         `json:"observation,omitempty"`
	Reasoning   string         `json:"reasoning,omitempty"`
	Elapsed     time.Duration  `json:"elapsed"`
}

// StepEvent is a live progress notification for stream subscribers.
type StepEvent struct {
	IncidentKey string    `json:"incident_key"`
	Seq         int       `json:"seq"`
	Phase       string    `json:"phase"`
	Tool        string    `json:"tool,omitempty"`
	Detail      string    `json:"detail,omitempty"`
	TokensUsed  int       `json:"tokens_used"`
	Timestamp   time.Time `json:"timestamp"`
}

// Result is the full output of one run.
type Result struct {
	Outcome     Outcome
	Reason      string
	Diagnosis   *incident.Diagnosis
	Bundle      *evidence.Bundle
	Report      *evidence.ReductionReport
	Trace       []Step
	TokensUsed  int
	OracleCalls int
	StepsTaken  int
}

// Runner executes investigations. One runner is shared across incidents;
// each Run call is independent.
type Runner struct {
	oracle   oracle.Oracle
	provider collector.Provider
	cfg      Config
	log      *zap.Logger
	onStep   func(StepEvent)
}

// NewRunner wires a runner from its collaborators.
func NewRunner(o oracle.Oracle, p collector.Provider, cfg Config, log *zap.Logger) *Runner {
	if cfg.StepLimit <= 0 {
		cfg.StepLimit = DefaultConfig().StepLimit
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = DefaultConfig().BackoffBase
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Runner{oracle: o, provider: p, cfg: cfg, log: log}
}

// OnStep registers a progress sink. Must be set before Run.
func (r *Runner) OnStep(fn func(StepEvent)) { r.onStep = fn }

// forcingMessage is appended when a budget runs out, giving the oracle one
// last turn to conclude from evidence already in hand.
const forcingMessage = "The investigation budget is exhausted. Submit your diagnosis now with submit_diagnosis, using only the evidence already collected. Do not request any more tools."

// Run drives one investigation for the given event. Terminal budget
// outcomes (deadline, exhausted) are reported in the Result with a nil
// error; a non-nil error is always a classified *classify.AgentError.
func (r *Runner) Run(ctx context.Context, event *incident.Event) (*Result, error) {
	res := &Result{Bundle: evidence.NewBundle()}
	history := oracle.BuildInitialHistory(event)
	key := event.Key()

	if err := r.connect(ctx); err != nil {
		return nil, err
	}

	softDeadline, hasDeadline := time.Time{}, false
	if d, ok := ctx.Deadline(); ok {
		softDeadline, hasDeadline = d.Add(-r.cfg.DeadlineBuffer), true
	}

	forced := false
	rejected := 0
	for {
		if !forced {
			if reason := r.forceReason(hasDeadline, softDeadline, res.TokensUsed); reason != "" {
				forced = true
				res.Reason = reason
				history = append(history, oracle.Message{
					Role:    "user",
					Content: []oracle.ContentBlock{{Type: "text", Text: forcingMessage}},
				})
				r.log.Info("forcing run to conclude", zap.String("incident", key), zap.String("reason", reason))
				r.emit(key, res, "forcing", "", reason)
			}
		}

		action, usage, err := r.callOracle(ctx, history)
		res.OracleCalls++
		res.TokensUsed += usage.Total()
		metrics.OracleTokensUsed.WithLabelValues("prompt").Add(float64(usage.PromptTokens))
		metrics.OracleTokensUsed.WithLabelValues("completion").Add(float64(usage.CompletionTokens))
		if err != nil {
			metrics.OracleRequestsTotal.WithLabelValues("error").Inc()
			return nil, err
		}
		metrics.OracleRequestsTotal.WithLabelValues("ok").Inc()

		switch action.Kind {
		case oracle.ActionConclude:
			if verr := action.Conclusion.Validate(); verr != nil {
				obs := errorObservation(verr)
				res.Trace = append(res.Trace, Step{Index: len(res.Trace), Kind: "conclude_invalid", Reasoning: action.Reasoning, Observation: obs})
				r.emit(key, res, "invalid_diagnosis", "", verr.Error())
				if forced {
					res.Outcome = OutcomeDeadline
					r.observeBundle(res)
					return res, nil
				}
				rejected++
				if rejected > r.cfg.MaxAttempts {
					return nil, classify.NewAgentError(classify.CategoryUnknown,
						"oracle submitted %d invalid diagnoses: %s", rejected, verr)
				}
				history = append(history, oracle.Message{
					Role:    "user",
					Content: []oracle.ContentBlock{{Type: "text", Text: "The diagnosis was rejected: " + verr.Error() + ". Fix it and call submit_diagnosis again."}},
				})
				continue
			}
			res.Outcome = OutcomeConcluded
			res.Diagnosis = action.Conclusion
			res.Trace = append(res.Trace, Step{Index: len(res.Trace), Kind: "conclude", Reasoning: action.Reasoning})
			r.emit(key, res, "concluded", "", action.Conclusion.RootCause)
			r.observeBundle(res)
			return res, nil

		case oracle.ActionNone:
			res.Trace = append(res.Trace, Step{Index: len(res.Trace), Kind: "none", Reasoning: action.Reasoning})
			if forced {
				res.Outcome = OutcomeDeadline
				r.observeBundle(res)
				return res, nil
			}
			return nil, classify.NewAgentError(classify.CategoryUnknown, "oracle ended without a diagnosis")

		case oracle.ActionInvoke:
			if forced {
				// No collector work past the forcing point.
				res.Outcome = OutcomeDeadline
				res.Trace = append(res.Trace, Step{Index: len(res.Trace), Kind: "invoke_refused", Tool: action.Invoke.Name})
				r.observeBundle(res)
				return res, nil
			}
			if res.StepsTaken >= r.cfg.StepLimit {
				res.Outcome = OutcomeExhausted
				res.Reason = fmt.Sprintf("step limit of %d reached", r.cfg.StepLimit)
				res.Trace = append(res.Trace, Step{Index: len(res.Trace), Kind: "invoke_refused", Tool: action.Invoke.Name})
				r.emit(key, res, "exhausted", action.Invoke.Name, res.Reason)
				r.observeBundle(res)
				return res, nil
			}
			res.StepsTaken++

			history = oracle.AppendToolUse(history, action.Reasoning, action.Invoke)
			observation, err := r.executeInvocation(ctx, key, action.Invoke, res)
			if err != nil {
				return nil, err
			}
			history = oracle.AppendToolResult(history, action.Invoke.ID, observation)

		default:
			return nil, classify.NewAgentError(classify.CategoryUnknown, "oracle returned unrecognized action %q", action.Kind)
		}
	}
}

// forceReason reports which ceiling, if any, forces the run to wrap up.
func (r *Runner) forceReason(hasDeadline bool, softDeadline time.Time, tokensUsed int) string {
	if hasDeadline && !time.Now().Before(softDeadline) {
		return "deadline approaching"
	}
	if r.cfg.CostCeiling > 0 && tokensUsed >= r.cfg.CostCeiling {
		return "token budget exhausted"
	}
	return ""
}

// connect initializes the collector session before any collector work,
// applying the same retry policy as calls. Failures abort the run with a
// classified error, typically CategoryHandshake or CategoryConnection.
func (r *Runner) connect(ctx context.Context) error {
	for attempt := 0; ; attempt++ {
		err := r.provider.Connect(ctx)
		if err == nil {
			return nil
		}

		agentErr := classify.Classify(err)
		if !agentErr.Category.Retryable() || attempt >= r.cfg.MaxAttempts {
			return agentErr
		}
		r.log.Warn("collector handshake failed, retrying",
			zap.Int("attempt", attempt),
			zap.String("category", string(agentErr.Category)),
			zap.Error(err))
		if err := r.backoff(ctx, attempt); err != nil {
			return classify.Classify(err)
		}
	}
}

// callOracle asks for the next action, retrying retryable failures with
// exponential backoff before giving up with a classified error.
func (r *Runner) callOracle(ctx context.Context, history []oracle.Message) (oracle.Action, oracle.Usage, error) {
	var total oracle.Usage
	for attempt := 0; ; attempt++ {
		action, usage, err := r.oracle.NextAction(ctx, history)
		total.PromptTokens += usage.PromptTokens
		total.CompletionTokens += usage.CompletionTokens
		if err == nil {
			return action, total, nil
		}

		agentErr := classify.Classify(err)
		if !agentErr.Category.Retryable() || attempt >= r.cfg.MaxAttempts {
			return oracle.Action{}, total, agentErr
		}
		r.log.Warn("oracle call failed, retrying",
			zap.Int("attempt", attempt),
			zap.String("category", string(agentErr.Category)),
			zap.Error(err))
		if err := r.backoff(ctx, attempt); err != nil {
			return oracle.Action{}, total, classify.Classify(err)
		}
	}
}

// executeInvocation validates, calls, and folds one collector invocation
// into the evidence bundle. Argument and schema failures become error
// observations for the oracle; transport failures that survive the retry
// policy abort the run with a classified error.
func (r *Runner) executeInvocation(ctx context.Context, key string, inv *oracle.ToolInvocation, res *Result) (string, error) {
	if err := collector.ValidateArgs(inv.Name, inv.Args); err != nil {
		obs := errorObservation(err)
		res.Trace = append(res.Trace, Step{Index: len(res.Trace), Kind: "invoke_invalid", Tool: inv.Name, Args: inv.Args, Observation: obs})
		metrics.CollectorCallsTotal.WithLabelValues(inv.Name, "invalid_args").Inc()
		r.emit(key, res, "invalid_args", inv.Name, err.Error())
		return obs, nil
	}

	raw, err := r.callCollector(ctx, inv)
	if err != nil {
		metrics.CollectorCallsTotal.WithLabelValues(inv.Name, "error").Inc()
		r.emit(key, res, "collector_failed", inv.Name, err.Error())
		return "", err
	}
	metrics.CollectorCallsTotal.WithLabelValues(inv.Name, "ok").Inc()

	payload, verr := collector.ValidateResponse(inv.Name, raw)
	if verr != nil {
		// Schema violations are fed back as observations so the oracle can
		// route around a misbehaving collector.
		obs := errorObservation(verr)
		res.Trace = append(res.Trace, Step{Index: len(res.Trace), Kind: "invoke_malformed", Tool: inv.Name, Args: inv.Args, Observation: obs})
		r.emit(key, res, "malformed_response", inv.Name, verr.Error())
		return obs, nil
	}

	bundleKey := collector.EvidenceKey(inv.Name)
	res.Bundle.Add(bundleKey, payload)
	if r.cfg.EvidenceBudget > 0 {
		report := evidence.Enforce(res.Bundle, r.cfg.EvidenceBudget)
		if report.Truncated {
			res.Report = report
			for k := range report.Details {
				metrics.EvidenceReductions.WithLabelValues(k).Inc()
			}
		}
	}

	obs := marshalObservation(res.Bundle.Items[bundleKey])
	res.Trace = append(res.Trace, Step{Index: len(res.Trace), Kind: "invoke", Tool: inv.Name, Args: inv.Args, Observation: obs})
	r.emit(key, res, "evidence_collected", inv.Name, bundleKey)
	return obs, nil
}

// callCollector applies the retry policy to a single collector call.
func (r *Runner) callCollector(ctx context.Context, inv *oracle.ToolInvocation) (string, error) {
	for attempt := 0; ; attempt++ {
		start := time.Now()
		raw, err := r.provider.Call(ctx, inv.Name, inv.Args)
		metrics.CollectorCallDuration.WithLabelValues(inv.Name).Observe(time.Since(start).Seconds())
		if err == nil {
			return raw, nil
		}

		agentErr := classify.Classify(err)
		if !agentErr.Category.Retryable() {
			return "", agentErr
		}
		if attempt >= r.cfg.MaxAttempts {
			return "", classify.NewAgentError(agentErr.Category,
				"%s failed after %d attempts: %s", inv.Name, attempt+1, agentErr.Message)
		}
		metrics.CollectorRetries.WithLabelValues(string(agentErr.Category)).Inc()
		r.log.Warn("collector call failed, retrying",
			zap.String("collector", inv.Name),
			zap.Int("attempt", attempt),
			zap.String("category", string(agentErr.Category)))
		if err := r.backoff(ctx, attempt); err != nil {
			return "", classify.Classify(err)
		}
	}
}

// backoff sleeps for BackoffBase*2^attempt or until the context ends.
func (r *Runner) backoff(ctx context.Context, attempt int) error {
	delay := r.cfg.BackoffBase * (1 << attempt)
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (r *Runner) observeBundle(res *Result) {
	metrics.EvidenceBundleTokens.Observe(float64(evidence.EstimateTokens(res.Bundle.Items)))
}

func (r *Runner) emit(key string, res *Result, phase, tool, detail string) {
	if r.onStep == nil {
		return
	}
	r.onStep(StepEvent{
		IncidentKey: key,
		Seq:         len(res.Trace),
		Phase:       phase,
		Tool:        tool,
		Detail:      detail,
		TokensUsed:  res.TokensUsed,
		Timestamp:   time.Now().UTC(),
	})
}

func errorObservation(err error) string {
	raw, _ := json.Marshal(map[string]string{"error": err.Error()})
	return string(raw)
}

func marshalObservation(item map[string]any) string {
	raw, err := json.Marshal(item)
	if err != nil {
		return `{"error": "tool returned empty response"}`
	}
	return string(raw)
}

package oracle

import "context"

// ScriptedOracle replays a fixed sequence of actions. Each NextAction call
// consumes the next scripted step; calls past the end of the script repeat
// the final step. Used in loop and orchestrator tests and by the local
// development profile.
type ScriptedOracle struct {
	Steps []ScriptedStep
	Calls int
}

// ScriptedStep is one canned oracle response.
type ScriptedStep struct {
	Action Action
	Usage  Usage
	Err    error
}

func (s *ScriptedOracle) NextAction(ctx context.Context, history []Message) (Action, Usage, error) {
	if err := ctx.Err(); err != nil {
		return Action{}, Usage{}, err
	}
	if len(s.Steps) == 0 {
		return Action{Kind: ActionNone}, Usage{}, nil
	}
	idx := s.Calls
	if idx >= len(s.Steps) {
		idx = len(s.Steps) - 1
	}
	s.Calls++
	step := s.Steps[idx]
	return step.Action, step.Usage, step.Err
}

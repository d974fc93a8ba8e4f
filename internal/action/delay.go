package action

import (
	"context"
	"fmt"
)

type delayHandler struct {
	deps Deps
}

func (h *delayHandler) Type() Type { return TypeDelay }

func (h *delayHandler) Validate(a Action) error {
	if a.Delay == nil || a.Delay.Duration <= 0 {
		return fmt.Errorf("delayConfig.duration must be greater than zero")
	}
	_, err := a.Delay.Value()
	return err
}

func (h *delayHandler) Execute(ctx context.Context, a Action, _ *Env) (interface{}, error) {
	if err := h.Validate(a); err != nil {
		return nil, err
	}
	d, _ := a.Delay.Value()
	if err := h.deps.Sleep(ctx, d); err != nil {
		return nil, err
	}
	return map[string]interface{}{"delayedMs": d.Milliseconds()}, nil
}

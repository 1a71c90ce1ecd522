package migration

import "context"

// AutoExpandStage turns on the pool's autoexpand property so that replacing
// drives with larger ones grows usable capacity. It must commit before any
// replace is issued; turning it off afterwards is always safe.
type AutoExpandStage struct {
	Mutator PoolMutator
}

func (AutoExpandStage) Name() string { return "auto-expand" }

func (s AutoExpandStage) Commit(ctx context.Context, mc *Context) error {
	if err := s.Mutator.SetAutoExpand(ctx, mc.Pool, true); err != nil {
		return &Error{Kind: Mutation, Op: "set-autoexpand", Err: err}
	}
	return nil
}

func (s AutoExpandStage) Cleanup(ctx context.Context, mc *Context) error {
	return s.disable(ctx, mc)
}

func (s AutoExpandStage) Rollback(ctx context.Context, mc *Context) error {
	return s.disable(ctx, mc)
}

func (s AutoExpandStage) disable(ctx context.Context, mc *Context) error {
	if err := s.Mutator.SetAutoExpand(ctx, mc.Pool, false); err != nil {
		return &Error{Kind: Mutation, Op: "unset-autoexpand", Err: err}
	}
	return nil
}

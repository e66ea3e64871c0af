package jaildriver

import (
	"context"
	"io"
	"time"
)

// Call records one invocation made against a FakeTool, in the order it was
// received, so reconciler tests can assert on makejail/start ordering
// without shelling out to a real appjail binary (spec §8 property 3).
type Call struct {
	Args []string
}

// FakeTool is a Tool test double. Results are matched by the first two args
// joined with a space (e.g. "jail get", "cmd jexec"; args[0] alone for a
// single-arg call) against Results; unmatched calls default to status 0.
type FakeTool struct {
	Calls   []Call
	Results map[string]int
	Errors  map[string]error
	Killed  []int
}

// NewFakeTool returns an empty FakeTool that reports success for every call
// not explicitly overridden via Results/Errors.
func NewFakeTool() *FakeTool {
	return &FakeTool{Results: map[string]int{}, Errors: map[string]error{}}
}

func (f *FakeTool) Run(ctx context.Context, args []string, output io.Writer, env []string, timeout time.Duration) (int, error) {
	f.Calls = append(f.Calls, Call{Args: append([]string(nil), args...)})
	key := callKey(args)
	if err, ok := f.Errors[key]; ok {
		return -1, err
	}
	if status, ok := f.Results[key]; ok {
		return status, nil
	}
	return 0, nil
}

func (f *FakeTool) Terminate(pid int) {
	f.Killed = append(f.Killed, pid)
}

func callKey(args []string) string {
	if len(args) == 0 {
		return ""
	}
	if len(args) >= 2 {
		return args[0] + " " + args[1]
	}
	return args[0]
}

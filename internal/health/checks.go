package health

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/antiphon-ai/antiphon/internal/resilience"
	"github.com/antiphon-ai/antiphon/pkg/provider/llm/runtime"
)

// CheckModel reports ready once the local model is resident in the runtime.
func CheckModel(name string, m runtime.Model) Checker {
	return Checker{
		Name: name,
		Check: func(ctx context.Context) error {
			st, err := m.Stats(ctx)
			if err != nil {
				return err
			}
			if !st.Loaded {
				return errors.New("model not loaded")
			}
			return nil
		},
	}
}

// CheckFallbacks reports ready while at least one entry in a fallback group
// can accept calls. Half-open entries count as available: they admit probe
// requests.
func CheckFallbacks(name string, status func() []resilience.EntryStatus) Checker {
	return Checker{
		Name: name,
		Check: func(_ context.Context) error {
			entries := status()
			if len(entries) == 0 {
				return errors.New("no providers registered")
			}
			open := 0
			for _, e := range entries {
				if e.State == resilience.StateOpen.String() {
					open++
				}
			}
			if open == len(entries) {
				return fmt.Errorf("all %d provider circuits open", open)
			}
			return nil
		},
	}
}

// CheckDir verifies dir exists and is writable by creating and removing a
// probe file. Used for the persistence root: a full or read-only disk should
// flip readiness before checkpoint writes start failing.
func CheckDir(name, dir string) Checker {
	return Checker{
		Name: name,
		Check: func(_ context.Context) error {
			f, err := os.CreateTemp(dir, ".probe-*")
			if err != nil {
				return err
			}
			path := f.Name()
			if err := f.Close(); err != nil {
				return err
			}
			return os.Remove(path)
		},
	}
}

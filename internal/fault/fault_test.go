package fault_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/antiphon-ai/antiphon/internal/fault"
)

func TestKindOf(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		err  error
		want fault.Kind
	}{
		{"nil", nil, fault.Unknown},
		{"direct", fault.New(fault.RateLimited, "remote: complete", "429"), fault.RateLimited},
		{"wrapped", fmt.Errorf("turn: %w", fault.Wrap(fault.STT, "stt: transcribe", errors.New("no audio"))), fault.STT},
		{"deadline", fmt.Errorf("remote: %w", context.DeadlineExceeded), fault.Timeout},
		{"canceled", context.Canceled, fault.Cancelled},
		{"plain", errors.New("boom"), fault.Unknown},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := fault.KindOf(tc.err); got != tc.want {
				t.Errorf("KindOf() = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestTransient(t *testing.T) {
	t.Parallel()

	transient := []fault.Kind{fault.NetworkTimeout, fault.ServiceUnavailable, fault.RateLimited}
	for _, k := range transient {
		if !k.Transient() {
			t.Errorf("%q should be transient", k)
		}
	}
	permanent := []fault.Kind{fault.AuthFailed, fault.Validation, fault.ResponseMalformed, fault.Config, fault.Timeout}
	for _, k := range permanent {
		if k.Transient() {
			t.Errorf("%q should not be transient", k)
		}
	}
}

func TestWrapNil(t *testing.T) {
	t.Parallel()

	if err := fault.Wrap(fault.Persistence, "checkpoint: put", nil); err != nil {
		t.Fatalf("Wrap(nil) = %v, want nil", err)
	}
}

package saga

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"satsbridge/observability/logging"
)

func TestRunUnwindsCompletedStepsInReverse(t *testing.T) {
	var log []string
	step := func(name string, fail bool) Step {
		return Step{
			Name: name,
			Action: func(context.Context) error {
				log = append(log, "do:"+name)
				if fail {
					return errors.New(name + " failed")
				}
				return nil
			},
			Compensate: func(context.Context) error {
				log = append(log, "undo:"+name)
				return nil
			},
		}
	}
	err := Run(context.Background(), logging.Discard(), step("reserve", false), step("collect", false), step("settle", true))
	var stepErr *StepError
	if !errors.As(err, &stepErr) || stepErr.Step != "settle" {
		t.Fatalf("expected settle step error, got %v", err)
	}
	want := []string{"do:reserve", "do:collect", "do:settle", "undo:collect", "undo:reserve"}
	if !reflect.DeepEqual(log, want) {
		t.Fatalf("unexpected order:\n got %v\nwant %v", log, want)
	}
}

func TestRunSwallowsCompensationErrors(t *testing.T) {
	original := errors.New("original")
	var undone []string
	err := Run(context.Background(), logging.Discard(),
		Step{Name: "a", Action: func(context.Context) error { return nil }, Compensate: func(context.Context) error {
			undone = append(undone, "a")
			return nil
		}},
		Step{Name: "b", Action: func(context.Context) error { return nil }, Compensate: func(context.Context) error {
			undone = append(undone, "b")
			return errors.New("compensation broke")
		}},
		Step{Name: "c", Action: func(context.Context) error { return original }},
	)
	if !errors.Is(err, original) {
		t.Fatalf("expected original error, got %v", err)
	}
	if !reflect.DeepEqual(undone, []string{"b", "a"}) {
		t.Fatalf("every compensation must run, got %v", undone)
	}
}

func TestRunSucceeds(t *testing.T) {
	compensated := false
	err := Run(context.Background(), nil, Step{
		Name:       "only",
		Action:     func(context.Context) error { return nil },
		Compensate: func(context.Context) error { compensated = true; return nil },
	})
	if err != nil || compensated {
		t.Fatalf("unexpected err=%v compensated=%v", err, compensated)
	}
}

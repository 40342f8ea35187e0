// Package assertion is a test agent that compares values, usually resolved from
// created resources, against expectations.
package assertion

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/go-logr/logr"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/kelos-dev/testsys/pkg/testagent"
)

// Config is the test agent configuration.
type Config struct {
	Assertions []Assertion `json:"assertions"`
}

// Assertion compares Actual with Expected.
type Assertion struct {
	Name     string `json:"name"`
	Actual   any    `json:"actual"`
	Expected any    `json:"expected"`
	// IgnoreOrder compares lists as multisets.
	IgnoreOrder bool `json:"ignoreOrder,omitempty"`
	Skip        bool `json:"skip,omitempty"`
}

// Failure is reported in the results document for every failed assertion.
type Failure struct {
	Name string `json:"name"`
	Diff string `json:"diff"`
}

// Details is the results document.
type Details struct {
	Failures []Failure `json:"failures,omitempty"`
}

// Runner implements testagent.Runner.
type Runner struct{}

var _ testagent.Runner[Config] = Runner{}

func (Runner) Run(ctx context.Context, config Config) (*testagent.Results, error) {
	if len(config.Assertions) == 0 {
		return nil, fmt.Errorf("no assertions configured")
	}
	log := logr.FromContextOrDiscard(ctx)

	results := &testagent.Results{}
	details := Details{}
	for i, a := range config.Assertions {
		name := a.Name
		if name == "" {
			name = fmt.Sprintf("assertion-%d", i)
		}
		if a.Skip {
			results.NumSkipped++
			continue
		}

		var opts []cmp.Option
		if a.IgnoreOrder {
			opts = append(opts, cmpopts.SortSlices(func(x, y any) bool { return canonical(x) < canonical(y) }))
		}
		if diff := cmp.Diff(a.Expected, a.Actual, opts...); diff != "" {
			log.Info("Assertion failed", "name", name)
			results.NumFailed++
			details.Failures = append(details.Failures, Failure{Name: name, Diff: diff})
			continue
		}
		results.NumPassed++
	}

	results.Details = details
	if len(details.Failures) > 0 {
		names := make([]string, 0, len(details.Failures))
		for _, f := range details.Failures {
			names = append(names, f.Name)
		}
		results.Message = fmt.Sprintf("failed assertions: %s", strings.Join(names, ", "))
	}
	return results, nil
}

func canonical(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(data)
}

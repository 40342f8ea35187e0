package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"text/tabwriter"
	"time"

	"sigs.k8s.io/controller-runtime/pkg/client"

	testsysv1alpha1 "github.com/kelos-dev/testsys/api/v1alpha1"
)

var watchPollInterval = 2 * time.Second

// testState is what a watch compares between polls.
type testState struct {
	phase     string
	resources string
	outcome   string
}

func stateOf(t *testsysv1alpha1.Test) testState {
	return testState{phase: phaseOf(t), resources: resourceSummary(t), outcome: outcomeOf(t)}
}

// watchTests polls for tests and prints a new row whenever a test's phase,
// resource count or outcome changes. It blocks until the context is
// cancelled.
func watchTests(ctx context.Context, w io.Writer, cl client.Client, listOpts []client.ListOption, allNamespaces bool, phases []string) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()

	testList := &testsysv1alpha1.TestList{}
	if err := cl.List(ctx, testList, listOpts...); err != nil {
		return fmt.Errorf("listing tests: %w", err)
	}
	items := filterTestsByPhase(testList.Items, phases)
	printTestTable(w, items, allNamespaces)

	known := make(map[string]testState)
	for i := range items {
		known[testKey(&items[i])] = stateOf(&items[i])
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(watchPollInterval):
		}

		testList = &testsysv1alpha1.TestList{}
		if err := cl.List(ctx, testList, listOpts...); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("listing tests: %w", err)
		}

		changed := changedTests(known, filterTestsByPhase(testList.Items, phases))
		if len(changed) == 0 {
			continue
		}
		tw := tabwriter.NewWriter(w, 0, 0, 3, ' ', 0)
		for _, t := range changed {
			printTestRow(tw, t, allNamespaces)
		}
		tw.Flush()
	}
}

// changedTests returns the tests that are new or differ from known, and
// records their current state.
func changedTests(known map[string]testState, tests []testsysv1alpha1.Test) []*testsysv1alpha1.Test {
	var changed []*testsysv1alpha1.Test
	for i := range tests {
		t := &tests[i]
		key := testKey(t)
		cur := stateOf(t)
		if prev, exists := known[key]; !exists || prev != cur {
			changed = append(changed, t)
			known[key] = cur
		}
	}
	return changed
}

func testKey(t *testsysv1alpha1.Test) string {
	return t.Namespace + "/" + t.Name
}

package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"text/tabwriter"
	"time"

	"k8s.io/apimachinery/pkg/util/duration"
	"sigs.k8s.io/yaml"

	testsysv1alpha1 "github.com/kelos-dev/testsys/api/v1alpha1"
)

func controllerStatus(t *testsysv1alpha1.Test) testsysv1alpha1.ControllerStatus {
	if t.Status.Controller == nil {
		return testsysv1alpha1.ControllerStatus{}
	}
	return *t.Status.Controller
}

func agentStatus(t *testsysv1alpha1.Test) testsysv1alpha1.AgentStatus {
	if t.Status.Agent == nil {
		return testsysv1alpha1.AgentStatus{}
	}
	return *t.Status.Agent
}

func phaseOf(t *testsysv1alpha1.Test) string {
	if p := controllerStatus(t).Phase; p != "" {
		return string(p)
	}
	return "-"
}

func testDuration(status testsysv1alpha1.ControllerStatus) string {
	if status.StartTime == nil {
		return "-"
	}
	if status.CompletionTime != nil {
		return duration.HumanDuration(status.CompletionTime.Time.Sub(status.StartTime.Time))
	}
	return duration.HumanDuration(time.Since(status.StartTime.Time))
}

// resourceSummary returns "<created>/<declared>".
func resourceSummary(t *testsysv1alpha1.Test) string {
	created := 0
	for _, r := range controllerStatus(t).Resources {
		if r.Phase == testsysv1alpha1.ResourcePhaseCreated {
			created++
		}
	}
	return fmt.Sprintf("%d/%d", created, len(t.Spec.Resources))
}

func outcomeOf(t *testsysv1alpha1.Test) string {
	if o := agentStatus(t).Outcome; o != "" {
		return string(o)
	}
	return "-"
}

func printTestTable(w io.Writer, tests []testsysv1alpha1.Test, allNamespaces bool) {
	tw := tabwriter.NewWriter(w, 0, 0, 3, ' ', 0)
	if allNamespaces {
		fmt.Fprintln(tw, "NAMESPACE\tNAME\tPHASE\tRESOURCES\tOUTCOME\tPASSED\tFAILED\tDURATION\tAGE")
	} else {
		fmt.Fprintln(tw, "NAME\tPHASE\tRESOURCES\tOUTCOME\tPASSED\tFAILED\tDURATION\tAGE")
	}
	for i := range tests {
		printTestRow(tw, &tests[i], allNamespaces)
	}
	tw.Flush()
}

// printTestRow prints a single test row without the header.
func printTestRow(w io.Writer, t *testsysv1alpha1.Test, allNamespaces bool) {
	age := duration.HumanDuration(time.Since(t.CreationTimestamp.Time))
	agent := agentStatus(t)
	dur := testDuration(controllerStatus(t))
	if allNamespaces {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%d\t%s\t%s\n",
			t.Namespace, t.Name, phaseOf(t), resourceSummary(t), outcomeOf(t), agent.NumPassed, agent.NumFailed, dur, age)
	} else {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\t%s\t%s\n",
			t.Name, phaseOf(t), resourceSummary(t), outcomeOf(t), agent.NumPassed, agent.NumFailed, dur, age)
	}
}

func printTestDetail(w io.Writer, t *testsysv1alpha1.Test) {
	status := controllerStatus(t)
	agent := agentStatus(t)

	printField(w, "Name", t.Name)
	printField(w, "Namespace", t.Namespace)
	printField(w, "Phase", phaseOf(t))
	if status.Message != "" {
		printField(w, "Message", status.Message)
	}
	printField(w, "Test Agent", fmt.Sprintf("%s (%s)", t.Spec.Agent.Name, t.Spec.Agent.Image))
	if status.TestJob != "" {
		printField(w, "Test Job", status.TestJob)
	}
	if status.StartTime != nil {
		printField(w, "Start Time", status.StartTime.Time.Format(time.RFC3339))
	}
	if status.CompletionTime != nil {
		printField(w, "Completion Time", status.CompletionTime.Time.Format(time.RFC3339))
	}
	if dur := testDuration(status); dur != "-" {
		printField(w, "Duration", dur)
	}
	if agent.RunState != "" {
		printField(w, "Run State", string(agent.RunState))
	}
	if agent.Outcome != "" {
		printField(w, "Outcome", string(agent.Outcome))
		printField(w, "Results", fmt.Sprintf("%d passed, %d failed, %d skipped", agent.NumPassed, agent.NumFailed, agent.NumSkipped))
	}
	if agent.Error != "" {
		printField(w, "Agent Error", agent.Error)
	}
	if len(t.Spec.Resources) == 0 {
		return
	}

	byName := make(map[string]testsysv1alpha1.ResourceStatus, len(status.Resources))
	for _, r := range status.Resources {
		byName[r.Name] = r
	}
	names := make([]string, 0, len(t.Spec.Resources))
	for _, r := range t.Spec.Resources {
		names = append(names, r.Name)
	}
	// Creation order first, resources not started yet last.
	sort.SliceStable(names, func(i, j int) bool {
		si, sj := byName[names[i]].Sequence, byName[names[j]].Sequence
		if si == 0 || sj == 0 {
			return si != 0 && sj == 0
		}
		return si < sj
	})
	for i, name := range names {
		entry := resourceLine(name, byName[name])
		if i == 0 {
			printField(w, "Resources", entry)
		} else {
			fmt.Fprintf(w, "%-20s%s\n", "", entry)
		}
	}
}

func resourceLine(name string, r testsysv1alpha1.ResourceStatus) string {
	phase := string(r.Phase)
	if phase == "" {
		phase = string(testsysv1alpha1.ResourcePhasePending)
	}
	line := fmt.Sprintf("%s=%s", name, phase)
	if r.Residual {
		line += " (residual)"
	}
	if r.Message != "" {
		line += ": " + r.Message
	}
	return line
}

func printField(w io.Writer, label, value string) {
	fmt.Fprintf(w, "%-20s%s\n", label+":", value)
}

func printYAML(w io.Writer, obj interface{}) error {
	data, err := yaml.Marshal(obj)
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

func printJSON(w io.Writer, obj interface{}) error {
	data, err := json.MarshalIndent(obj, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

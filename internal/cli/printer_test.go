package cli

import (
	"bytes"
	"strings"
	"testing"
	"time"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	testsysv1alpha1 "github.com/kelos-dev/testsys/api/v1alpha1"
)

func newCLITest(name string, phase testsysv1alpha1.TestPhase) testsysv1alpha1.Test {
	return testsysv1alpha1.Test{
		ObjectMeta: metav1.ObjectMeta{
			Name:              name,
			Namespace:         "default",
			CreationTimestamp: metav1.NewTime(time.Now().Add(-time.Hour)),
		},
		Spec: testsysv1alpha1.TestSpec{
			Agent: testsysv1alpha1.Agent{Name: "assertion", Image: "example.com/assertion:v1"},
		},
		Status: testsysv1alpha1.TestStatus{
			Controller: &testsysv1alpha1.ControllerStatus{Phase: phase},
		},
	}
}

func testWithResources() testsysv1alpha1.Test {
	start := metav1.NewTime(time.Now().Add(-10 * time.Minute))
	end := metav1.NewTime(start.Add(5 * time.Minute))
	test := newCLITest("smoke", testsysv1alpha1.TestPhaseFailed)
	test.Spec.Resources = []testsysv1alpha1.ResourceSpec{{Name: "network"}, {Name: "cluster"}, {Name: "nodes"}}
	test.Status.Controller = &testsysv1alpha1.ControllerStatus{
		Phase:          testsysv1alpha1.TestPhaseFailed,
		Message:        "Resource cluster failed to create",
		StartTime:      &start,
		CompletionTime: &end,
		Resources: []testsysv1alpha1.ResourceStatus{
			{Name: "cluster", Phase: testsysv1alpha1.ResourcePhaseCreateFailed, Sequence: 2, Residual: true, Message: "quota exceeded"},
			{Name: "network", Phase: testsysv1alpha1.ResourcePhaseCreated, Sequence: 1},
			{Name: "nodes", Phase: testsysv1alpha1.ResourcePhasePending},
		},
	}
	return test
}

func TestPrintTestTable(t *testing.T) {
	passed := newCLITest("pass", testsysv1alpha1.TestPhaseCompleted)
	passed.Status.Agent = &testsysv1alpha1.AgentStatus{Outcome: testsysv1alpha1.TestOutcomePass, NumPassed: 7}

	var buf bytes.Buffer
	printTestTable(&buf, []testsysv1alpha1.Test{passed, testWithResources()}, false)
	output := buf.String()

	lines := strings.Split(strings.TrimSpace(output), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected header and 2 rows, got %d lines:\n%s", len(lines), output)
	}
	if !strings.HasPrefix(lines[0], "NAME") || strings.Contains(lines[0], "NAMESPACE") {
		t.Errorf("unexpected header: %q", lines[0])
	}
	if fields := strings.Fields(lines[1]); fields[0] != "pass" || fields[1] != "Completed" || fields[2] != "0/0" || fields[3] != "Pass" || fields[4] != "7" {
		t.Errorf("unexpected row for pass: %q", lines[1])
	}
	if fields := strings.Fields(lines[2]); fields[1] != "Failed" || fields[2] != "1/3" || fields[3] != "-" || fields[6] != "5m" {
		t.Errorf("unexpected row for smoke: %q", lines[2])
	}
}

func TestPrintTestTableAllNamespaces(t *testing.T) {
	var buf bytes.Buffer
	printTestTable(&buf, []testsysv1alpha1.Test{newCLITest("a", "")}, true)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if !strings.HasPrefix(lines[0], "NAMESPACE") {
		t.Errorf("expected NAMESPACE column, got %q", lines[0])
	}
	if fields := strings.Fields(lines[1]); fields[0] != "default" || fields[1] != "a" || fields[2] != "-" {
		t.Errorf("unexpected row: %q", lines[1])
	}
}

func field(label, value string) string {
	var buf bytes.Buffer
	printField(&buf, label, value)
	return strings.TrimSuffix(buf.String(), "\n")
}

func TestPrintTestDetail(t *testing.T) {
	test := testWithResources()
	test.Status.Agent = &testsysv1alpha1.AgentStatus{Error: "never ran"}

	var buf bytes.Buffer
	printTestDetail(&buf, &test)
	output := buf.String()

	for _, want := range []string{
		field("Phase", "Failed"),
		field("Message", "Resource cluster failed to create"),
		field("Test Agent", "assertion (example.com/assertion:v1)"),
		field("Duration", "5m"),
		field("Agent Error", "never ran"),
		field("Resources", "network=Created"),
		"cluster=CreateFailed (residual): quota exceeded",
		"nodes=Pending",
	} {
		if !strings.Contains(output, want) {
			t.Errorf("expected output to contain %q, got:\n%s", want, output)
		}
	}
	if strings.Index(output, "network=") > strings.Index(output, "cluster=") ||
		strings.Index(output, "cluster=") > strings.Index(output, "nodes=") {
		t.Errorf("expected resources in creation order, got:\n%s", output)
	}
	if strings.Contains(output, "Outcome:") {
		t.Errorf("expected no outcome before the test agent reports, got:\n%s", output)
	}
}

func TestPrintYAMLAndJSON(t *testing.T) {
	test := newCLITest("smoke", testsysv1alpha1.TestPhaseCompleted)

	var y bytes.Buffer
	if err := printYAML(&y, &test); err != nil {
		t.Fatalf("printYAML: %v", err)
	}
	if !strings.Contains(y.String(), "phase: Completed") {
		t.Errorf("expected yaml phase, got:\n%s", y.String())
	}

	var j bytes.Buffer
	if err := printJSON(&j, &test); err != nil {
		t.Fatalf("printJSON: %v", err)
	}
	if !strings.Contains(j.String(), `"phase": "Completed"`) {
		t.Errorf("expected json phase, got:\n%s", j.String())
	}
}

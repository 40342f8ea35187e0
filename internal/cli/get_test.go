package cli

import (
	"strings"
	"testing"

	"github.com/spf13/cobra"

	testsysv1alpha1 "github.com/kelos-dev/testsys/api/v1alpha1"
)

func findSubcommand(t *testing.T, root *cobra.Command, path []string) *cobra.Command {
	t.Helper()
	cmd, _, err := root.Find(path)
	if err != nil {
		t.Fatalf("finding command %v: %v", path, err)
	}
	return cmd
}

func TestGetTestFlagsRegistered(t *testing.T) {
	cmd := findSubcommand(t, NewRootCommand(), []string{"get", "test"})

	tests := []struct {
		name      string
		shorthand string
		defValue  string
	}{
		{"output", "o", ""},
		{"watch", "w", "false"},
		{"all-namespaces", "A", "false"},
		{"phase", "", "[]"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := cmd.Flags().Lookup(tt.name)
			if f == nil {
				t.Fatalf("expected --%s flag on get test", tt.name)
			}
			if f.Shorthand != tt.shorthand {
				t.Errorf("expected shorthand %q, got %q", tt.shorthand, f.Shorthand)
			}
			if f.DefValue != tt.defValue {
				t.Errorf("expected default value %q, got %q", tt.defValue, f.DefValue)
			}
		})
	}
}

func TestGetTestCommandRejectsInvalidFlags(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		wantErr string
	}{
		{"unknown output", []string{"get", "test", "-o", "table"}, `unknown output format "table"`},
		{"watch with output", []string{"get", "test", "--watch", "--output", "yaml"}, "--watch is not supported with --output"},
		{"watch with name", []string{"get", "test", "smoke", "--watch"}, "--watch is only supported when listing resources"},
		{"all namespaces with name", []string{"get", "test", "smoke", "-A"}, "--all-namespaces cannot be used with a test name"},
		{"unknown phase", []string{"get", "test", "--phase", "Running"}, `unknown phase "Running"`},
		{"no resource type", []string{"get"}, "must specify a resource type"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd := NewRootCommand()
			cmd.SetArgs(tt.args)
			cmd.SetOut(&strings.Builder{})

			err := cmd.Execute()
			if err == nil {
				t.Fatalf("expected error for %v", tt.args)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("expected error containing %q, got: %v", tt.wantErr, err)
			}
		})
	}
}

func TestValidatePhases(t *testing.T) {
	tests := []struct {
		name    string
		phases  []string
		wantErr bool
	}{
		{"valid single phase", []string{"TestRunning"}, false},
		{"all valid phases", []string{"ResourcesPending", "TestRunning", "Completed", "Failed", "Deleting"}, false},
		{"empty phases", nil, false},
		{"invalid phase", []string{"Unknown"}, true},
		{"mixed valid and invalid", []string{"Completed", "Invalid"}, true},
		{"lowercase rejected", []string{"completed"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validatePhases(tt.phases)
			if (err != nil) != tt.wantErr {
				t.Errorf("validatePhases(%v) error = %v, wantErr %v", tt.phases, err, tt.wantErr)
			}
		})
	}
}

func TestFilterTestsByPhase(t *testing.T) {
	tests := []testsysv1alpha1.Test{
		newCLITest("a", testsysv1alpha1.TestPhaseResourcesPending),
		newCLITest("b", testsysv1alpha1.TestPhaseCompleted),
		newCLITest("c", testsysv1alpha1.TestPhaseFailed),
		newCLITest("d", testsysv1alpha1.TestPhaseCompleted),
	}

	got := filterTestsByPhase(tests, []string{"Completed", "Failed"})
	var names []string
	for _, test := range got {
		names = append(names, test.Name)
	}
	if strings.Join(names, ",") != "b,c,d" {
		t.Errorf("expected b,c,d, got %v", names)
	}

	if all := filterTestsByPhase(tests, nil); len(all) != len(tests) {
		t.Errorf("expected no filtering without phases, got %d tests", len(all))
	}
}

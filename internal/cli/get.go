package cli

import (
	"fmt"
	"slices"
	"strings"

	"github.com/spf13/cobra"
	"sigs.k8s.io/controller-runtime/pkg/client"

	testsysv1alpha1 "github.com/kelos-dev/testsys/api/v1alpha1"
)

var validPhases = []testsysv1alpha1.TestPhase{
	testsysv1alpha1.TestPhaseResourcesPending,
	testsysv1alpha1.TestPhaseTestRunning,
	testsysv1alpha1.TestPhaseCompleted,
	testsysv1alpha1.TestPhaseFailed,
	testsysv1alpha1.TestPhaseDeleting,
}

func newGetCommand(cfg *ClientConfig) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get",
		Short: "Get resources",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.Help()
			return fmt.Errorf("must specify a resource type")
		},
	}

	cmd.AddCommand(newGetTestCommand(cfg))

	return cmd
}

func newGetTestCommand(cfg *ClientConfig) *cobra.Command {
	var (
		output        string
		watch         bool
		allNamespaces bool
		phases        []string
	)

	cmd := &cobra.Command{
		Use:     "test [name]",
		Aliases: []string{"tests"},
		Short:   "List tests or get details of a specific test",
		Args:    cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if output != "" && output != "yaml" && output != "json" {
				return fmt.Errorf("unknown output format %q: must be one of yaml, json", output)
			}
			if watch && output != "" {
				return fmt.Errorf("--watch is not supported with --output")
			}
			if watch && len(args) == 1 {
				return fmt.Errorf("--watch is only supported when listing resources")
			}
			if allNamespaces && len(args) == 1 {
				return fmt.Errorf("--all-namespaces cannot be used with a test name")
			}
			if err := validatePhases(phases); err != nil {
				return err
			}

			cl, ns, err := cfg.NewClient()
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			if len(args) == 1 {
				test := &testsysv1alpha1.Test{}
				if err := cl.Get(ctx, client.ObjectKey{Name: args[0], Namespace: ns}, test); err != nil {
					return fmt.Errorf("getting test: %w", err)
				}

				test.SetGroupVersionKind(testsysv1alpha1.GroupVersion.WithKind("Test"))
				switch output {
				case "yaml":
					return printYAML(out, test)
				case "json":
					return printJSON(out, test)
				default:
					printTestDetail(out, test)
					return nil
				}
			}

			var listOpts []client.ListOption
			if !allNamespaces {
				listOpts = append(listOpts, client.InNamespace(ns))
			}

			if watch {
				return watchTests(ctx, out, cl, listOpts, allNamespaces, phases)
			}

			testList := &testsysv1alpha1.TestList{}
			if err := cl.List(ctx, testList, listOpts...); err != nil {
				return fmt.Errorf("listing tests: %w", err)
			}
			testList.Items = filterTestsByPhase(testList.Items, phases)

			testList.SetGroupVersionKind(testsysv1alpha1.GroupVersion.WithKind("TestList"))
			switch output {
			case "yaml":
				return printYAML(out, testList)
			case "json":
				return printJSON(out, testList)
			default:
				printTestTable(out, testList.Items, allNamespaces)
				return nil
			}
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "Output format (yaml or json)")
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "Watch for changes after listing")
	cmd.Flags().BoolVarP(&allNamespaces, "all-namespaces", "A", false, "List tests across all namespaces")
	cmd.Flags().StringSliceVar(&phases, "phase", nil, "Only list tests in these phases")

	return cmd
}

func validatePhases(phases []string) error {
	for _, p := range phases {
		if !slices.Contains(validPhases, testsysv1alpha1.TestPhase(p)) {
			names := make([]string, len(validPhases))
			for i, v := range validPhases {
				names[i] = string(v)
			}
			return fmt.Errorf("unknown phase %q: must be one of %s", p, strings.Join(names, ", "))
		}
	}
	return nil
}

func filterTestsByPhase(tests []testsysv1alpha1.Test, phases []string) []testsysv1alpha1.Test {
	if len(phases) == 0 {
		return tests
	}
	var filtered []testsysv1alpha1.Test
	for i := range tests {
		if slices.Contains(phases, phaseOf(&tests[i])) {
			filtered = append(filtered, tests[i])
		}
	}
	return filtered
}

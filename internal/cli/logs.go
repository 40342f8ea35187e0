package cli

import (
	"context"
	"fmt"
	"io"
	"sort"

	"github.com/spf13/cobra"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/client-go/kubernetes"

	testsysv1alpha1 "github.com/kelos-dev/testsys/api/v1alpha1"
	"github.com/kelos-dev/testsys/internal/controller"
)

type logsOptions struct {
	resource   string
	action     string
	tail       int64
	errorsOnly bool
}

func newLogsCommand(cfg *ClientConfig) *cobra.Command {
	opts := logsOptions{}

	cmd := &cobra.Command{
		Use:   "logs <test>",
		Short: "Print the logs of a test's agent pods",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			switch testsysv1alpha1.AgentAction(opts.action) {
			case "", testsysv1alpha1.ActionCreate, testsysv1alpha1.ActionDestroy, testsysv1alpha1.ActionRun:
			default:
				return fmt.Errorf("unknown action %q: must be one of create, destroy, run", opts.action)
			}

			cs, ns, err := cfg.NewClientset()
			if err != nil {
				return err
			}
			return printAgentLogs(cmd.Context(), cmd.OutOrStdout(), cs, ns, args[0], opts)
		},
	}

	cmd.Flags().StringVar(&opts.resource, "resource", "", "Only show agents of this resource")
	cmd.Flags().StringVar(&opts.action, "action", "", "Only show agents running this action (create, destroy or run)")
	cmd.Flags().Int64Var(&opts.tail, "tail", 0, "Lines of recent log to show per pod (0 shows all)")
	cmd.Flags().BoolVar(&opts.errorsOnly, "errors", false, "Only show the error each agent reported before exiting")

	return cmd
}

func printAgentLogs(ctx context.Context, w io.Writer, cs kubernetes.Interface, ns, test string, opts logsOptions) error {
	sel := labels.Set{testsysv1alpha1.LabelTest: controller.LabelValue(test)}
	if opts.resource != "" {
		sel[testsysv1alpha1.LabelResource] = controller.LabelValue(opts.resource)
	}
	if opts.action != "" {
		sel[testsysv1alpha1.LabelAction] = opts.action
	}
	pods, err := cs.CoreV1().Pods(ns).List(ctx, metav1.ListOptions{LabelSelector: sel.String()})
	if err != nil {
		return fmt.Errorf("listing agent pods: %w", err)
	}
	if len(pods.Items) == 0 {
		fmt.Fprintf(w, "No agent pods found for test %s\n", test)
		return nil
	}

	items := pods.Items
	sort.Slice(items, func(i, j int) bool {
		ti, tj := items[i].CreationTimestamp, items[j].CreationTimestamp
		if !ti.Equal(&tj) {
			return ti.Before(&tj)
		}
		return items[i].Name < items[j].Name
	})

	for i := range items {
		pod := &items[i]
		logOpts := &corev1.PodLogOptions{Container: controller.AgentContainerName}
		if opts.tail > 0 {
			logOpts.TailLines = &opts.tail
		}
		data, err := cs.CoreV1().Pods(ns).GetLogs(pod.Name, logOpts).DoRaw(ctx)
		if err != nil {
			fmt.Fprintf(w, "==> %s <==\n(logs unavailable: %v)\n", podTitle(pod), err)
			continue
		}
		if opts.errorsOnly {
			if msg := controller.ParseAgentError(string(data)); msg != "" {
				fmt.Fprintf(w, "%s: %s\n", podTitle(pod), msg)
			}
			continue
		}
		fmt.Fprintf(w, "==> %s <==\n", podTitle(pod))
		w.Write(data)
		if len(data) > 0 && data[len(data)-1] != '\n' {
			fmt.Fprintln(w)
		}
	}
	return nil
}

func podTitle(pod *corev1.Pod) string {
	action := pod.Labels[testsysv1alpha1.LabelAction]
	if resource := pod.Labels[testsysv1alpha1.LabelResource]; resource != "" {
		return fmt.Sprintf("%s (%s %s)", pod.Name, action, resource)
	}
	return fmt.Sprintf("%s (%s)", pod.Name, action)
}

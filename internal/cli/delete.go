package cli

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/wait"
	"sigs.k8s.io/controller-runtime/pkg/client"

	testsysv1alpha1 "github.com/kelos-dev/testsys/api/v1alpha1"
)

const maxParallelDeletes = 8

var deletePollInterval = 2 * time.Second

func newDeleteCommand(cfg *ClientConfig) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete",
		Short: "Delete resources",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.Help()
			return fmt.Errorf("must specify a resource type")
		},
	}

	cmd.AddCommand(newDeleteTestCommand(cfg))

	return cmd
}

func newDeleteTestCommand(cfg *ClientConfig) *cobra.Command {
	var (
		all     bool
		yes     bool
		waitFor bool
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:     "test [name...]",
		Aliases: []string{"tests"},
		Short:   "Delete tests; their resources are destroyed by the controller",
		Args: func(cmd *cobra.Command, args []string) error {
			if all && len(args) > 0 {
				return fmt.Errorf("cannot specify test names with --all")
			}
			if !all && len(args) == 0 {
				return fmt.Errorf("test name is required (or use --all)\nUsage: %s", cmd.Use)
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			cl, ns, err := cfg.NewClient()
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			names := args
			if all {
				testList := &testsysv1alpha1.TestList{}
				if err := cl.List(ctx, testList, client.InNamespace(ns)); err != nil {
					return fmt.Errorf("listing tests: %w", err)
				}
				if len(testList.Items) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No tests found")
					return nil
				}
				names = make([]string, 0, len(testList.Items))
				for i := range testList.Items {
					names = append(names, testList.Items[i].Name)
				}
				if !yes && !confirm(fmt.Sprintf("Delete %d tests in namespace %s?", len(names), ns)) {
					return fmt.Errorf("aborted")
				}
			}

			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}
			return deleteTests(ctx, cmd.OutOrStdout(), cl, ns, names, waitFor)
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "Delete all tests in the namespace")
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Do not ask for confirmation with --all")
	cmd.Flags().BoolVar(&waitFor, "wait", false, "Wait until the controller has finished cleanup")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Give up after this long (0 waits forever)")

	return cmd
}

// deleteTests deletes the named tests in parallel. With waitFor it blocks
// until every test is gone, which happens after its resources are destroyed.
func deleteTests(ctx context.Context, w io.Writer, cl client.Client, ns string, names []string, waitFor bool) error {
	var mu sync.Mutex
	report := func(format string, args ...any) {
		mu.Lock()
		defer mu.Unlock()
		fmt.Fprintf(w, format, args...)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallelDeletes)
	for _, name := range names {
		g.Go(func() error {
			test := &testsysv1alpha1.Test{ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: ns}}
			if err := cl.Delete(ctx, test); err != nil {
				if apierrors.IsNotFound(err) {
					report("test/%s not found\n", name)
					return nil
				}
				return fmt.Errorf("deleting test %s: %w", name, err)
			}
			report("test/%s deleted\n", name)

			if !waitFor {
				return nil
			}
			if err := waitForTestGone(ctx, cl, client.ObjectKeyFromObject(test)); err != nil {
				return fmt.Errorf("waiting for test %s: %w", name, err)
			}
			report("test/%s cleaned up\n", name)
			return nil
		})
	}
	return g.Wait()
}

func waitForTestGone(ctx context.Context, cl client.Client, key client.ObjectKey) error {
	return wait.PollUntilContextCancel(ctx, deletePollInterval, true, func(ctx context.Context) (bool, error) {
		var test testsysv1alpha1.Test
		err := cl.Get(ctx, key, &test)
		if apierrors.IsNotFound(err) {
			return true, nil
		}
		return false, err
	})
}

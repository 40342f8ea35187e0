package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"k8s.io/apimachinery/pkg/runtime"
	utilruntime "k8s.io/apimachinery/pkg/util/runtime"
	"k8s.io/client-go/kubernetes"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"sigs.k8s.io/controller-runtime/pkg/client"

	testsysv1alpha1 "github.com/kelos-dev/testsys/api/v1alpha1"
)

var scheme = runtime.NewScheme()

func init() {
	utilruntime.Must(clientgoscheme.AddToScheme(scheme))
	utilruntime.Must(testsysv1alpha1.AddToScheme(scheme))
}

// ClientConfig resolves the cluster connection from the global flags.
type ClientConfig struct {
	Kubeconfig string
	Context    string
	Namespace  string
}

func (c *ClientConfig) resolveConfig() (*rest.Config, string, error) {
	rules := clientcmd.NewDefaultClientConfigLoadingRules()
	if c.Kubeconfig != "" {
		rules.ExplicitPath = c.Kubeconfig
	}
	overrides := &clientcmd.ConfigOverrides{CurrentContext: c.Context}
	loader := clientcmd.NewNonInteractiveDeferredLoadingClientConfig(rules, overrides)

	restConfig, err := loader.ClientConfig()
	if err != nil {
		return nil, "", fmt.Errorf("loading kubeconfig: %w", err)
	}
	ns := c.Namespace
	if ns == "" {
		ns, _, err = loader.Namespace()
		if err != nil {
			return nil, "", fmt.Errorf("resolving namespace: %w", err)
		}
	}
	return restConfig, ns, nil
}

// NewClient returns a client for Tests and the namespace to work in.
func (c *ClientConfig) NewClient() (client.Client, string, error) {
	restConfig, ns, err := c.resolveConfig()
	if err != nil {
		return nil, "", err
	}
	cl, err := client.New(restConfig, client.Options{Scheme: scheme})
	if err != nil {
		return nil, "", fmt.Errorf("creating client: %w", err)
	}
	return cl, ns, nil
}

// NewClientset returns a typed clientset, used for Pod logs.
func (c *ClientConfig) NewClientset() (kubernetes.Interface, string, error) {
	restConfig, ns, err := c.resolveConfig()
	if err != nil {
		return nil, "", err
	}
	cs, err := kubernetes.NewForConfig(restConfig)
	if err != nil {
		return nil, "", fmt.Errorf("creating clientset: %w", err)
	}
	return cs, ns, nil
}

// NewRootCommand returns the testsys command.
func NewRootCommand() *cobra.Command {
	cfg := &ClientConfig{}

	cmd := &cobra.Command{
		Use:           "testsys",
		Short:         "Inspect and clean up testsys Tests",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&cfg.Kubeconfig, "kubeconfig", "", "Path to the kubeconfig file")
	cmd.PersistentFlags().StringVar(&cfg.Context, "context", "", "The kubeconfig context to use")
	cmd.PersistentFlags().StringVarP(&cfg.Namespace, "namespace", "n", "", "The namespace to use")

	cmd.AddCommand(newGetCommand(cfg))
	cmd.AddCommand(newDeleteCommand(cfg))
	cmd.AddCommand(newLogsCommand(cfg))
	cmd.AddCommand(newVersionCommand())

	return cmd
}

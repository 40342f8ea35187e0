package main

import (
	"os"

	ctrl "sigs.k8s.io/controller-runtime"

	"github.com/kelos-dev/testsys/internal/agents/duplicator"
	"github.com/kelos-dev/testsys/pkg/agent"
	"github.com/kelos-dev/testsys/pkg/provider"
)

func main() {
	log := agent.NewLogger()
	ctrl.SetLogger(log)

	if err := run(); err != nil {
		log.Error(err, "Resource agent failed")
		agent.ReportFatal(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	b, err := agent.FromEnv()
	if err != nil {
		return err
	}
	status, err := agent.NewStatusClient(b)
	if err != nil {
		return err
	}
	ra := &provider.ResourceAgent[duplicator.DuplicationRequest, duplicator.DuplicatedData, duplicator.Memo]{
		Creator:   duplicator.Provider{},
		Destroyer: duplicator.Provider{},
		Bootstrap: b,
		Status:    status,
		Log:       ctrl.Log.WithName("duplicator"),
	}
	return ra.Run(ctrl.SetupSignalHandler())
}

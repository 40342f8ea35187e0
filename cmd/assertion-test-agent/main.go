package main

import (
	"os"

	ctrl "sigs.k8s.io/controller-runtime"

	"github.com/kelos-dev/testsys/internal/agents/assertion"
	"github.com/kelos-dev/testsys/pkg/agent"
	"github.com/kelos-dev/testsys/pkg/testagent"
)

func main() {
	log := agent.NewLogger()
	ctrl.SetLogger(log)

	if err := run(); err != nil {
		log.Error(err, "Test agent failed")
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
	ta := &testagent.TestAgent[assertion.Config]{
		Runner:    assertion.Runner{},
		Bootstrap: b,
		Status:    status,
		Log:       ctrl.Log.WithName("assertion"),
	}
	return ta.Run(ctrl.SetupSignalHandler())
}

package agent

import (
	"fmt"
	"io"

	testsysv1alpha1 "github.com/kelos-dev/testsys/api/v1alpha1"
)

// ReportFatal writes err to w between the agent error markers. The
// controller reads the frame from the Pod log when the agent exits without
// publishing a result in the Test status.
func ReportFatal(w io.Writer, err error) {
	fmt.Fprintln(w, testsysv1alpha1.AgentErrorStartMarker)
	fmt.Fprintln(w, err.Error())
	fmt.Fprintln(w, testsysv1alpha1.AgentErrorEndMarker)
}

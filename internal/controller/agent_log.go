package controller

import (
	"strings"

	testsysv1alpha1 "github.com/kelos-dev/testsys/api/v1alpha1"
)

// ParseAgentError extracts the last framed agent error from log data.
// It returns an empty string when the log carries no complete frame.
func ParseAgentError(logData string) string {
	startIdx := strings.LastIndex(logData, testsysv1alpha1.AgentErrorStartMarker)
	if startIdx == -1 {
		return ""
	}
	rest := logData[startIdx+len(testsysv1alpha1.AgentErrorStartMarker):]
	endIdx := strings.Index(rest, testsysv1alpha1.AgentErrorEndMarker)
	if endIdx == -1 {
		return ""
	}

	var lines []string
	for _, line := range strings.Split(rest[:endIdx], "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			lines = append(lines, line)
		}
	}
	return strings.Join(lines, "; ")
}

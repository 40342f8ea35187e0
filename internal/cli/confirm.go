package cli

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
)

// stdinReader is the reader used for confirmation prompts.
// It defaults to os.Stdin but can be overridden in tests.
var stdinReader io.Reader = os.Stdin

// confirm prints prompt and returns true if the user answers "y" or "yes"
// (case-insensitive). Empty or unreadable input counts as no.
func confirm(prompt string) bool {
	fmt.Fprintf(os.Stderr, "%s [y/N]: ", prompt)

	reader := bufio.NewReader(stdinReader)
	answer, err := reader.ReadString('\n')
	if err != nil && err != io.EOF {
		return false
	}

	answer = strings.TrimSpace(strings.ToLower(answer))
	return answer == "y" || answer == "yes"
}

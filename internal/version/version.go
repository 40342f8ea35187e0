// Package version holds the build version, set with
// -ldflags "-X github.com/kelos-dev/testsys/internal/version.Version=...".
package version

var Version = "dev"

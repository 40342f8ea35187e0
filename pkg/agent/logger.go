package agent

import (
	"os"

	"github.com/go-logr/logr"
	"go.uber.org/zap/zapcore"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"

	testsysv1alpha1 "github.com/kelos-dev/testsys/api/v1alpha1"
)

// NewLogger returns a JSON logger at the level named by TESTSYS_LOG_LEVEL,
// info when unset or unrecognized.
func NewLogger() logr.Logger {
	opts := zap.Options{Level: zapcore.InfoLevel}
	if v := os.Getenv(testsysv1alpha1.EnvLogLevel); v != "" {
		if level, err := zapcore.ParseLevel(v); err == nil {
			opts.Level = level
		}
	}
	return zap.New(zap.UseFlagOptions(&opts))
}

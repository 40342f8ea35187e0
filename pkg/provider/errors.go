package provider

import (
	"errors"

	testsysv1alpha1 "github.com/kelos-dev/testsys/api/v1alpha1"
)

// ProviderError is a create or destroy failure annotated with whether
// anything was left behind.
type ProviderError struct {
	Resources testsysv1alpha1.ProviderErrorResources
	Message   string
	Err       error
}

func (e *ProviderError) Error() string {
	if e.Err == nil {
		return e.Message
	}
	if e.Message == "" {
		return e.Err.Error()
	}
	return e.Message + ": " + e.Err.Error()
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// Wrap annotates err. It returns nil when err is nil.
func Wrap(err error, resources testsysv1alpha1.ProviderErrorResources, message string) error {
	if err == nil {
		return nil
	}
	return &ProviderError{Resources: resources, Message: message, Err: err}
}

// Clear reports a failure that left nothing behind.
func Clear(message string) error {
	return &ProviderError{Resources: testsysv1alpha1.ProviderErrorResourcesClear, Message: message}
}

// Remaining reports a failure that may have left state behind.
func Remaining(message string) error {
	return &ProviderError{Resources: testsysv1alpha1.ProviderErrorResourcesRemaining, Message: message}
}

// ErrorStatus converts err into its status form.
func ErrorStatus(err error) *testsysv1alpha1.ProviderErrorStatus {
	var perr *ProviderError
	if errors.As(err, &perr) && perr.Resources != "" {
		return &testsysv1alpha1.ProviderErrorStatus{Resources: perr.Resources, Message: err.Error()}
	}
	return &testsysv1alpha1.ProviderErrorStatus{
		Resources: testsysv1alpha1.ProviderErrorResourcesRemaining,
		Message:   err.Error(),
	}
}

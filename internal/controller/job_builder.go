package controller

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/util/validation"
	"k8s.io/utils/ptr"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/controller/controllerutil"

	testsysv1alpha1 "github.com/kelos-dev/testsys/api/v1alpha1"
)

const (
	// DefaultResourceAgentServiceAccount runs create and destroy Jobs.
	DefaultResourceAgentServiceAccount = "testsys-resource-agent"

	// DefaultTestAgentServiceAccount runs the test Job.
	DefaultTestAgentServiceAccount = "testsys-test-agent"

	// AgentContainerName is the name of the single container of every agent Pod.
	AgentContainerName = "agent"

	// maxJobNameLength keeps Job names valid as label values, which the
	// Job controller copies onto its Pods.
	maxJobNameLength = 63
	jobNameHashLength = 8
)

// AgentJob describes one agent invocation to run as a Job.
type AgentJob struct {
	// Name is the Job name; see CreateJobName, DestroyJobName and TestJobName.
	Name   string
	Agent  *testsysv1alpha1.Agent
	Role   testsysv1alpha1.AgentRole
	Action testsysv1alpha1.AgentAction
	// Resource is empty for the test agent.
	Resource string
}

// JobBuilder constructs Kubernetes Jobs for agents.
type JobBuilder struct {
	ResourceAgentServiceAccount string
	TestAgentServiceAccount     string
}

// NewJobBuilder creates a new JobBuilder with the default service accounts.
func NewJobBuilder() *JobBuilder {
	return &JobBuilder{
		ResourceAgentServiceAccount: DefaultResourceAgentServiceAccount,
		TestAgentServiceAccount:     DefaultTestAgentServiceAccount,
	}
}

// Build creates the Job for the given agent invocation of test.
func (b *JobBuilder) Build(test *testsysv1alpha1.Test, spec AgentJob) (*batchv1.Job, error) {
	if spec.Agent == nil {
		return nil, fmt.Errorf("job %q has no agent", spec.Name)
	}
	if spec.Agent.Image == "" {
		return nil, fmt.Errorf("agent %q has no image", spec.Agent.Name)
	}

	var serviceAccount string
	switch spec.Role {
	case testsysv1alpha1.RoleResourceAgent:
		serviceAccount = b.ResourceAgentServiceAccount
		if spec.Resource == "" {
			return nil, fmt.Errorf("resource agent job %q has no resource name", spec.Name)
		}
	case testsysv1alpha1.RoleTestAgent:
		serviceAccount = b.TestAgentServiceAccount
	default:
		return nil, fmt.Errorf("unsupported agent role: %s", spec.Role)
	}

	labels := jobLabels(test, spec)

	env := []corev1.EnvVar{
		{Name: testsysv1alpha1.EnvRole, Value: string(spec.Role)},
		{Name: testsysv1alpha1.EnvAction, Value: string(spec.Action)},
		{Name: testsysv1alpha1.EnvTestName, Value: test.Name},
		{Name: testsysv1alpha1.EnvTestNamespace, Value: test.Namespace},
		{Name: testsysv1alpha1.EnvTestUID, Value: string(test.UID)},
	}
	if spec.Resource != "" {
		env = append(env, corev1.EnvVar{Name: testsysv1alpha1.EnvResourceName, Value: spec.Resource})
	}
	env = append(env, spec.Agent.Env...)

	var pullSecrets []corev1.LocalObjectReference
	if spec.Agent.PullSecret != "" {
		pullSecrets = append(pullSecrets, corev1.LocalObjectReference{Name: spec.Agent.PullSecret})
	}

	job := &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{
			Name:      spec.Name,
			Namespace: test.Namespace,
			Labels:    labels,
		},
		Spec: batchv1.JobSpec{
			BackoffLimit:          ptr.To(int32(0)),
			ActiveDeadlineSeconds: spec.Agent.TimeoutSeconds,
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{
					Labels: copyLabels(labels),
				},
				Spec: corev1.PodSpec{
					ServiceAccountName: serviceAccount,
					RestartPolicy:      corev1.RestartPolicyNever,
					ImagePullSecrets:   pullSecrets,
					Containers: []corev1.Container{
						{
							Name:  AgentContainerName,
							Image: spec.Agent.Image,
							Env:   env,
						},
					},
				},
			},
		},
	}

	return job, nil
}

func jobLabels(test *testsysv1alpha1.Test, spec AgentJob) map[string]string {
	labels := map[string]string{
		testsysv1alpha1.LabelName:      LabelValue(spec.Agent.Name),
		testsysv1alpha1.LabelInstance:  spec.Name,
		testsysv1alpha1.LabelComponent: string(spec.Role),
		testsysv1alpha1.LabelPartOf:    testsysv1alpha1.PartOf,
		testsysv1alpha1.LabelManagedBy: testsysv1alpha1.Controller,
		testsysv1alpha1.LabelCreatedBy: testsysv1alpha1.Controller,
		testsysv1alpha1.LabelTest:      LabelValue(test.Name),
		testsysv1alpha1.LabelAction:    string(spec.Action),
	}
	if spec.Resource != "" {
		labels[testsysv1alpha1.LabelResource] = LabelValue(spec.Resource)
	}
	return labels
}

func copyLabels(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// CreateJobName returns the name of the create Job of resource.
func CreateJobName(test, resource string) string {
	return jobName(test, resource, string(testsysv1alpha1.ActionCreate))
}

// DestroyJobName returns the name of the destroy Job of resource.
func DestroyJobName(test, resource string) string {
	return jobName(test, resource, string(testsysv1alpha1.ActionDestroy))
}

// TestJobName returns the name of the test agent Job.
func TestJobName(test string) string {
	return jobName(test, "test")
}

// jobName joins parts with dashes. Names longer than a DNS label are
// truncated and suffixed with a hash of the full name so they stay unique
// and deterministic.
func jobName(parts ...string) string {
	name := strings.Join(parts, "-")
	if len(name) <= maxJobNameLength {
		return name
	}
	sum := sha256.Sum256([]byte(name))
	suffix := hex.EncodeToString(sum[:])[:jobNameHashLength]
	prefix := strings.TrimRight(name[:maxJobNameLength-jobNameHashLength-1], "-.")
	return prefix + "-" + suffix
}

// LabelValue returns value unchanged when it is a valid label value.
// Otherwise characters labels do not allow become dashes and the result is
// truncated and suffixed with a hash of value, so selecting by LabelValue of
// the same input always matches.
func LabelValue(value string) string {
	if len(validation.IsValidLabelValue(value)) == 0 {
		return value
	}
	sum := sha256.Sum256([]byte(value))
	suffix := hex.EncodeToString(sum[:])[:jobNameHashLength]

	var b strings.Builder
	for _, r := range value {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	prefix := b.String()
	if limit := validation.LabelValueMaxLength - jobNameHashLength - 1; len(prefix) > limit {
		prefix = prefix[:limit]
	}
	prefix = strings.Trim(prefix, "-_.")
	if prefix == "" {
		return suffix
	}
	return prefix + "-" + suffix
}

// JobError is returned when the orchestration API rejects a Job operation.
type JobError struct {
	Op  string
	Job string
	Err error
}

func (e *JobError) Error() string {
	return fmt.Sprintf("%s job %q: %v", e.Op, e.Job, e.Err)
}

func (e *JobError) Unwrap() error {
	return e.Err
}

// JobDeployer creates, inspects and deletes the agent Jobs of Tests.
type JobDeployer struct {
	Client  client.Client
	Scheme  *runtime.Scheme
	Builder *JobBuilder
	// Reader confirms a Job is really gone when Client, usually backed by a
	// cache, does not have it. Optional.
	Reader client.Reader
}

// Deploy builds the Job for spec and submits it with a controller reference
// to test. A Job that already exists under the same name is returned as is,
// so repeated calls for the same invocation create at most one Job.
func (d *JobDeployer) Deploy(ctx context.Context, test *testsysv1alpha1.Test, spec AgentJob) (*batchv1.Job, error) {
	job, err := d.Builder.Build(test, spec)
	if err != nil {
		return nil, &JobError{Op: "build", Job: spec.Name, Err: err}
	}

	if err := controllerutil.SetControllerReference(test, job, d.Scheme); err != nil {
		return nil, &JobError{Op: "build", Job: spec.Name, Err: err}
	}

	if err := d.Client.Create(ctx, job); err != nil {
		if apierrors.IsAlreadyExists(err) {
			return job, nil
		}
		return nil, &JobError{Op: "create", Job: spec.Name, Err: err}
	}

	jobsCreatedTotal.WithLabelValues(string(spec.Role), string(spec.Action)).Inc()
	return job, nil
}

// Get returns the Job named name in the namespace of test, or nil if it does
// not exist.
func (d *JobDeployer) Get(ctx context.Context, test *testsysv1alpha1.Test, name string) (*batchv1.Job, error) {
	if name == "" {
		return nil, nil
	}
	key := client.ObjectKey{Namespace: test.Namespace, Name: name}
	var job batchv1.Job
	err := d.Client.Get(ctx, key, &job)
	if apierrors.IsNotFound(err) && d.Reader != nil {
		err = d.Reader.Get(ctx, key, &job)
	}
	if err != nil {
		if apierrors.IsNotFound(err) {
			return nil, nil
		}
		return nil, &JobError{Op: "get", Job: name, Err: err}
	}
	return &job, nil
}

// DeleteAll requests deletion of every Job of test whose action is one of
// actions, propagating to their Pods in the foreground. It returns how many
// such Jobs still exist, including ones already terminating.
func (d *JobDeployer) DeleteAll(ctx context.Context, test *testsysv1alpha1.Test, actions ...testsysv1alpha1.AgentAction) (int, error) {
	var jobs batchv1.JobList
	if err := d.Client.List(ctx, &jobs,
		client.InNamespace(test.Namespace),
		client.MatchingLabels{testsysv1alpha1.LabelTest: LabelValue(test.Name)},
	); err != nil {
		return 0, &JobError{Op: "list", Job: test.Name, Err: err}
	}

	wanted := make(map[string]bool, len(actions))
	for _, a := range actions {
		wanted[string(a)] = true
	}

	remaining := 0
	propagationPolicy := metav1.DeletePropagationForeground
	for i := range jobs.Items {
		job := &jobs.Items[i]
		if !wanted[job.Labels[testsysv1alpha1.LabelAction]] {
			continue
		}
		remaining++
		if !job.DeletionTimestamp.IsZero() {
			continue
		}
		if err := d.Client.Delete(ctx, job, &client.DeleteOptions{
			PropagationPolicy: &propagationPolicy,
		}); err != nil && !apierrors.IsNotFound(err) {
			return remaining, &JobError{Op: "delete", Job: job.Name, Err: err}
		}
	}
	return remaining, nil
}

// jobSucceeded reports whether job ran its Pod to completion.
func jobSucceeded(job *batchv1.Job) bool {
	if job == nil {
		return false
	}
	if job.Status.Succeeded > 0 {
		return true
	}
	return jobCondition(job, batchv1.JobComplete)
}

// jobFailed reports whether job gave up on its Pod.
func jobFailed(job *batchv1.Job) bool {
	if job == nil {
		return false
	}
	if job.Status.Failed > 0 {
		return true
	}
	return jobCondition(job, batchv1.JobFailed)
}

func jobCondition(job *batchv1.Job, condType batchv1.JobConditionType) bool {
	for _, c := range job.Status.Conditions {
		if c.Type == condType && c.Status == corev1.ConditionTrue {
			return true
		}
	}
	return false
}

package controller

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/record"
	"k8s.io/client-go/util/workqueue"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/controller"
	"sigs.k8s.io/controller-runtime/pkg/log"
	"sigs.k8s.io/controller-runtime/pkg/reconcile"

	testsysv1alpha1 "github.com/kelos-dev/testsys/api/v1alpha1"
)

const (
	// DefaultPollInterval is how often agent reports are re-read while a Job runs.
	DefaultPollInterval = 10 * time.Second

	// reportGracePeriod is how long a finished Job may wait for its agent's
	// status report to become visible before the agent counts as silent.
	reportGracePeriod = 30 * time.Second

	agentLogTailLines = 50
)

// TestReconciler reconciles a Test object.
type TestReconciler struct {
	client.Client
	Scheme     *runtime.Scheme
	Jobs       *JobDeployer
	Finalizers *FinalizerManager
	Clientset  kubernetes.Interface
	Recorder   record.EventRecorder

	PollInterval            time.Duration
	MaxConcurrentReconciles int
	RateLimiter             workqueue.TypedRateLimiter[reconcile.Request]
}

// +kubebuilder:rbac:groups=testsys.kelos.dev,resources=tests,verbs=get;list;watch;update;patch
// +kubebuilder:rbac:groups=testsys.kelos.dev,resources=tests/status,verbs=get;update;patch
// +kubebuilder:rbac:groups=testsys.kelos.dev,resources=tests/finalizers,verbs=update
// +kubebuilder:rbac:groups=batch,resources=jobs,verbs=get;list;watch;create;delete
// +kubebuilder:rbac:groups="",resources=pods,verbs=get;list;watch
// +kubebuilder:rbac:groups="",resources=pods/log,verbs=get
// +kubebuilder:rbac:groups="",resources=events,verbs=create;patch

// Reconcile drives a Test through resource creation, the test run and
// teardown. Every pass reads the Test, makes at most a few API calls and
// returns; progress is recorded in status so a pass can resume after a crash.
func (r *TestReconciler) Reconcile(ctx context.Context, req ctrl.Request) (ctrl.Result, error) {
	logger := log.FromContext(ctx)

	var test testsysv1alpha1.Test
	if err := r.Get(ctx, req.NamespacedName, &test); err != nil {
		if apierrors.IsNotFound(err) {
			return ctrl.Result{}, nil
		}
		logger.Error(err, "Unable to fetch Test")
		reconcileErrorsTotal.WithLabelValues("test").Inc()
		return ctrl.Result{}, fmt.Errorf("test %s: get: %w", req.NamespacedName, err)
	}

	result, err := r.reconcileTest(ctx, &test)
	if apierrors.IsConflict(err) {
		logger.V(1).Info("Test changed during reconcile, requeueing", "error", err)
		return ctrl.Result{Requeue: true}, nil
	}
	return result, err
}

func (r *TestReconciler) reconcileTest(ctx context.Context, test *testsysv1alpha1.Test) (ctrl.Result, error) {
	logger := log.FromContext(ctx)

	if !test.DeletionTimestamp.IsZero() {
		return r.handleDeletion(ctx, test)
	}

	if !HasFinalizer(test, MainFinalizer) {
		if err := r.Finalizers.Add(ctx, test, MainFinalizer); err != nil {
			logger.Error(err, "Unable to add finalizer")
			return ctrl.Result{}, r.reconcileError(test, "add finalizer", err)
		}
		return ctrl.Result{Requeue: true}, nil
	}

	switch phase := controllerStatus(test).Phase; phase {
	case testsysv1alpha1.TestPhaseInitial:
		return r.initialize(ctx, test)
	case testsysv1alpha1.TestPhaseResourcesPending:
		return r.reconcileResources(ctx, test)
	case testsysv1alpha1.TestPhaseTestRunning:
		return r.reconcileTestRun(ctx, test)
	default:
		return ctrl.Result{}, nil
	}
}

// initialize validates the declared resources and records them as Pending.
func (r *TestReconciler) initialize(ctx context.Context, test *testsysv1alpha1.Test) (ctrl.Result, error) {
	logger := log.FromContext(ctx)

	if err := validateResources(test.Spec.Resources); err != nil {
		logger.Info("Rejecting Test with invalid resources", "error", err)
		return r.finish(ctx, test, testsysv1alpha1.TestPhaseFailed, fmt.Sprintf("Invalid resources: %v", err), nil)
	}

	next := testsysv1alpha1.TestPhaseResourcesPending
	if len(test.Spec.Resources) == 0 {
		next = testsysv1alpha1.TestPhaseTestRunning
	}

	now := metav1.Now()
	if err := patchControllerStatus(ctx, r.Client, test, func(s *testsysv1alpha1.ControllerStatus) {
		s.Phase = next
		s.Message = ""
		s.StartTime = &now
		s.Resources = make([]testsysv1alpha1.ResourceStatus, 0, len(test.Spec.Resources))
		for _, res := range test.Spec.Resources {
			s.Resources = append(s.Resources, testsysv1alpha1.ResourceStatus{
				Name:  res.Name,
				Phase: testsysv1alpha1.ResourcePhasePending,
			})
		}
	}); err != nil {
		logger.Error(err, "Unable to update Test status")
		return ctrl.Result{}, r.reconcileError(test, "initialize status", err)
	}

	r.recordEvent(test, corev1.EventTypeNormal, "TestStarted", "Started Test with %d resources", len(test.Spec.Resources))
	return ctrl.Result{Requeue: true}, nil
}

// reconcileResources observes in-flight create Jobs and starts the create
// Job of every Pending resource whose dependencies have been created.
func (r *TestReconciler) reconcileResources(ctx context.Context, test *testsysv1alpha1.Test) (ctrl.Result, error) {
	logger := log.FromContext(ctx)

	resources := controllerStatus(test).Resources
	changed := false
	for i := range resources {
		if resources[i].Phase != testsysv1alpha1.ResourcePhaseCreating {
			continue
		}
		updated, err := r.observeCreate(ctx, test, &resources[i])
		if err != nil {
			return ctrl.Result{}, r.reconcileError(test, "observe create of "+resources[i].Name, err)
		}
		changed = changed || updated
	}

	var failed []string
	allCreated := true
	for _, rs := range resources {
		if rs.Phase == testsysv1alpha1.ResourcePhaseCreateFailed {
			failed = append(failed, fmt.Sprintf("%s (%s)", rs.Name, rs.Message))
		}
		if rs.Phase != testsysv1alpha1.ResourcePhaseCreated {
			allCreated = false
		}
	}

	if len(failed) > 0 {
		return r.finish(ctx, test, testsysv1alpha1.TestPhaseFailed,
			"Resource creation failed: "+strings.Join(failed, ", "), resources)
	}

	if allCreated {
		if err := patchControllerStatus(ctx, r.Client, test, func(s *testsysv1alpha1.ControllerStatus) {
			s.Phase = testsysv1alpha1.TestPhaseTestRunning
			s.Message = ""
			s.Resources = resources
		}); err != nil {
			logger.Error(err, "Unable to update Test status")
			return ctrl.Result{}, r.reconcileError(test, "update status", err)
		}
		r.recordEvent(test, corev1.EventTypeNormal, "ResourcesReady", "All %d resources created", len(resources))
		return ctrl.Result{Requeue: true}, nil
	}

	sequence := maxSequence(resources)
	for i := range resources {
		rs := &resources[i]
		if rs.Phase != testsysv1alpha1.ResourcePhasePending {
			continue
		}
		spec := test.Spec.Resource(rs.Name)
		if spec == nil {
			return r.finish(ctx, test, testsysv1alpha1.TestPhaseFailed,
				fmt.Sprintf("Resource %q is no longer declared", rs.Name), resources)
		}
		if !dependenciesCreated(spec, resources) {
			continue
		}

		if err := r.Finalizers.Add(ctx, test, PodFinalizer); err != nil {
			logger.Error(err, "Unable to add pod finalizer")
			return ctrl.Result{}, r.reconcileError(test, "add pod finalizer", err)
		}

		name := CreateJobName(test.Name, rs.Name)
		if _, err := r.Jobs.Deploy(ctx, test, AgentJob{
			Name:     name,
			Agent:    &spec.Agent,
			Role:     testsysv1alpha1.RoleResourceAgent,
			Action:   testsysv1alpha1.ActionCreate,
			Resource: rs.Name,
		}); err != nil {
			logger.Error(err, "Unable to deploy create Job", "resource", rs.Name)
			return ctrl.Result{}, r.reconcileError(test, "deploy create job", err)
		}

		sequence++
		rs.Phase = testsysv1alpha1.ResourcePhaseCreating
		rs.CreateJob = name
		rs.Sequence = sequence
		changed = true
		logger.Info("Started create Job", "resource", rs.Name, "job", name, "sequence", sequence)
		r.recordEvent(test, corev1.EventTypeNormal, "ResourceCreating", "Started Job %s to create resource %s", name, rs.Name)
	}

	if changed {
		if err := patchControllerStatus(ctx, r.Client, test, func(s *testsysv1alpha1.ControllerStatus) {
			s.Resources = resources
		}); err != nil {
			logger.Error(err, "Unable to update Test status")
			return ctrl.Result{}, r.reconcileError(test, "update status", err)
		}
	}

	return ctrl.Result{RequeueAfter: r.pollInterval()}, nil
}

// observeCreate folds the agent's create report, or the silent exit of its
// Job, into rs. It reports whether rs changed.
func (r *TestReconciler) observeCreate(ctx context.Context, test *testsysv1alpha1.Test, rs *testsysv1alpha1.ResourceStatus) (bool, error) {
	reported := resourceAgentStatus(test, rs.Name)
	switch reported.CreateState {
	case testsysv1alpha1.AgentTaskStateSucceeded:
		rs.Phase = testsysv1alpha1.ResourcePhaseCreated
		rs.Message = ""
		r.recordEvent(test, corev1.EventTypeNormal, "ResourceCreated", "Resource %s created", rs.Name)
		return true, nil
	case testsysv1alpha1.AgentTaskStateFailed:
		rs.Phase = testsysv1alpha1.ResourcePhaseCreateFailed
		rs.Residual = true
		rs.Message = "create failed"
		if reported.CreateError != nil {
			rs.Residual = reported.CreateError.Resources != testsysv1alpha1.ProviderErrorResourcesClear
			rs.Message = reported.CreateError.Message
		}
		r.recordEvent(test, corev1.EventTypeWarning, "ResourceCreateFailed", "Resource %s failed to create: %s", rs.Name, rs.Message)
		return true, nil
	}

	job, err := r.Jobs.Get(ctx, test, rs.CreateJob)
	if err != nil {
		return false, err
	}
	switch {
	case job == nil:
		rs.Message = vanishedMessage(rs.CreateJob)
	case jobExited(job) && !awaitingReport(job):
		rs.Message = r.silentExitMessage(ctx, test, rs.CreateJob)
	default:
		return false, nil
	}
	rs.Phase = testsysv1alpha1.ResourcePhaseCreateFailed
	rs.Residual = true
	r.recordEvent(test, corev1.EventTypeWarning, "ResourceCreateFailed", "Resource %s failed to create: %s", rs.Name, rs.Message)
	return true, nil
}

// reconcileTestRun starts the test agent and waits for its verdict.
func (r *TestReconciler) reconcileTestRun(ctx context.Context, test *testsysv1alpha1.Test) (ctrl.Result, error) {
	logger := log.FromContext(ctx)

	cs := controllerStatus(test)
	if cs.TestJob == "" {
		if err := r.Finalizers.Add(ctx, test, PodFinalizer); err != nil {
			logger.Error(err, "Unable to add pod finalizer")
			return ctrl.Result{}, r.reconcileError(test, "add pod finalizer", err)
		}

		name := TestJobName(test.Name)
		if _, err := r.Jobs.Deploy(ctx, test, AgentJob{
			Name:   name,
			Agent:  &test.Spec.Agent,
			Role:   testsysv1alpha1.RoleTestAgent,
			Action: testsysv1alpha1.ActionRun,
		}); err != nil {
			logger.Error(err, "Unable to deploy test Job")
			return ctrl.Result{}, r.reconcileError(test, "deploy test job", err)
		}

		if err := patchControllerStatus(ctx, r.Client, test, func(s *testsysv1alpha1.ControllerStatus) {
			s.TestJob = name
			s.Message = ""
		}); err != nil {
			logger.Error(err, "Unable to update Test status")
			return ctrl.Result{}, r.reconcileError(test, "update status", err)
		}

		logger.Info("Started test Job", "job", name)
		r.recordEvent(test, corev1.EventTypeNormal, "TestAgentStarted", "Started Job %s to run the test", name)
		return ctrl.Result{RequeueAfter: r.pollInterval()}, nil
	}

	reported := agentStatus(test)
	switch reported.RunState {
	case testsysv1alpha1.TestRunStateDone:
		summary := fmt.Sprintf("%d passed, %d failed, %d skipped", reported.NumPassed, reported.NumFailed, reported.NumSkipped)
		if reported.Outcome == testsysv1alpha1.TestOutcomePass {
			return r.finish(ctx, test, testsysv1alpha1.TestPhaseCompleted, "Test passed: "+summary, nil)
		}
		message := "Test failed: " + summary
		if reported.Error != "" {
			message += ": " + reported.Error
		}
		return r.finish(ctx, test, testsysv1alpha1.TestPhaseFailed, message, nil)
	case testsysv1alpha1.TestRunStateError:
		return r.finish(ctx, test, testsysv1alpha1.TestPhaseFailed, "Test agent error: "+reported.Error, nil)
	}

	job, err := r.Jobs.Get(ctx, test, cs.TestJob)
	if err != nil {
		return ctrl.Result{}, r.reconcileError(test, "get test job", err)
	}
	if job == nil {
		return r.finish(ctx, test, testsysv1alpha1.TestPhaseFailed, vanishedMessage(cs.TestJob), nil)
	}
	if jobExited(job) && !awaitingReport(job) {
		return r.finish(ctx, test, testsysv1alpha1.TestPhaseFailed, r.silentExitMessage(ctx, test, cs.TestJob), nil)
	}

	return ctrl.Result{RequeueAfter: r.pollInterval()}, nil
}

// finish moves test to a terminal phase. When resources is non-nil it
// replaces the recorded resource pointers in the same write.
func (r *TestReconciler) finish(ctx context.Context, test *testsysv1alpha1.Test, phase testsysv1alpha1.TestPhase, message string, resources []testsysv1alpha1.ResourceStatus) (ctrl.Result, error) {
	logger := log.FromContext(ctx)

	now := metav1.Now()
	if err := patchControllerStatus(ctx, r.Client, test, func(s *testsysv1alpha1.ControllerStatus) {
		s.Phase = phase
		s.Message = message
		s.CompletionTime = &now
		if resources != nil {
			s.Resources = resources
		}
	}); err != nil {
		logger.Error(err, "Unable to update Test status")
		return ctrl.Result{}, r.reconcileError(test, "update status", err)
	}

	testsFinishedTotal.WithLabelValues(string(phase)).Inc()
	if start := test.Status.Controller.StartTime; start != nil {
		testDurationSeconds.WithLabelValues(string(phase)).Observe(now.Sub(start.Time).Seconds())
	}

	if phase == testsysv1alpha1.TestPhaseCompleted {
		logger.Info("Test completed", "message", message)
		r.recordEvent(test, corev1.EventTypeNormal, "TestCompleted", "%s", message)
	} else {
		logger.Info("Test failed", "message", message)
		r.recordEvent(test, corev1.EventTypeWarning, "TestFailed", "%s", message)
	}
	return ctrl.Result{}, nil
}

// handleDeletion stops every create and run Job, then tears resources down in
// reverse creation order and finally releases the Test.
func (r *TestReconciler) handleDeletion(ctx context.Context, test *testsysv1alpha1.Test) (ctrl.Result, error) {
	logger := log.FromContext(ctx)

	if !HasFinalizer(test, MainFinalizer) && !HasFinalizer(test, PodFinalizer) {
		return ctrl.Result{}, nil
	}

	if controllerStatus(test).Phase != testsysv1alpha1.TestPhaseDeleting {
		resources := controllerStatus(test).Resources
		for i := range resources {
			rs := &resources[i]
			if rs.Phase != testsysv1alpha1.ResourcePhaseCreating {
				continue
			}
			if _, err := r.observeCreate(ctx, test, rs); err != nil {
				return ctrl.Result{}, r.reconcileError(test, "observe create of "+rs.Name, err)
			}
			if rs.Phase == testsysv1alpha1.ResourcePhaseCreating {
				rs.Phase = testsysv1alpha1.ResourcePhaseCreateFailed
				rs.Residual = true
				rs.Message = "Creation interrupted by deletion"
			}
		}
		if err := patchControllerStatus(ctx, r.Client, test, func(s *testsysv1alpha1.ControllerStatus) {
			s.Phase = testsysv1alpha1.TestPhaseDeleting
			s.Message = "Deletion requested"
			s.Resources = resources
		}); err != nil {
			logger.Error(err, "Unable to update Test status")
			return ctrl.Result{}, r.reconcileError(test, "update status", err)
		}
		r.recordEvent(test, corev1.EventTypeNormal, "TestDeleting", "Deletion requested, stopping agent Jobs")
	}

	if HasFinalizer(test, PodFinalizer) {
		remaining, err := r.Jobs.DeleteAll(ctx, test, testsysv1alpha1.ActionCreate, testsysv1alpha1.ActionRun)
		if err != nil {
			logger.Error(err, "Unable to delete agent Jobs")
			return ctrl.Result{}, r.reconcileError(test, "delete agent jobs", err)
		}
		if remaining > 0 {
			logger.Info("Waiting for agent Jobs to terminate", "remaining", remaining)
			return ctrl.Result{RequeueAfter: r.pollInterval()}, nil
		}
		if err := r.Finalizers.Remove(ctx, test, PodFinalizer); err != nil {
			logger.Error(err, "Unable to remove pod finalizer")
			return ctrl.Result{}, r.reconcileError(test, "remove pod finalizer", err)
		}
	}

	if !HasFinalizer(test, MainFinalizer) {
		return ctrl.Result{}, nil
	}
	if !IsSafeToDelete(test) {
		logger.Info("Waiting for other finalizers before teardown", "finalizers", test.Finalizers)
		return ctrl.Result{RequeueAfter: r.pollInterval()}, nil
	}

	return r.teardown(ctx, test)
}

// teardown runs destroy Jobs one at a time, highest creation sequence first.
// A failed destroy halts teardown so that no dependency is destroyed while a
// dependent may still exist.
func (r *TestReconciler) teardown(ctx context.Context, test *testsysv1alpha1.Test) (ctrl.Result, error) {
	logger := log.FromContext(ctx)

	resources := controllerStatus(test).Resources
	changed := false

	for i := range resources {
		rs := &resources[i]
		switch rs.Phase {
		case testsysv1alpha1.ResourcePhaseDestroyFailed:
			logger.Info("Teardown halted", "resource", rs.Name, "message", rs.Message)
			return ctrl.Result{}, nil
		case testsysv1alpha1.ResourcePhaseDestroying:
			done, err := r.observeDestroy(ctx, test, rs)
			if err != nil {
				return ctrl.Result{}, r.reconcileError(test, "observe destroy of "+rs.Name, err)
			}
			if !done {
				return ctrl.Result{RequeueAfter: r.pollInterval()}, nil
			}
			changed = true
			if rs.Phase == testsysv1alpha1.ResourcePhaseDestroyFailed {
				message := fmt.Sprintf("Teardown halted: resource %s failed to destroy: %s; remove finalizer %q to abandon it",
					rs.Name, rs.Message, MainFinalizer)
				if err := patchControllerStatus(ctx, r.Client, test, func(s *testsysv1alpha1.ControllerStatus) {
					s.Message = message
					s.Resources = resources
				}); err != nil {
					logger.Error(err, "Unable to update Test status")
					return ctrl.Result{}, r.reconcileError(test, "update status", err)
				}
				r.recordEvent(test, corev1.EventTypeWarning, "TeardownHalted", "%s", message)
				return ctrl.Result{}, nil
			}
		}
	}

	for i := range resources {
		rs := &resources[i]
		if !needsDestroy(rs) {
			continue
		}
		spec := test.Spec.Resource(rs.Name)
		if destructionPolicy(spec) == testsysv1alpha1.DestructionPolicyNever || spec == nil {
			rs.Phase = testsysv1alpha1.ResourcePhaseSkipped
			rs.Message = "Left in place by destruction policy"
			if spec == nil {
				rs.Message = "Resource is no longer declared"
			}
			resourcesDestroyedTotal.WithLabelValues("skipped").Inc()
			changed = true
		}
	}

	if next := nextToDestroy(resources); next != nil {
		spec := test.Spec.Resource(next.Name)
		name := DestroyJobName(test.Name, next.Name)
		if _, err := r.Jobs.Deploy(ctx, test, AgentJob{
			Name:     name,
			Agent:    &spec.Agent,
			Role:     testsysv1alpha1.RoleResourceAgent,
			Action:   testsysv1alpha1.ActionDestroy,
			Resource: next.Name,
		}); err != nil {
			logger.Error(err, "Unable to deploy destroy Job", "resource", next.Name)
			return ctrl.Result{}, r.reconcileError(test, "deploy destroy job", err)
		}
		next.Phase = testsysv1alpha1.ResourcePhaseDestroying
		next.DestroyJob = name
		if err := patchControllerStatus(ctx, r.Client, test, func(s *testsysv1alpha1.ControllerStatus) {
			s.Message = "Destroying resource " + next.Name
			s.Resources = resources
		}); err != nil {
			logger.Error(err, "Unable to update Test status")
			return ctrl.Result{}, r.reconcileError(test, "update status", err)
		}
		logger.Info("Started destroy Job", "resource", next.Name, "job", name, "sequence", next.Sequence)
		r.recordEvent(test, corev1.EventTypeNormal, "ResourceDestroying", "Started Job %s to destroy resource %s", name, next.Name)
		return ctrl.Result{RequeueAfter: r.pollInterval()}, nil
	}

	if changed {
		if err := patchControllerStatus(ctx, r.Client, test, func(s *testsysv1alpha1.ControllerStatus) {
			s.Resources = resources
		}); err != nil {
			logger.Error(err, "Unable to update Test status")
			return ctrl.Result{}, r.reconcileError(test, "update status", err)
		}
	}

	if err := r.Finalizers.Remove(ctx, test, MainFinalizer); err != nil {
		logger.Error(err, "Unable to remove finalizer")
		return ctrl.Result{}, r.reconcileError(test, "remove finalizer", err)
	}
	logger.Info("Teardown complete, released Test")
	return ctrl.Result{}, nil
}

// observeDestroy folds the agent's destroy report, or the silent exit of its
// Job, into rs. It reports whether the destroy has finished either way.
func (r *TestReconciler) observeDestroy(ctx context.Context, test *testsysv1alpha1.Test, rs *testsysv1alpha1.ResourceStatus) (bool, error) {
	reported := resourceAgentStatus(test, rs.Name)
	switch reported.DestroyState {
	case testsysv1alpha1.AgentTaskStateSucceeded:
		rs.Phase = testsysv1alpha1.ResourcePhaseDestroyed
		rs.Message = ""
		resourcesDestroyedTotal.WithLabelValues("destroyed").Inc()
		r.recordEvent(test, corev1.EventTypeNormal, "ResourceDestroyed", "Resource %s destroyed", rs.Name)
		return true, nil
	case testsysv1alpha1.AgentTaskStateFailed:
		rs.Phase = testsysv1alpha1.ResourcePhaseDestroyFailed
		rs.Message = "destroy failed"
		if reported.DestroyError != nil {
			rs.Message = reported.DestroyError.Message
		}
		resourcesDestroyedTotal.WithLabelValues("failed").Inc()
		return true, nil
	}

	job, err := r.Jobs.Get(ctx, test, rs.DestroyJob)
	if err != nil {
		return false, err
	}
	switch {
	case job == nil:
		rs.Message = vanishedMessage(rs.DestroyJob)
	case jobExited(job) && !awaitingReport(job):
		rs.Message = r.silentExitMessage(ctx, test, rs.DestroyJob)
	default:
		return false, nil
	}
	rs.Phase = testsysv1alpha1.ResourcePhaseDestroyFailed
	resourcesDestroyedTotal.WithLabelValues("failed").Inc()
	return true, nil
}

// needsDestroy reports whether rs may have left something behind.
func needsDestroy(rs *testsysv1alpha1.ResourceStatus) bool {
	switch rs.Phase {
	case testsysv1alpha1.ResourcePhaseCreated:
		return true
	case testsysv1alpha1.ResourcePhaseCreateFailed:
		return rs.Residual
	}
	return false
}

// nextToDestroy returns the resource with the highest sequence that still
// needs a destroy Job, or nil.
func nextToDestroy(resources []testsysv1alpha1.ResourceStatus) *testsysv1alpha1.ResourceStatus {
	var next *testsysv1alpha1.ResourceStatus
	for i := range resources {
		rs := &resources[i]
		if !needsDestroy(rs) {
			continue
		}
		if next == nil || rs.Sequence > next.Sequence {
			next = rs
		}
	}
	return next
}

func maxSequence(resources []testsysv1alpha1.ResourceStatus) int32 {
	var highest int32
	for _, rs := range resources {
		if rs.Sequence > highest {
			highest = rs.Sequence
		}
	}
	return highest
}

func dependenciesCreated(spec *testsysv1alpha1.ResourceSpec, resources []testsysv1alpha1.ResourceStatus) bool {
	for _, dep := range spec.DependsOn {
		rs := findResource(resources, dep)
		if rs == nil || rs.Phase != testsysv1alpha1.ResourcePhaseCreated {
			return false
		}
	}
	return true
}

func jobExited(job *batchv1.Job) bool {
	return jobSucceeded(job) || jobFailed(job)
}

// awaitingReport reports whether job finished so recently that its agent's
// final status write may not be visible yet.
func awaitingReport(job *batchv1.Job) bool {
	finishedAt := jobFinishTime(job)
	return !finishedAt.IsZero() && time.Since(finishedAt) < reportGracePeriod
}

func jobFinishTime(job *batchv1.Job) time.Time {
	if job.Status.CompletionTime != nil {
		return job.Status.CompletionTime.Time
	}
	for _, c := range job.Status.Conditions {
		if (c.Type == batchv1.JobComplete || c.Type == batchv1.JobFailed) && c.Status == corev1.ConditionTrue {
			return c.LastTransitionTime.Time
		}
	}
	return time.Time{}
}

// silentExitMessage describes an agent Job that exited without publishing a
// result, including the error the agent printed if one can be read.
func (r *TestReconciler) silentExitMessage(ctx context.Context, test *testsysv1alpha1.Test, jobName string) string {
	message := fmt.Sprintf("Agent Job %s exited without reporting", jobName)
	if reason := r.readAgentError(ctx, test.Namespace, jobName); reason != "" {
		message += ": " + reason
	}
	return message
}

// vanishedMessage describes an agent Job that was deleted before its agent
// published a result.
func vanishedMessage(jobName string) string {
	return fmt.Sprintf("Agent Job %s was deleted before its agent reported", jobName)
}

// readAgentError reads the tail of the agent Pod log of jobName and extracts
// the framed error the agent runtime prints on a fatal exit.
func (r *TestReconciler) readAgentError(ctx context.Context, namespace, jobName string) string {
	if r.Clientset == nil {
		return ""
	}
	logger := log.FromContext(ctx)

	var pods corev1.PodList
	if err := r.List(ctx, &pods, client.InNamespace(namespace), client.MatchingLabels{
		testsysv1alpha1.LabelInstance: jobName,
	}); err != nil || len(pods.Items) == 0 {
		return ""
	}

	tailLines := int64(agentLogTailLines)
	req := r.Clientset.CoreV1().Pods(namespace).GetLogs(pods.Items[0].Name, &corev1.PodLogOptions{
		Container: AgentContainerName,
		TailLines: &tailLines,
	})
	stream, err := req.Stream(ctx)
	if err != nil {
		logger.V(1).Info("Unable to read agent Pod logs", "pod", pods.Items[0].Name, "error", err)
		return ""
	}
	defer stream.Close()

	data, err := io.ReadAll(stream)
	if err != nil {
		logger.V(1).Info("Unable to read agent Pod log stream", "pod", pods.Items[0].Name, "error", err)
		return ""
	}
	return ParseAgentError(string(data))
}

func (r *TestReconciler) pollInterval() time.Duration {
	if r.PollInterval <= 0 {
		return DefaultPollInterval
	}
	return r.PollInterval
}

func (r *TestReconciler) reconcileError(test *testsysv1alpha1.Test, op string, err error) error {
	if !apierrors.IsConflict(err) {
		reconcileErrorsTotal.WithLabelValues("test").Inc()
	}
	return fmt.Errorf("test %s/%s: %s: %w", test.Namespace, test.Name, op, err)
}

// recordEvent records a Kubernetes Event on the given object if a Recorder is configured.
func (r *TestReconciler) recordEvent(obj runtime.Object, eventType, reason, messageFmt string, args ...interface{}) {
	if r.Recorder != nil {
		r.Recorder.Eventf(obj, eventType, reason, messageFmt, args...)
	}
}

// SetupWithManager sets up the controller with the Manager.
func (r *TestReconciler) SetupWithManager(mgr ctrl.Manager) error {
	return ctrl.NewControllerManagedBy(mgr).
		For(&testsysv1alpha1.Test{}).
		Owns(&batchv1.Job{}).
		WithOptions(controller.Options{
			MaxConcurrentReconciles: r.MaxConcurrentReconciles,
			RateLimiter:             r.RateLimiter,
		}).
		Complete(r)
}

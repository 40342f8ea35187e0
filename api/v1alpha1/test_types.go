package v1alpha1

import (
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
)

// TestPhase represents the lifecycle phase of a Test as seen by the controller.
type TestPhase string

const (
	// TestPhaseInitial means the controller has not yet taken ownership of the Test.
	TestPhaseInitial TestPhase = ""
	// TestPhaseResourcesPending means one or more resources are not created yet.
	TestPhaseResourcesPending TestPhase = "ResourcesPending"
	// TestPhaseTestRunning means all resources exist and the test agent is running.
	TestPhaseTestRunning TestPhase = "TestRunning"
	// TestPhaseCompleted means the test agent finished and reported a passing outcome.
	TestPhaseCompleted TestPhase = "Completed"
	// TestPhaseFailed means a resource or the test agent failed.
	TestPhaseFailed TestPhase = "Failed"
	// TestPhaseDeleting means deletion was requested and cleanup is in progress.
	TestPhaseDeleting TestPhase = "Deleting"
)

// IsTerminal reports whether no further work happens until deletion is requested.
func (p TestPhase) IsTerminal() bool {
	return p == TestPhaseCompleted || p == TestPhaseFailed
}

// ResourcePhase is the controller's view of a single declared resource.
type ResourcePhase string

const (
	ResourcePhasePending       ResourcePhase = "Pending"
	ResourcePhaseCreating      ResourcePhase = "Creating"
	ResourcePhaseCreated       ResourcePhase = "Created"
	ResourcePhaseCreateFailed  ResourcePhase = "CreateFailed"
	ResourcePhaseDestroying    ResourcePhase = "Destroying"
	ResourcePhaseDestroyed     ResourcePhase = "Destroyed"
	ResourcePhaseDestroyFailed ResourcePhase = "DestroyFailed"
	// ResourcePhaseSkipped means teardown was not attempted because of the destruction policy.
	ResourcePhaseSkipped ResourcePhase = "Skipped"
)

// DestructionPolicy controls whether a resource is destroyed when its Test is deleted.
type DestructionPolicy string

const (
	// DestructionPolicyOnDeletion destroys the resource when the Test is deleted.
	DestructionPolicyOnDeletion DestructionPolicy = "OnDeletion"
	// DestructionPolicyNever leaves the resource in place.
	DestructionPolicyNever DestructionPolicy = "Never"
)

// ProviderErrorResources tells the controller whether a failed agent left anything behind.
type ProviderErrorResources string

const (
	// ProviderErrorResourcesClear means nothing was created; destroy must not be attempted.
	ProviderErrorResourcesClear ProviderErrorResources = "Clear"
	// ProviderErrorResourcesRemaining means partial state may exist; destroy must be attempted.
	ProviderErrorResourcesRemaining ProviderErrorResources = "Remaining"
)

// AgentTaskState is the state of a single create, destroy or run invocation as published by an agent.
type AgentTaskState string

const (
	AgentTaskStateUnknown   AgentTaskState = ""
	AgentTaskStateRunning   AgentTaskState = "Running"
	AgentTaskStateSucceeded AgentTaskState = "Succeeded"
	AgentTaskStateFailed    AgentTaskState = "Failed"
)

// TestRunState is published by the test agent.
type TestRunState string

const (
	TestRunStateUnknown TestRunState = ""
	TestRunStateRunning TestRunState = "Running"
	// TestRunStateDone means the test ran to completion; the outcome says whether it passed.
	TestRunStateDone TestRunState = "Done"
	// TestRunStateError means the test agent could not run the test.
	TestRunStateError TestRunState = "Error"
)

// TestOutcome is the result of a test that ran to completion.
type TestOutcome string

const (
	TestOutcomePass TestOutcome = "Pass"
	TestOutcomeFail TestOutcome = "Fail"
)

// Agent describes a container image that implements a resource agent or a test agent.
type Agent struct {
	// Name identifies the agent and is used as the app.kubernetes.io/name label of its Jobs.
	// +kubebuilder:validation:Required
	Name string `json:"name"`

	// Image is the container image reference.
	// +kubebuilder:validation:Required
	Image string `json:"image"`

	// PullSecret optionally names a Secret used to pull Image.
	// +optional
	PullSecret string `json:"pullSecret,omitempty"`

	// Configuration is passed to the agent verbatim. String values of the
	// form ${resource.path} are resolved by the agent runtime against the
	// named resource's created output.
	// +optional
	// +kubebuilder:pruning:PreserveUnknownFields
	// +kubebuilder:validation:Schemaless
	Configuration *runtime.RawExtension `json:"configuration,omitempty"`

	// TimeoutSeconds bounds how long a single agent Job may run.
	// +optional
	// +kubebuilder:validation:Minimum=1
	TimeoutSeconds *int64 `json:"timeoutSeconds,omitempty"`

	// Env is appended after the environment the controller provides.
	// +optional
	Env []corev1.EnvVar `json:"env,omitempty"`
}

// ResourceSpec declares a resource that must exist before the test agent runs.
type ResourceSpec struct {
	// Name is unique within the Test.
	// +kubebuilder:validation:Required
	// +kubebuilder:validation:Pattern=`^[a-z0-9]([-a-z0-9]*[a-z0-9])?$`
	// +kubebuilder:validation:MaxLength=40
	Name string `json:"name"`

	// Agent is the resource agent that creates and destroys this resource.
	// +kubebuilder:validation:Required
	Agent Agent `json:"agent"`

	// DependsOn lists resources whose created output this resource consumes.
	// +optional
	DependsOn []string `json:"dependsOn,omitempty"`

	// DestructionPolicy defaults to OnDeletion.
	// +optional
	// +kubebuilder:validation:Enum=OnDeletion;Never
	DestructionPolicy DestructionPolicy `json:"destructionPolicy,omitempty"`
}

// TestSpec defines the desired state of Test.
type TestSpec struct {
	// Agent is the test agent run once every resource is created.
	// +kubebuilder:validation:Required
	Agent Agent `json:"agent"`

	// Resources are created before the test agent runs.
	// +optional
	Resources []ResourceSpec `json:"resources,omitempty"`
}

// ResourceStatus is the controller's pointer to one declared resource.
type ResourceStatus struct {
	Name  string        `json:"name"`
	Phase ResourcePhase `json:"phase"`

	// CreateJob is the name of the Job running the create action.
	// +optional
	CreateJob string `json:"createJob,omitempty"`

	// DestroyJob is the name of the Job running the destroy action.
	// +optional
	DestroyJob string `json:"destroyJob,omitempty"`

	// Sequence is the creation order of the resource, starting at 1.
	// Resources are destroyed in descending Sequence.
	// +optional
	Sequence int32 `json:"sequence,omitempty"`

	// Residual is true when a failed create may have left state behind.
	// +optional
	Residual bool `json:"residual,omitempty"`

	// +optional
	Message string `json:"message,omitempty"`
}

// ControllerStatus is written only by the controller.
type ControllerStatus struct {
	// +optional
	Phase TestPhase `json:"phase,omitempty"`

	// +optional
	Message string `json:"message,omitempty"`

	// TestJob is the name of the test agent Job.
	// +optional
	TestJob string `json:"testJob,omitempty"`

	// +optional
	Resources []ResourceStatus `json:"resources,omitempty"`

	// +optional
	StartTime *metav1.Time `json:"startTime,omitempty"`

	// +optional
	CompletionTime *metav1.Time `json:"completionTime,omitempty"`
}

// ProviderErrorStatus is the serialized form of an error returned by a provider.
type ProviderErrorStatus struct {
	Resources ProviderErrorResources `json:"resources"`
	Message   string                 `json:"message"`
}

// ResourceAgentStatus is written only by the agent of the resource it is keyed under.
type ResourceAgentStatus struct {
	// Info is the provider's scratch document, the Info side channel.
	// +optional
	// +kubebuilder:pruning:PreserveUnknownFields
	// +kubebuilder:validation:Schemaless
	Info *runtime.RawExtension `json:"info,omitempty"`

	// Resource is the provider's created output, handed to dependents.
	// +optional
	// +kubebuilder:pruning:PreserveUnknownFields
	// +kubebuilder:validation:Schemaless
	Resource *runtime.RawExtension `json:"resource,omitempty"`

	// +optional
	CreateState AgentTaskState `json:"createState,omitempty"`
	// +optional
	CreateError *ProviderErrorStatus `json:"createError,omitempty"`
	// +optional
	DestroyState AgentTaskState `json:"destroyState,omitempty"`
	// +optional
	DestroyError *ProviderErrorStatus `json:"destroyError,omitempty"`
}

// AgentStatus is written only by agents. The top-level fields belong to the
// test agent; Resources entries belong to the matching resource agents.
type AgentStatus struct {
	// +optional
	RunState TestRunState `json:"runState,omitempty"`
	// +optional
	Outcome TestOutcome `json:"outcome,omitempty"`
	// +optional
	NumPassed int64 `json:"numPassed,omitempty"`
	// +optional
	NumFailed int64 `json:"numFailed,omitempty"`
	// +optional
	NumSkipped int64 `json:"numSkipped,omitempty"`

	// Results holds agent specific detail about the run.
	// +optional
	// +kubebuilder:pruning:PreserveUnknownFields
	// +kubebuilder:validation:Schemaless
	Results *runtime.RawExtension `json:"results,omitempty"`

	// +optional
	Error string `json:"error,omitempty"`

	// +optional
	Resources map[string]ResourceAgentStatus `json:"resources,omitempty"`
}

// TestStatus defines the observed state of Test.
type TestStatus struct {
	// +optional
	Controller *ControllerStatus `json:"controller,omitempty"`
	// +optional
	Agent *AgentStatus `json:"agent,omitempty"`
}

// +kubebuilder:object:root=true
// +kubebuilder:subresource:status
// +kubebuilder:printcolumn:name="Phase",type=string,JSONPath=`.status.controller.phase`
// +kubebuilder:printcolumn:name="Outcome",type=string,JSONPath=`.status.agent.outcome`
// +kubebuilder:printcolumn:name="Age",type=date,JSONPath=`.metadata.creationTimestamp`

// Test is the Schema for the tests API.
type Test struct {
	metav1.TypeMeta   `json:",inline"`
	metav1.ObjectMeta `json:"metadata,omitempty"`

	Spec   TestSpec   `json:"spec,omitempty"`
	Status TestStatus `json:"status,omitempty"`
}

// +kubebuilder:object:root=true

// TestList contains a list of Test.
type TestList struct {
	metav1.TypeMeta `json:",inline"`
	metav1.ListMeta `json:"metadata,omitempty"`
	Items           []Test `json:"items"`
}

// Resource returns the declared resource with the given name, or nil.
func (s *TestSpec) Resource(name string) *ResourceSpec {
	for i := range s.Resources {
		if s.Resources[i].Name == name {
			return &s.Resources[i]
		}
	}
	return nil
}

func init() {
	SchemeBuilder.Register(&Test{}, &TestList{})
}

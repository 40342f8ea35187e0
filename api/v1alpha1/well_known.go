package v1alpha1

// Labels set on every agent Job and its Pod template.
const (
	LabelName      = "app.kubernetes.io/name"
	LabelInstance  = "app.kubernetes.io/instance"
	LabelComponent = "app.kubernetes.io/component"
	LabelPartOf    = "app.kubernetes.io/part-of"
	LabelManagedBy = "app.kubernetes.io/managed-by"
	LabelCreatedBy = "app.kubernetes.io/created-by"

	// LabelTest holds the owning Test name and is used to select its Jobs.
	LabelTest = "testsys.kelos.dev/test"
	// LabelResource holds the resource name for resource agent Jobs.
	LabelResource = "testsys.kelos.dev/resource"
	// LabelAction holds the AgentAction of the Job.
	LabelAction = "testsys.kelos.dev/action"

	PartOf     = "testsys"
	Controller = "testsys-controller"
)

// AgentRole selects the execution identity of an agent Job.
type AgentRole string

const (
	RoleResourceAgent AgentRole = "resource-agent"
	RoleTestAgent     AgentRole = "test-agent"
)

// AgentAction tells an agent process what to do.
type AgentAction string

const (
	ActionCreate  AgentAction = "create"
	ActionDestroy AgentAction = "destroy"
	ActionRun     AgentAction = "run"
)

// Environment variables handed to every agent process.
const (
	EnvRole          = "TESTSYS_ROLE"
	EnvAction        = "TESTSYS_ACTION"
	EnvTestName      = "TESTSYS_TEST_NAME"
	EnvTestNamespace = "TESTSYS_TEST_NAMESPACE"
	EnvTestUID       = "TESTSYS_TEST_UID"
	EnvResourceName  = "TESTSYS_RESOURCE_NAME"
	EnvLogLevel      = "TESTSYS_LOG_LEVEL"
)

// AgentErrorStartMarker and AgentErrorEndMarker frame the error an agent
// prints to its log when it exits without being able to publish it in the
// Test status.
const (
	AgentErrorStartMarker = "---TESTSYS_AGENT_ERROR_START---"
	AgentErrorEndMarker   = "---TESTSYS_AGENT_ERROR_END---"
)

package integration

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	dto "github.com/prometheus/client_model/go"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/types"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/metrics"

	testsysv1alpha1 "github.com/kelos-dev/testsys/api/v1alpha1"
	"github.com/kelos-dev/testsys/internal/agents/assertion"
	"github.com/kelos-dev/testsys/internal/agents/duplicator"
	"github.com/kelos-dev/testsys/internal/controller"
	"github.com/kelos-dev/testsys/pkg/agent"
	"github.com/kelos-dev/testsys/pkg/provider"
	"github.com/kelos-dev/testsys/pkg/testagent"
)

const (
	timeout  = 30 * time.Second
	interval = 250 * time.Millisecond
)

// leakyProvider fails every create after leaving something behind and
// counts destroy calls.
type leakyProvider struct {
	destroys int
}

func (p *leakyProvider) Create(ctx context.Context, spec provider.Spec[duplicator.DuplicationRequest], info provider.InfoClient[duplicator.Memo]) (duplicator.DuplicatedData, error) {
	return duplicator.DuplicatedData{}, provider.Wrap(errors.New("quota exceeded"), testsysv1alpha1.ProviderErrorResourcesRemaining, "Half-created cluster")
}

func (p *leakyProvider) Destroy(ctx context.Context, spec *provider.Spec[duplicator.DuplicationRequest], resource *duplicator.DuplicatedData, info provider.InfoClient[duplicator.Memo]) error {
	p.destroys++
	return nil
}

func createNamespace(name string) {
	ns := &corev1.Namespace{ObjectMeta: metav1.ObjectMeta{Name: name}}
	Expect(k8sClient.Create(ctx, ns)).Should(Succeed())
}

func rawConfig(v any) *runtime.RawExtension {
	data, err := json.Marshal(v)
	Expect(err).NotTo(HaveOccurred())
	return &runtime.RawExtension{Raw: data}
}

func duplicatorResource(name string, info any, dependsOn ...string) testsysv1alpha1.ResourceSpec {
	return testsysv1alpha1.ResourceSpec{
		Name: name,
		Agent: testsysv1alpha1.Agent{
			Name:          "duplicator",
			Image:         "testsys/duplicator-resource-agent:dev",
			Configuration: rawConfig(map[string]any{"info": info}),
		},
		DependsOn: dependsOn,
	}
}

func assertionAgent(assertions ...map[string]any) testsysv1alpha1.Agent {
	return testsysv1alpha1.Agent{
		Name:          "assertion",
		Image:         "testsys/assertion-test-agent:dev",
		Configuration: rawConfig(map[string]any{"assertions": assertions}),
	}
}

func getTest(key types.NamespacedName) *testsysv1alpha1.Test {
	var test testsysv1alpha1.Test
	Expect(k8sClient.Get(ctx, key, &test)).Should(Succeed())
	return &test
}

func phaseOf(key types.NamespacedName) func() testsysv1alpha1.TestPhase {
	return func() testsysv1alpha1.TestPhase {
		var test testsysv1alpha1.Test
		if err := k8sClient.Get(ctx, key, &test); err != nil || test.Status.Controller == nil {
			return ""
		}
		return test.Status.Controller.Phase
	}
}

// waitForJob returns the named agent Job once the controller has created it.
func waitForJob(namespace, name string) *batchv1.Job {
	var job batchv1.Job
	Eventually(func() error {
		return k8sClient.Get(ctx, types.NamespacedName{Namespace: namespace, Name: name}, &job)
	}, timeout, interval).Should(Succeed())
	return &job
}

// bootstrapFor reads the agent environment from the container of job, the
// same way an agent process would from its own environment.
func bootstrapFor(job *batchv1.Job) *agent.Bootstrap {
	env := map[string]string{}
	for _, e := range job.Spec.Template.Spec.Containers[0].Env {
		env[e.Name] = e.Value
	}
	b := &agent.Bootstrap{
		Role:      testsysv1alpha1.AgentRole(env[testsysv1alpha1.EnvRole]),
		Action:    testsysv1alpha1.AgentAction(env[testsysv1alpha1.EnvAction]),
		TestName:  env[testsysv1alpha1.EnvTestName],
		Namespace: env[testsysv1alpha1.EnvTestNamespace],
		TestUID:   env[testsysv1alpha1.EnvTestUID],
		Resource:  env[testsysv1alpha1.EnvResourceName],
	}
	Expect(b.Validate()).To(Succeed())
	return b
}

// runResourceAgent plays the Pod of job in process with p.
func runResourceAgent(job *batchv1.Job, p interface {
	provider.Creator[duplicator.DuplicationRequest, duplicator.DuplicatedData, duplicator.Memo]
	provider.Destroyer[duplicator.DuplicationRequest, duplicator.DuplicatedData, duplicator.Memo]
}) error {
	b := bootstrapFor(job)
	ra := &provider.ResourceAgent[duplicator.DuplicationRequest, duplicator.DuplicatedData, duplicator.Memo]{
		Creator:   p,
		Destroyer: p,
		Bootstrap: b,
		Status:    agent.NewStatusClientFor(k8sClient, b),
		Log:       GinkgoLogr,
	}
	return ra.Run(ctx)
}

func runTestAgent(job *batchv1.Job) error {
	b := bootstrapFor(job)
	ta := &testagent.TestAgent[assertion.Config]{
		Runner:    assertion.Runner{},
		Bootstrap: b,
		Status:    agent.NewStatusClientFor(k8sClient, b),
		Log:       GinkgoLogr,
	}
	return ta.Run(ctx)
}

// releaseTerminatingJobs drops the foreground deletion finalizer from Jobs
// in namespace, standing in for the garbage collector envtest does not run.
func releaseTerminatingJobs(namespace string) {
	var jobs batchv1.JobList
	Expect(k8sClient.List(ctx, &jobs, client.InNamespace(namespace))).Should(Succeed())
	for i := range jobs.Items {
		job := &jobs.Items[i]
		if job.DeletionTimestamp.IsZero() || len(job.Finalizers) == 0 {
			continue
		}
		patch := client.MergeFrom(job.DeepCopy())
		job.Finalizers = nil
		if err := k8sClient.Patch(ctx, job, patch); err != nil && !apierrors.IsNotFound(err) {
			Expect(err).NotTo(HaveOccurred())
		}
	}
}

// getMetricValue returns the value of the counter name with match among its
// labels, or 0 when the series does not exist yet.
func getMetricValue(name string, match map[string]string) float64 {
	families, err := metrics.Registry.Gather()
	Expect(err).NotTo(HaveOccurred())
	for _, family := range families {
		if family.GetName() != name {
			continue
		}
		for _, m := range family.GetMetric() {
			if labelsMatch(m, match) {
				return m.GetCounter().GetValue()
			}
		}
	}
	return 0
}

func labelsMatch(m *dto.Metric, match map[string]string) bool {
	found := 0
	for _, lp := range m.GetLabel() {
		if v, ok := match[lp.GetName()]; ok {
			if v != lp.GetValue() {
				return false
			}
			found++
		}
	}
	return found == len(match)
}

var _ = Describe("Test Controller", func() {
	Context("When a Test declares no resources", func() {
		It("Should run the test agent and release the Test on deletion", func() {
			By("Creating a namespace")
			createNamespace("test-no-resources")

			By("Creating a Test")
			test := &testsysv1alpha1.Test{
				ObjectMeta: metav1.ObjectMeta{
					Name:      "smoke",
					Namespace: "test-no-resources",
				},
				Spec: testsysv1alpha1.TestSpec{
					Agent: assertionAgent(map[string]any{
						"name":     "arithmetic",
						"actual":   2,
						"expected": 2,
					}),
				},
			}
			Expect(k8sClient.Create(ctx, test)).Should(Succeed())
			key := client.ObjectKeyFromObject(test)

			By("Verifying the finalizer is added")
			Eventually(func() []string {
				return getTest(key).Finalizers
			}, timeout, interval).Should(ContainElement(controller.MainFinalizer))

			By("Running the test agent Job")
			job := waitForJob(test.Namespace, controller.TestJobName(test.Name))
			Expect(job.Labels).To(HaveKeyWithValue(testsysv1alpha1.LabelAction, string(testsysv1alpha1.ActionRun)))
			Expect(job.OwnerReferences).To(HaveLen(1))
			Expect(job.OwnerReferences[0].Kind).To(Equal("Test"))
			Expect(runTestAgent(job)).To(Succeed())

			By("Verifying the Test completes")
			Eventually(phaseOf(key), timeout, interval).Should(Equal(testsysv1alpha1.TestPhaseCompleted))
			updated := getTest(key)
			Expect(updated.Status.Agent.Outcome).To(Equal(testsysv1alpha1.TestOutcomePass))
			Expect(updated.Status.Agent.NumPassed).To(Equal(int64(1)))
			Expect(updated.Status.Controller.Message).To(ContainSubstring("1 passed"))
			Expect(updated.Status.Controller.CompletionTime).NotTo(BeNil())

			By("Deleting the Test")
			Expect(k8sClient.Delete(ctx, test)).Should(Succeed())
			Eventually(func() bool {
				releaseTerminatingJobs(test.Namespace)
				err := k8sClient.Get(ctx, key, &testsysv1alpha1.Test{})
				return apierrors.IsNotFound(err)
			}, timeout, interval).Should(BeTrue())
		})
	})

	Context("When resources depend on each other", func() {
		It("Should create in dependency order and destroy in reverse", func() {
			By("Creating a namespace")
			createNamespace("test-dependencies")

			createdBefore := getMetricValue("testsys_jobs_created_total", map[string]string{
				"role":   string(testsysv1alpha1.RoleResourceAgent),
				"action": string(testsysv1alpha1.ActionCreate),
			})

			By("Creating a Test whose second resource consumes the first")
			test := &testsysv1alpha1.Test{
				ObjectMeta: metav1.ObjectMeta{
					Name:      "chain",
					Namespace: "test-dependencies",
				},
				Spec: testsysv1alpha1.TestSpec{
					Agent: assertionAgent(map[string]any{
						"name":     "second copied first",
						"actual":   "${second.info}",
						"expected": "hello",
					}),
					Resources: []testsysv1alpha1.ResourceSpec{
						duplicatorResource("second", "${first.info.greeting}", "first"),
						duplicatorResource("first", map[string]any{"greeting": "hello"}),
					},
				},
			}
			Expect(k8sClient.Create(ctx, test)).Should(Succeed())
			key := client.ObjectKeyFromObject(test)

			By("Verifying only the independent resource starts")
			first := waitForJob(test.Namespace, controller.CreateJobName(test.Name, "first"))
			Consistently(func() bool {
				err := k8sClient.Get(ctx, types.NamespacedName{
					Namespace: test.Namespace,
					Name:      controller.CreateJobName(test.Name, "second"),
				}, &batchv1.Job{})
				return apierrors.IsNotFound(err)
			}, time.Second, interval).Should(BeTrue())

			By("Running the create agent of the first resource")
			Expect(runResourceAgent(first, duplicator.Provider{})).To(Succeed())

			By("Running the create agent of the second resource")
			second := waitForJob(test.Namespace, controller.CreateJobName(test.Name, "second"))
			Expect(runResourceAgent(second, duplicator.Provider{})).To(Succeed())

			By("Running the test agent")
			testJob := waitForJob(test.Namespace, controller.TestJobName(test.Name))
			Expect(runTestAgent(testJob)).To(Succeed())
			Eventually(phaseOf(key), timeout, interval).Should(Equal(testsysv1alpha1.TestPhaseCompleted))

			updated := getTest(key)
			Expect(updated.Status.Controller.Resources).To(HaveLen(2))
			sequences := map[string]int32{}
			for _, rs := range updated.Status.Controller.Resources {
				Expect(rs.Phase).To(Equal(testsysv1alpha1.ResourcePhaseCreated))
				sequences[rs.Name] = rs.Sequence
			}
			Expect(sequences["first"]).To(BeNumerically("<", sequences["second"]))
			Expect(string(updated.Status.Agent.Resources["second"].Resource.Raw)).To(MatchJSON(`{"info":"hello"}`))

			Expect(getMetricValue("testsys_jobs_created_total", map[string]string{
				"role":   string(testsysv1alpha1.RoleResourceAgent),
				"action": string(testsysv1alpha1.ActionCreate),
			})).To(BeNumerically(">=", createdBefore+2))

			By("Deleting the Test")
			Expect(k8sClient.Delete(ctx, test)).Should(Succeed())

			By("Destroying the dependent resource first")
			var destroySecond *batchv1.Job
			Eventually(func() error {
				releaseTerminatingJobs(test.Namespace)
				var job batchv1.Job
				err := k8sClient.Get(ctx, types.NamespacedName{
					Namespace: test.Namespace,
					Name:      controller.DestroyJobName(test.Name, "second"),
				}, &job)
				destroySecond = &job
				return err
			}, timeout, interval).Should(Succeed())
			Expect(apierrors.IsNotFound(k8sClient.Get(ctx, types.NamespacedName{
				Namespace: test.Namespace,
				Name:      controller.DestroyJobName(test.Name, "first"),
			}, &batchv1.Job{}))).To(BeTrue())
			Expect(runResourceAgent(destroySecond, duplicator.Provider{})).To(Succeed())

			By("Destroying the first resource")
			destroyFirst := waitForJob(test.Namespace, controller.DestroyJobName(test.Name, "first"))
			Expect(runResourceAgent(destroyFirst, duplicator.Provider{})).To(Succeed())

			By("Verifying the Test is released")
			Eventually(func() bool {
				err := k8sClient.Get(ctx, key, &testsysv1alpha1.Test{})
				return apierrors.IsNotFound(err)
			}, timeout, interval).Should(BeTrue())
		})
	})

	Context("When a resource fails to create but leaves something behind", func() {
		It("Should fail the Test and still destroy the resource", func() {
			By("Creating a namespace")
			createNamespace("test-residual")

			test := &testsysv1alpha1.Test{
				ObjectMeta: metav1.ObjectMeta{
					Name:      "leaky",
					Namespace: "test-residual",
				},
				Spec: testsysv1alpha1.TestSpec{
					Agent: assertionAgent(map[string]any{
						"name":     "never runs",
						"actual":   1,
						"expected": 1,
					}),
					Resources: []testsysv1alpha1.ResourceSpec{
						duplicatorResource("cluster", "unused"),
					},
				},
			}
			Expect(k8sClient.Create(ctx, test)).Should(Succeed())
			key := client.ObjectKeyFromObject(test)

			p := &leakyProvider{}
			create := waitForJob(test.Namespace, controller.CreateJobName(test.Name, "cluster"))
			Expect(runResourceAgent(create, p)).To(MatchError(ContainSubstring("quota exceeded")))

			By("Verifying the Test fails without running the test agent")
			Eventually(phaseOf(key), timeout, interval).Should(Equal(testsysv1alpha1.TestPhaseFailed))
			updated := getTest(key)
			Expect(updated.Status.Controller.Message).To(ContainSubstring("Half-created cluster"))
			Expect(updated.Status.Controller.Resources[0].Residual).To(BeTrue())
			Expect(updated.Status.Controller.TestJob).To(BeEmpty())

			By("Deleting the Test")
			Expect(k8sClient.Delete(ctx, test)).Should(Succeed())
			var destroy *batchv1.Job
			Eventually(func() error {
				releaseTerminatingJobs(test.Namespace)
				var job batchv1.Job
				err := k8sClient.Get(ctx, types.NamespacedName{
					Namespace: test.Namespace,
					Name:      controller.DestroyJobName(test.Name, "cluster"),
				}, &job)
				destroy = &job
				return err
			}, timeout, interval).Should(Succeed())
			Expect(runResourceAgent(destroy, p)).To(Succeed())
			Expect(p.destroys).To(Equal(1))

			Eventually(func() bool {
				err := k8sClient.Get(ctx, key, &testsysv1alpha1.Test{})
				return apierrors.IsNotFound(err)
			}, timeout, interval).Should(BeTrue())
		})
	})

	Context("When a resource is kept by its destruction policy", func() {
		It("Should skip its destroy Job", func() {
			By("Creating a namespace")
			createNamespace("test-never-destroy")

			kept := duplicatorResource("bucket", "keep-me")
			kept.DestructionPolicy = testsysv1alpha1.DestructionPolicyNever
			test := &testsysv1alpha1.Test{
				ObjectMeta: metav1.ObjectMeta{
					Name:      "kept",
					Namespace: "test-never-destroy",
				},
				Spec: testsysv1alpha1.TestSpec{
					Agent: assertionAgent(map[string]any{
						"name":     "bucket contents",
						"actual":   "${bucket.info}",
						"expected": "something else",
					}),
					Resources: []testsysv1alpha1.ResourceSpec{kept},
				},
			}
			Expect(k8sClient.Create(ctx, test)).Should(Succeed())
			key := client.ObjectKeyFromObject(test)

			create := waitForJob(test.Namespace, controller.CreateJobName(test.Name, "bucket"))
			Expect(runResourceAgent(create, duplicator.Provider{})).To(Succeed())

			By("Verifying a failing assertion fails the Test")
			testJob := waitForJob(test.Namespace, controller.TestJobName(test.Name))
			Expect(runTestAgent(testJob)).To(Succeed())
			Eventually(phaseOf(key), timeout, interval).Should(Equal(testsysv1alpha1.TestPhaseFailed))
			updated := getTest(key)
			Expect(updated.Status.Agent.Outcome).To(Equal(testsysv1alpha1.TestOutcomeFail))
			Expect(updated.Status.Controller.Message).To(ContainSubstring("bucket contents"))

			By("Deleting the Test")
			Expect(k8sClient.Delete(ctx, test)).Should(Succeed())
			Eventually(func() bool {
				releaseTerminatingJobs(test.Namespace)
				err := k8sClient.Get(ctx, key, &testsysv1alpha1.Test{})
				return apierrors.IsNotFound(err)
			}, timeout, interval).Should(BeTrue())

			err := k8sClient.Get(ctx, types.NamespacedName{
				Namespace: test.Namespace,
				Name:      controller.DestroyJobName(test.Name, "bucket"),
			}, &batchv1.Job{})
			Expect(apierrors.IsNotFound(err)).To(BeTrue())
		})
	})

	Context("When resource dependencies form a cycle", func() {
		It("Should fail the Test without starting any Job", func() {
			By("Creating a namespace")
			createNamespace("test-cycle")

			test := &testsysv1alpha1.Test{
				ObjectMeta: metav1.ObjectMeta{
					Name:      "cycle",
					Namespace: "test-cycle",
				},
				Spec: testsysv1alpha1.TestSpec{
					Agent: assertionAgent(map[string]any{"actual": 1, "expected": 1}),
					Resources: []testsysv1alpha1.ResourceSpec{
						duplicatorResource("a", "x", "b"),
						duplicatorResource("b", "y", "a"),
					},
				},
			}
			Expect(k8sClient.Create(ctx, test)).Should(Succeed())
			key := client.ObjectKeyFromObject(test)

			Eventually(phaseOf(key), timeout, interval).Should(Equal(testsysv1alpha1.TestPhaseFailed))
			Expect(getTest(key).Status.Controller.Message).To(ContainSubstring("dependency cycle"))

			var jobs batchv1.JobList
			Expect(k8sClient.List(ctx, &jobs, client.InNamespace(test.Namespace))).Should(Succeed())
			Expect(jobs.Items).To(BeEmpty())
		})
	})
})

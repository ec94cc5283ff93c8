package backend

import (
	"context"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/gamgui/gamgui/internal/config"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/kubernetes/scheme"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/client-go/tools/remotecommand"
	"k8s.io/client-go/util/homedir"
)

// KubernetesBackend provisions one pod per session and execs into it for
// each command over SPDY.
type KubernetesBackend struct {
	clientset  *kubernetes.Clientset
	restConfig *rest.Config
	available  bool
	inCluster  bool

	mu      sync.Mutex
	resizes map[string]chan remotecommand.TerminalSize // binding handle -> in-flight exec size queue
}

func (k *KubernetesBackend) Name() string { return "kubernetes" }
func (k *KubernetesBackend) Kind() Kind { return KindOrchestrated }

func (k *KubernetesBackend) Initialize(ctx context.Context) error {
	k.resizes = make(map[string]chan remotecommand.TerminalSize)

	cfg, err := rest.InClusterConfig()
	if err == nil {
		k.inCluster = true
	} else {
		kubeconfig := clientcmd.NewDefaultClientConfigLoadingRules().GetDefaultFilename()
		if home := homedir.HomeDir(); home != "" && kubeconfig == "" {
			kubeconfig = home + "/.kube/config"
		}
		cfg, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
		if err != nil {
			return fmt.Errorf("k8s config: %w", err)
		}
	}

	k.restConfig = cfg
	k.clientset, err = kubernetes.NewForConfig(cfg)
	if err != nil {
		return fmt.Errorf("k8s clientset: %w", err)
	}

	_, err = k.clientset.CoreV1().Namespaces().Get(ctx, config.Cfg.K8sNamespace, metav1.GetOptions{})
	if err != nil {
		return fmt.Errorf("k8s namespace check: %w", err)
	}

	k.available = true
	log.Println("Kubernetes backend connected")
	return nil
}

func (k *KubernetesBackend) Available(_ context.Context) bool {
	return k.available
}

func (k *KubernetesBackend) ns() string {
	return config.Cfg.K8sNamespace
}

func (k *KubernetesBackend) Provision(ctx context.Context, spec ProvisionSpec) (*Binding, error) {
	name := podName(spec.SessionID)
	pod := buildSessionPod(name, k.ns(), spec)

	if _, err := k.clientset.CoreV1().Pods(k.ns()).Create(ctx, pod, metav1.CreateOptions{}); err != nil {
		return nil, fmt.Errorf("create pod: %w", err)
	}

	timeout := provisionTimeout()
	if !k.waitForPodRunning(ctx, name, timeout) {
		// Self-clean the partially created pod before reporting failure.
		if err := k.deletePod(context.Background(), name); err != nil {
			log.Printf("Cleanup of pod %s after failed provision: %v", name, err)
		}
		return nil, fmt.Errorf("pod %s not running after %s", name, timeout)
	}

	return &Binding{
		SessionID:      spec.SessionID,
		Kind:           KindOrchestrated,
		Driver:         k.Name(),
		Handle:         name,
		StreamEndpoint: fmt.Sprintf("%s/%s", k.ns(), name),
	}, nil
}

func provisionTimeout() time.Duration {
	d, err := time.ParseDuration(config.Cfg.ProvisionTimeout)
	if err != nil || d <= 0 {
		return 120 * time.Second
	}
	return d
}

func (k *KubernetesBackend) waitForPodRunning(ctx context.Context, name string, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		pod, err := k.clientset.CoreV1().Pods(k.ns()).Get(ctx, name, metav1.GetOptions{})
		if err == nil && pod.Status.Phase == corev1.PodRunning {
			return true
		}
		if err == nil && pod.Status.Phase == corev1.PodFailed {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(2 * time.Second):
		}
	}
	return false
}

// termSizeQueue implements remotecommand.TerminalSizeQueue via a channel.
type termSizeQueue struct {
	ch chan remotecommand.TerminalSize
}

func (q *termSizeQueue) Next() *remotecommand.TerminalSize {
	size, ok := <-q.ch
	if !ok {
		return nil
	}
	return &size
}

func (k *KubernetesBackend) Exec(ctx context.Context, binding *Binding, command string) (*Exec, error) {
	argv, err := commandArgv(command)
	if err != nil {
		return nil, err
	}

	req := k.clientset.CoreV1().RESTClient().Post().
		Resource("pods").
		Name(binding.Handle).
		Namespace(k.ns()).
		SubResource("exec").
		VersionedParams(&corev1.PodExecOptions{
			Command: argv,
			Stdin:   false,
			Stdout:  true,
			Stderr:  false,
			TTY:     true,
		}, scheme.ParameterCodec)

	executor, err := remotecommand.NewSPDYExecutor(k.restConfig, "POST", req.URL())
	if err != nil {
		return nil, fmt.Errorf("create executor: %w", err)
	}

	execCtx, cancel := context.WithCancel(ctx)

	sizeCh := make(chan remotecommand.TerminalSize, 1)
	sizeCh <- remotecommand.TerminalSize{Width: 80, Height: 24}
	k.registerResize(binding.Handle, sizeCh)

	stdoutR, stdoutW := io.Pipe()
	out := make(chan []byte, 32)
	done := make(chan struct{})

	var exitCode int
	var streamErr error

	go func() {
		defer close(done)
		defer stdoutW.Close()
		defer k.unregisterResize(binding.Handle, sizeCh)

		err := executor.StreamWithContext(execCtx, remotecommand.StreamOptions{
			Stdout:            stdoutW,
			Tty:               true,
			TerminalSizeQueue: &termSizeQueue{ch: sizeCh},
		})
		if err != nil {
			if exitErr, ok := err.(interface{ ExitStatus() int }); ok {
				exitCode = exitErr.ExitStatus()
			} else if execCtx.Err() != nil {
				streamErr = execCtx.Err()
			} else {
				streamErr = err
			}
		}
	}()

	go func() {
		defer close(out)
		buf := make([]byte, 8192)
		for {
			n, err := stdoutR.Read(buf)
			if n > 0 {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				select {
				case out <- chunk:
				case <-execCtx.Done():
					return
				}
			}
			if err != nil {
				return
			}
		}
	}()

	return &Exec{
		Output: out,
		Cancel: cancel,
		Wait: func() (int, error) {
			<-done
			return exitCode, streamErr
		},
	}, nil
}

func (k *KubernetesBackend) registerResize(handle string, ch chan remotecommand.TerminalSize) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.resizes[handle] = ch
}

func (k *KubernetesBackend) unregisterResize(handle string, ch chan remotecommand.TerminalSize) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.resizes[handle] == ch {
		delete(k.resizes, handle)
	}
}

func (k *KubernetesBackend) Resize(_ context.Context, binding *Binding, cols, rows uint16) error {
	k.mu.Lock()
	ch, ok := k.resizes[binding.Handle]
	k.mu.Unlock()
	if !ok {
		// No exec in flight; resize is advisory.
		return nil
	}
	// Drain any pending size so the new one is always delivered.
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- remotecommand.TerminalSize{Width: cols, Height: rows}:
	default:
	}
	return nil
}

func (k *KubernetesBackend) Teardown(ctx context.Context, binding *Binding) error {
	return k.deletePod(ctx, binding.Handle)
}

func (k *KubernetesBackend) deletePod(ctx context.Context, name string) error {
	err := k.clientset.CoreV1().Pods(k.ns()).Delete(ctx, name, metav1.DeleteOptions{})
	if err != nil && !errors.IsNotFound(err) {
		return fmt.Errorf("delete pod: %w", err)
	}
	return nil
}

func (k *KubernetesBackend) HealthCheck(ctx context.Context, binding *Binding) Health {
	pod, err := k.clientset.CoreV1().Pods(k.ns()).Get(ctx, binding.Handle, metav1.GetOptions{})
	if err != nil {
		if errors.IsNotFound(err) {
			return Unhealthy
		}
		return Unknown
	}
	switch pod.Status.Phase {
	case corev1.PodRunning:
		return Healthy
	case corev1.PodPending:
		return Unknown
	default:
		return Unhealthy
	}
}

// buildSessionPod constructs the session pod spec. The pod idles until the
// backend execs commands into it; resolved credential material is injected
// as environment variables at creation time.
func buildSessionPod(name, ns string, spec ProvisionSpec) *corev1.Pod {
	envVars := make([]corev1.EnvVar, 0, len(spec.Env))
	for k, v := range spec.Env {
		envVars = append(envVars, corev1.EnvVar{Name: k, Value: v})
	}

	resources := corev1.ResourceRequirements{
		Requests: corev1.ResourceList{},
		Limits:   corev1.ResourceList{},
	}
	if spec.CPURequest != "" {
		resources.Requests[corev1.ResourceCPU] = resource.MustParse(spec.CPURequest)
	}
	if spec.MemoryRequest != "" {
		resources.Requests[corev1.ResourceMemory] = resource.MustParse(spec.MemoryRequest)
	}
	if spec.CPULimit != "" {
		resources.Limits[corev1.ResourceCPU] = resource.MustParse(spec.CPULimit)
	}
	if spec.MemoryLimit != "" {
		resources.Limits[corev1.ResourceMemory] = resource.MustParse(spec.MemoryLimit)
	}

	return &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: ns,
			Labels: map[string]string{
				"app":        "gamgui-session",
				"session":    spec.SessionID,
				"managed-by": "gamgui",
			},
		},
		Spec: corev1.PodSpec{
			RestartPolicy: corev1.RestartPolicyNever,
			Containers: []corev1.Container{{
				Name:      "gam",
				Image:     spec.Image,
				Command:   []string{"sleep", "infinity"},
				Env:       envVars,
				Resources: resources,
			}},
		},
	}
}

var _ Backend = (*KubernetesBackend)(nil)

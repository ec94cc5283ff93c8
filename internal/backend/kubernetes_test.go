package backend

import (
	"testing"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/client-go/tools/remotecommand"
)

func TestBuildSessionPod(t *testing.T) {
	spec := ProvisionSpec{
		SessionID:     "sess_1a2b3c4d",
		Image:         "gamgui/gam-session:latest",
		CPURequest:    "250m",
		CPULimit:      "1",
		MemoryRequest: "256Mi",
		MemoryLimit:   "1Gi",
		Env:           map[string]string{"GAM_TOKEN": "tok"},
	}

	pod := buildSessionPod("gam-session-1a2b3c4d", "gamgui", spec)

	if pod.Name != "gam-session-1a2b3c4d" || pod.Namespace != "gamgui" {
		t.Errorf("pod meta = %s/%s", pod.Namespace, pod.Name)
	}
	if pod.Labels["session"] != "sess_1a2b3c4d" {
		t.Errorf("labels = %v", pod.Labels)
	}
	if pod.Spec.RestartPolicy != corev1.RestartPolicyNever {
		t.Errorf("restart policy = %v", pod.Spec.RestartPolicy)
	}

	if len(pod.Spec.Containers) != 1 {
		t.Fatalf("containers = %d", len(pod.Spec.Containers))
	}
	c := pod.Spec.Containers[0]
	if c.Image != spec.Image {
		t.Errorf("image = %q", c.Image)
	}
	if len(c.Command) != 2 || c.Command[0] != "sleep" {
		t.Errorf("command = %v", c.Command)
	}
	if len(c.Env) != 1 || c.Env[0].Name != "GAM_TOKEN" || c.Env[0].Value != "tok" {
		t.Errorf("env = %v", c.Env)
	}

	if c.Resources.Requests.Cpu().MilliValue() != 250 {
		t.Errorf("cpu request = %v", c.Resources.Requests.Cpu())
	}
	if c.Resources.Limits.Memory().Value() != 1024*1024*1024 {
		t.Errorf("memory limit = %v", c.Resources.Limits.Memory())
	}
}

func TestBuildSessionPodOmitsEmptyResources(t *testing.T) {
	pod := buildSessionPod("gam-session-x", "gamgui", ProvisionSpec{
		SessionID: "sess_x",
		Image:     "img",
	})
	c := pod.Spec.Containers[0]
	if len(c.Resources.Requests) != 0 || len(c.Resources.Limits) != 0 {
		t.Errorf("resources = %+v", c.Resources)
	}
}

func TestTermSizeQueue(t *testing.T) {
	ch := make(chan remotecommand.TerminalSize, 1)
	q := &termSizeQueue{ch: ch}

	ch <- remotecommand.TerminalSize{Width: 120, Height: 40}
	size := q.Next()
	if size == nil || size.Width != 120 || size.Height != 40 {
		t.Errorf("size = %+v", size)
	}

	close(ch)
	if q.Next() != nil {
		t.Error("closed queue must return nil")
	}
}

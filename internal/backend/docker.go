package backend

import (
	"context"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	dockerclient "github.com/docker/docker/client"
	"github.com/docker/go-units"
	"github.com/gamgui/gamgui/internal/config"
)

const (
	dockerLabel   = "gamgui"
	dockerNetwork = "gamgui"
)

// DockerBackend provisions one idle container per session and creates a TTY
// exec inside it for each command.
type DockerBackend struct {
	client    *dockerclient.Client
	available bool

	mu    sync.Mutex
	execs map[string]string // binding handle -> in-flight exec id, for resize
}

func (d *DockerBackend) Name() string { return "docker" }
func (d *DockerBackend) Kind() Kind { return KindOrchestrated }

func (d *DockerBackend) Initialize(ctx context.Context) error {
	d.execs = make(map[string]string)

	var opts []dockerclient.Opt
	opts = append(opts, dockerclient.FromEnv)
	opts = append(opts, dockerclient.WithAPIVersionNegotiation())
	if config.Cfg.DockerHost != "" {
		opts = append(opts, dockerclient.WithHost(config.Cfg.DockerHost))
	}

	var err error
	d.client, err = dockerclient.NewClientWithOpts(opts...)
	if err != nil {
		return fmt.Errorf("docker client: %w", err)
	}

	if _, err = d.client.Ping(ctx); err != nil {
		return fmt.Errorf("docker ping: %w", err)
	}

	if err := d.ensureNetwork(ctx); err != nil {
		return fmt.Errorf("docker network: %w", err)
	}

	d.available = true
	log.Println("Docker daemon connected")
	return nil
}

func (d *DockerBackend) ensureNetwork(ctx context.Context) error {
	_, err := d.client.NetworkInspect(ctx, dockerNetwork, network.InspectOptions{})
	if err == nil {
		return nil
	}
	_, err = d.client.NetworkCreate(ctx, dockerNetwork, network.CreateOptions{
		Driver: "bridge",
		Labels: map[string]string{"managed-by": dockerLabel},
	})
	if err != nil {
		return fmt.Errorf("create network %s: %w", dockerNetwork, err)
	}
	log.Printf("Created Docker network: %s", dockerNetwork)
	return nil
}

func (d *DockerBackend) Available(_ context.Context) bool {
	return d.available
}

func (d *DockerBackend) ensureImage(ctx context.Context, img string) error {
	_, _, err := d.client.ImageInspectWithRaw(ctx, img)
	if err == nil {
		return nil
	}

	log.Printf("Image %s not found locally, pulling...", img)
	reader, err := d.client.ImagePull(ctx, img, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pull image %s: %w", img, err)
	}
	defer reader.Close()
	io.Copy(io.Discard, reader)
	return nil
}

func parseCPUToNanoCPUs(cpuStr string) int64 {
	if strings.HasSuffix(cpuStr, "m") {
		val := cpuStr[:len(cpuStr)-1]
		var n int64
		fmt.Sscanf(val, "%d", &n)
		return n * 1_000_000
	}
	var f float64
	fmt.Sscanf(cpuStr, "%f", &f)
	return int64(f * 1_000_000_000)
}

// parseMemoryToBytes understands Kubernetes-style quantities (Mi, Gi) and
// falls back to Docker's own unit parser for everything else (m, g, plain
// bytes).
func parseMemoryToBytes(memStr string) int64 {
	binary := map[string]int64{
		"Ki": 1024,
		"Mi": 1024 * 1024,
		"Gi": 1024 * 1024 * 1024,
		"Ti": 1024 * 1024 * 1024 * 1024,
	}
	for suffix, multiplier := range binary {
		if strings.HasSuffix(memStr, suffix) {
			val := memStr[:len(memStr)-len(suffix)]
			var n int64
			fmt.Sscanf(val, "%d", &n)
			return n * multiplier
		}
	}
	if n, err := units.RAMInBytes(memStr); err == nil {
		return n
	}
	return 0
}

func (d *DockerBackend) Provision(ctx context.Context, spec ProvisionSpec) (*Binding, error) {
	if err := d.ensureImage(ctx, spec.Image); err != nil {
		return nil, err
	}

	name := podName(spec.SessionID)

	env := make([]string, 0, len(spec.Env))
	for k, v := range spec.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}

	var nanoCPUs, memLimit int64
	if spec.CPULimit != "" {
		nanoCPUs = parseCPUToNanoCPUs(spec.CPULimit)
	}
	if spec.MemoryLimit != "" {
		memLimit = parseMemoryToBytes(spec.MemoryLimit)
	}

	containerCfg := &container.Config{
		Image:  spec.Image,
		Cmd:    []string{"sleep", "infinity"},
		Env:    env,
		Labels: map[string]string{"managed-by": dockerLabel, "session": spec.SessionID},
	}

	hostCfg := &container.HostConfig{
		Resources: container.Resources{
			NanoCPUs: nanoCPUs,
			Memory:   memLimit,
		},
	}

	netCfg := &network.NetworkingConfig{
		EndpointsConfig: map[string]*network.EndpointSettings{
			dockerNetwork: {},
		},
	}

	resp, err := d.client.ContainerCreate(ctx, containerCfg, hostCfg, netCfg, nil, name)
	if err != nil {
		return nil, fmt.Errorf("create container: %w", err)
	}

	if err := d.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		// Self-clean the created-but-unstarted container.
		d.client.ContainerRemove(context.Background(), resp.ID, container.RemoveOptions{Force: true})
		return nil, fmt.Errorf("start container: %w", err)
	}

	if !d.waitForContainerRunning(ctx, name, provisionTimeout()) {
		d.client.ContainerRemove(context.Background(), resp.ID, container.RemoveOptions{Force: true})
		return nil, fmt.Errorf("container %s not running after %s", name, provisionTimeout())
	}

	return &Binding{
		SessionID:      spec.SessionID,
		Kind:           KindOrchestrated,
		Driver:         d.Name(),
		Handle:         name,
		StreamEndpoint: resp.ID,
	}, nil
}

func (d *DockerBackend) waitForContainerRunning(ctx context.Context, name string, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		inspect, err := d.client.ContainerInspect(ctx, name)
		if err == nil && inspect.State.Status == "running" {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(time.Second):
		}
	}
	return false
}

func (d *DockerBackend) Exec(ctx context.Context, binding *Binding, command string) (*Exec, error) {
	argv, err := commandArgv(command)
	if err != nil {
		return nil, err
	}

	execCfg := container.ExecOptions{
		Cmd:          argv,
		AttachStdout: true,
		AttachStderr: true,
		Tty:          true,
		ConsoleSize:  &[2]uint{24, 80},
	}

	execID, err := d.client.ContainerExecCreate(ctx, binding.Handle, execCfg)
	if err != nil {
		return nil, fmt.Errorf("exec create: %w", err)
	}

	resp, err := d.client.ContainerExecAttach(ctx, execID.ID, container.ExecAttachOptions{Tty: true})
	if err != nil {
		return nil, fmt.Errorf("exec attach: %w", err)
	}

	execCtx, cancel := context.WithCancel(ctx)
	d.registerExec(binding.Handle, execID.ID)

	out := make(chan []byte, 32)
	done := make(chan struct{})

	var exitCode int
	var streamErr error

	go func() {
		defer close(done)
		defer close(out)
		defer resp.Close()
		defer d.unregisterExec(binding.Handle, execID.ID)

		// With Tty the stream is raw, no multiplexing headers.
		buf := make([]byte, 8192)
		for {
			n, err := resp.Reader.Read(buf)
			if n > 0 {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				select {
				case out <- chunk:
				case <-execCtx.Done():
					streamErr = execCtx.Err()
					return
				}
			}
			if err != nil {
				break
			}
		}

		inspect, err := d.client.ContainerExecInspect(context.Background(), execID.ID)
		if err != nil {
			streamErr = fmt.Errorf("exec inspect: %w", err)
			return
		}
		exitCode = inspect.ExitCode
	}()

	// Cancellation closes the attach connection, which unblocks the reader.
	go func() {
		select {
		case <-execCtx.Done():
			resp.Close()
		case <-done:
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

func (d *DockerBackend) registerExec(handle, execID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.execs[handle] = execID
}

func (d *DockerBackend) unregisterExec(handle, execID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.execs[handle] == execID {
		delete(d.execs, handle)
	}
}

func (d *DockerBackend) Resize(ctx context.Context, binding *Binding, cols, rows uint16) error {
	d.mu.Lock()
	execID, ok := d.execs[binding.Handle]
	d.mu.Unlock()
	if !ok {
		return nil
	}
	return d.client.ContainerExecResize(ctx, execID, container.ResizeOptions{
		Width:  uint(cols),
		Height: uint(rows),
	})
}

func (d *DockerBackend) Teardown(ctx context.Context, binding *Binding) error {
	err := d.client.ContainerRemove(ctx, binding.Handle, container.RemoveOptions{Force: true})
	if err != nil && !dockerclient.IsErrNotFound(err) {
		return fmt.Errorf("remove container: %w", err)
	}
	return nil
}

func (d *DockerBackend) HealthCheck(ctx context.Context, binding *Binding) Health {
	inspect, err := d.client.ContainerInspect(ctx, binding.Handle)
	if err != nil {
		if dockerclient.IsErrNotFound(err) {
			return Unhealthy
		}
		return Unknown
	}
	switch inspect.State.Status {
	case "running":
		return Healthy
	case "created", "restarting":
		return Unknown
	default:
		return Unhealthy
	}
}

var _ Backend = (*DockerBackend)(nil)

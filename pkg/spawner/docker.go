package spawner

import (
	"context"
	"fmt"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
)

func init() {
	RegisterBackend("docker", newDockerFromConfig)
}

// Docker backend defaults
const (
	DefaultImage       = "hubble/singleuser:latest"
	DefaultServerPort  = 8888
	DefaultMemoryLimit = 1 << 30 // 1GB
	DefaultCPULimit    = 1.0
	DefaultPullTimeout = 2 * time.Minute
)

// DockerSpawner runs each server in its own container
type DockerSpawner struct {
	client  *client.Client
	image   string
	network string
	limits  Limits
	port    int
}

// DockerOption configures the docker spawner
type DockerOption func(*DockerSpawner)

// WithImage sets the single-user server image
func WithImage(image string) DockerOption {
	return func(d *DockerSpawner) { d.image = image }
}

// WithNetwork attaches containers to the named docker network
func WithNetwork(network string) DockerOption {
	return func(d *DockerSpawner) { d.network = network }
}

// WithLimits bounds container resources
func WithLimits(limits Limits) DockerOption {
	return func(d *DockerSpawner) { d.limits = limits }
}

// NewDockerSpawner creates a container-based spawner and verifies the
// docker daemon is reachable.
func NewDockerSpawner(opts ...DockerOption) (*DockerSpawner, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSpawnBackendError, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := cli.Ping(ctx); err != nil {
		return nil, fmt.Errorf("%w: docker daemon unreachable: %v", ErrSpawnBackendError, err)
	}

	d := &DockerSpawner{
		client: cli,
		image:  DefaultImage,
		limits: Limits{MemoryBytes: DefaultMemoryLimit, CPUs: DefaultCPULimit},
		port:   DefaultServerPort,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

func newDockerFromConfig(ctx context.Context, cfg map[string]interface{}) (Spawner, error) {
	var opts []DockerOption
	if img, ok := cfg["image"].(string); ok && img != "" {
		opts = append(opts, WithImage(img))
	}
	if network, ok := cfg["network"].(string); ok && network != "" {
		opts = append(opts, WithNetwork(network))
	}
	return NewDockerSpawner(opts...)
}

func (d *DockerSpawner) Start(ctx context.Context, server *Server) error {
	if err := d.pullImage(ctx); err != nil {
		return err
	}

	name := d.containerName(server.Owner)
	// A leftover container from a crashed hub blocks the name; remove it
	_ = d.client.ContainerRemove(ctx, name, container.RemoveOptions{Force: true})

	port := nat.Port(fmt.Sprintf("%d/tcp", d.port))
	created, err := d.client.ContainerCreate(ctx,
		&container.Config{
			Image: d.image,
			Env:   server.Environ(),
			Cmd:   []string{"--prefix=" + server.Prefix, fmt.Sprintf("--port=%d", d.port)},
			ExposedPorts: nat.PortSet{
				port: struct{}{},
			},
			Labels: map[string]string{
				"hubble.owner": server.Owner,
			},
		},
		&container.HostConfig{
			NetworkMode: container.NetworkMode(d.networkMode()),
			Resources: container.Resources{
				Memory:   d.limits.MemoryBytes,
				NanoCPUs: int64(d.limits.CPUs * 1e9),
			},
			PortBindings: nat.PortMap{
				port: []nat.PortBinding{{HostIP: "127.0.0.1"}},
			},
		},
		nil, nil, name)
	if err != nil {
		return fmt.Errorf("%w: create failed: %v", ErrSpawnBackendError, err)
	}

	if err := d.client.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		_ = d.client.ContainerRemove(ctx, created.ID, container.RemoveOptions{Force: true})
		return fmt.Errorf("%w: start failed: %v", ErrSpawnBackendError, err)
	}

	url, err := d.targetURL(ctx, created.ID)
	if err != nil {
		_ = d.client.ContainerRemove(ctx, created.ID, container.RemoveOptions{Force: true})
		return err
	}

	server.BackendID = created.ID
	server.URL = url
	return nil
}

func (d *DockerSpawner) Poll(ctx context.Context, server *Server) (bool, error) {
	if server.BackendID == "" {
		return false, nil
	}
	inspect, err := d.client.ContainerInspect(ctx, server.BackendID)
	if err != nil {
		if client.IsErrNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("%w: inspect failed: %v", ErrSpawnBackendError, err)
	}
	return inspect.State != nil && inspect.State.Running, nil
}

func (d *DockerSpawner) Stop(ctx context.Context, server *Server) error {
	if server.BackendID == "" {
		return nil
	}
	timeout := 10
	if err := d.client.ContainerStop(ctx, server.BackendID, container.StopOptions{Timeout: &timeout}); err != nil {
		if !client.IsErrNotFound(err) {
			return fmt.Errorf("%w: stop failed: %v", ErrSpawnBackendError, err)
		}
	}
	if err := d.client.ContainerRemove(ctx, server.BackendID, container.RemoveOptions{Force: true}); err != nil {
		if !client.IsErrNotFound(err) {
			return fmt.Errorf("%w: remove failed: %v", ErrSpawnBackendError, err)
		}
	}
	return nil
}

func (d *DockerSpawner) pullImage(ctx context.Context) error {
	pullCtx, cancel := context.WithTimeout(ctx, DefaultPullTimeout)
	defer cancel()

	reader, err := d.client.ImagePull(pullCtx, d.image, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("%w: image pull failed: %v", ErrSpawnBackendError, err)
	}
	defer reader.Close()

	// Drain the pull progress stream; the pull completes when it closes
	buf := make([]byte, 4096)
	for {
		if _, err := reader.Read(buf); err != nil {
			return nil
		}
	}
}

// targetURL resolves where the proxy should send traffic for the
// container: its network-internal address when containers share a
// docker network with the proxy, the published host port otherwise.
func (d *DockerSpawner) targetURL(ctx context.Context, containerID string) (string, error) {
	inspect, err := d.client.ContainerInspect(ctx, containerID)
	if err != nil {
		return "", fmt.Errorf("%w: inspect failed: %v", ErrSpawnBackendError, err)
	}

	if d.network != "" {
		if settings, ok := inspect.NetworkSettings.Networks[d.network]; ok && settings.IPAddress != "" {
			return fmt.Sprintf("http://%s:%d", settings.IPAddress, d.port), nil
		}
	}

	port := nat.Port(fmt.Sprintf("%d/tcp", d.port))
	bindings := inspect.NetworkSettings.Ports[port]
	if len(bindings) == 0 {
		return "", fmt.Errorf("%w: no published port for container", ErrSpawnBackendError)
	}
	return fmt.Sprintf("http://127.0.0.1:%s", bindings[0].HostPort), nil
}

func (d *DockerSpawner) networkMode() string {
	if d.network != "" {
		return d.network
	}
	return "bridge"
}

func (d *DockerSpawner) containerName(owner string) string {
	return "hubble-" + owner
}

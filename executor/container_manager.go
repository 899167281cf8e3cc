package executor

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"
	logrus "github.com/sirupsen/logrus"
)

// LabelWorker marks containers started by a ContainerManager.
const LabelWorker = "ignition.worker"

// ContainerState represents the current state of a container
type ContainerState string

const (
	StateStarting ContainerState = "starting"
	StateRunning  ContainerState = "running"
)

// ContainerInfo holds information about a container
type ContainerInfo struct {
	ID        string
	State     ContainerState
	StartedAt time.Time
}

// ContainerManager launches single-use worker containers and kills them
// when their request is done.
type ContainerManager struct {
	dockerClient *client.Client
	opts         ContainerOptions
	containers   map[string]*ContainerInfo
	mu           sync.Mutex
	logger       *logrus.Logger
}

// NewContainerManager creates a container manager talking to the Docker
// daemon configured in the environment.
func NewContainerManager(opts ContainerOptions, logger *logrus.Logger) (*ContainerManager, error) {
	dockerClient, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create Docker client: %w", err)
	}
	return NewContainerManagerWithClient(dockerClient, opts, logger), nil
}

func NewContainerManagerWithClient(dockerClient *client.Client, opts ContainerOptions, logger *logrus.Logger) *ContainerManager {
	return &ContainerManager{
		dockerClient: dockerClient,
		opts:         opts,
		containers:   make(map[string]*ContainerInfo),
		logger:       logger,
	}
}

// CheckImage verifies the worker image exists locally.
func (cm *ContainerManager) CheckImage(ctx context.Context) error {
	if _, _, err := cm.dockerClient.ImageInspectWithRaw(ctx, cm.opts.Image); err != nil {
		return fmt.Errorf("worker image %q not available: %w", cm.opts.Image, err)
	}
	return nil
}

// Launch creates and starts a worker container that will dial back to the
// advertised rendezvous address and present token.
func (cm *ContainerManager) Launch(ctx context.Context, token string) (string, error) {
	pidsLimit := cm.opts.PidsLimit
	config := &container.Config{
		Image: cm.opts.Image,
		Env: []string{
			"IGNITION_ADDR=" + cm.opts.AdvertiseAddr,
			"IGNITION_TOKEN=" + token,
		},
		Labels: map[string]string{LabelWorker: "true"},
	}
	hostConfig := &container.HostConfig{
		AutoRemove: true,
		// the worker reaches the scheduler through the host gateway
		ExtraHosts: []string{"host.docker.internal:host-gateway"},
		Resources: container.Resources{
			Memory:    cm.opts.MemoryMB * 1024 * 1024,
			NanoCPUs:  cm.opts.NanoCPUs,
			PidsLimit: &pidsLimit,
		},
		SecurityOpt: []string{"no-new-privileges"},
		CapDrop:     []string{"ALL"},
	}

	resp, err := cm.dockerClient.ContainerCreate(ctx, config, hostConfig, nil, nil, "")
	if err != nil {
		cm.logger.Errorf("failed to create container: %v", err)
		return "", fmt.Errorf("failed to create container: %w", err)
	}

	cm.track(resp.ID, StateStarting)

	if err := cm.dockerClient.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		cm.dockerClient.ContainerRemove(context.Background(), resp.ID, container.RemoveOptions{Force: true})
		cm.untrack(resp.ID)
		cm.logger.Errorf("failed to start container %s: %v", shortID(resp.ID), err)
		return "", fmt.Errorf("failed to start container: %w", err)
	}

	cm.track(resp.ID, StateRunning)
	cm.logger.WithField("container", shortID(resp.ID)).Debug("Started worker container")
	return resp.ID, nil
}

// Kill force-kills a container. A container that no longer exists or has
// already stopped is not an error.
func (cm *ContainerManager) Kill(ctx context.Context, containerID string) error {
	log := cm.logger.WithField("container", shortID(containerID))
	if info, ok := cm.untrack(containerID); ok {
		log = log.WithFields(logrus.Fields{
			"state":  info.State,
			"uptime": time.Since(info.StartedAt),
		})
	}

	err := cm.dockerClient.ContainerKill(ctx, containerID, "SIGKILL")
	switch {
	case err == nil:
		log.Debug("Killed worker container")
		return nil
	case errdefs.IsNotFound(err), errdefs.IsConflict(err):
		log.Debug("Worker container already gone")
		return nil
	default:
		return fmt.Errorf("failed to kill container %s: %w", shortID(containerID), err)
	}
}

// Logs returns the tail of a container's output.
func (cm *ContainerManager) Logs(ctx context.Context, containerID string) (string, string, error) {
	rc, err := cm.dockerClient.ContainerLogs(ctx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       "20",
	})
	if err != nil {
		return "", "", fmt.Errorf("failed to read container logs: %w", err)
	}
	defer rc.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, rc); err != nil {
		return "", "", fmt.Errorf("failed to demux container logs: %w", err)
	}
	return stdout.String(), stderr.String(), nil
}

// Sweep kills worker containers left over from a previous run.
func (cm *ContainerManager) Sweep(ctx context.Context) (int, error) {
	containers, err := cm.dockerClient.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", LabelWorker+"=true")),
	})
	if err != nil {
		return 0, fmt.Errorf("failed to list containers: %w", err)
	}

	removed := 0
	for _, c := range containers {
		cm.mu.Lock()
		_, owned := cm.containers[c.ID]
		cm.mu.Unlock()
		if owned {
			continue
		}
		if err := cm.dockerClient.ContainerRemove(ctx, c.ID, container.RemoveOptions{Force: true}); err != nil && !errdefs.IsNotFound(err) {
			cm.logger.Printf("Failed to remove stray container %s: %v", shortID(c.ID), err)
			continue
		}
		cm.logger.Printf("Removed stray worker container: %s (state: %s)", shortID(c.ID), c.State)
		removed++
	}
	return removed, nil
}

// Shutdown kills every container this manager still tracks, including
// ones that never finished starting.
func (cm *ContainerManager) Shutdown(ctx context.Context) {
	for _, info := range cm.Containers() {
		if err := cm.Kill(ctx, info.ID); err != nil {
			cm.logger.Printf("Shutdown: %v", err)
			continue
		}
		cm.logger.Printf("Shutdown: Killed %s container %s", info.State, shortID(info.ID))
	}
}

// Containers returns a snapshot of the tracked containers, oldest first.
func (cm *ContainerManager) Containers() []ContainerInfo {
	cm.mu.Lock()
	infos := make([]ContainerInfo, 0, len(cm.containers))
	for _, info := range cm.containers {
		infos = append(infos, *info)
	}
	cm.mu.Unlock()

	sort.Slice(infos, func(i, j int) bool {
		return infos[i].StartedAt.Before(infos[j].StartedAt)
	})
	return infos
}

// ContainerCount returns the current number of containers
func (cm *ContainerManager) ContainerCount() int {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return len(cm.containers)
}

func (cm *ContainerManager) track(id string, state ContainerState) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if info, ok := cm.containers[id]; ok {
		info.State = state
		return
	}
	cm.containers[id] = &ContainerInfo{ID: id, State: state, StartedAt: time.Now()}
}

func (cm *ContainerManager) untrack(id string) (ContainerInfo, bool) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	info, ok := cm.containers[id]
	if !ok {
		return ContainerInfo{}, false
	}
	delete(cm.containers, id)
	return *info, true
}

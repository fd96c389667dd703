package target

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"

	"github.com/jackzampolin/bookherd/internal/sanitize"
)

// ContainerStatus represents the state of the target service's container.
type ContainerStatus string

const (
	ContainerRunning  ContainerStatus = "running"
	ContainerStopped  ContainerStatus = "stopped"
	ContainerNotFound ContainerStatus = "not_found"
	ContainerStarting ContainerStatus = "starting"
)

// ContainerCheck verifies the target service's container before a worker
// starts hammering its API. The migration never creates the container; it
// only confirms the deployment is up and, for symlink mode, that the source
// library is mounted where uploads will reference it.
type ContainerCheck struct {
	cli           *client.Client
	containerName string
	apiURL        string

	// LibraryMount is the in-container mount point of the source library
	// (symlink mode). Empty skips the mount check.
	LibraryMount string

	// APIPort is the container port the service's API listens on. When
	// set, Verify confirms a host binding exists for it.
	APIPort string
}

// NewContainerCheck creates a checker for the named container.
func NewContainerCheck(containerName, apiURL string) (*ContainerCheck, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return &ContainerCheck{
		cli:           cli,
		containerName: containerName,
		apiURL:        apiURL,
	}, nil
}

// Close closes the Docker client.
func (c *ContainerCheck) Close() error {
	return c.cli.Close()
}

// Status returns the container's current state.
func (c *ContainerCheck) Status(ctx context.Context) (ContainerStatus, error) {
	status, _, err := c.containerStatus(ctx)
	return status, err
}

// Verify confirms the container is running (and the library mount exists
// when configured), then waits for the service's API to answer.
func (c *ContainerCheck) Verify(ctx context.Context, timeout time.Duration) error {
	if _, err := c.cli.Ping(ctx); err != nil {
		return fmt.Errorf("docker is not running: %w", err)
	}

	status, containerID, err := c.containerStatus(ctx)
	if err != nil {
		return err
	}
	switch status {
	case ContainerRunning:
	case ContainerNotFound:
		return fmt.Errorf("target container %q not found", c.containerName)
	default:
		return fmt.Errorf("target container %q is %s, not running", c.containerName, status)
	}

	if c.LibraryMount != "" || c.APIPort != "" {
		info, err := c.cli.ContainerInspect(ctx, containerID)
		if err != nil {
			return fmt.Errorf("failed to inspect target container: %w", err)
		}

		if c.LibraryMount != "" {
			found := false
			for _, mnt := range info.Mounts {
				if mnt.Destination == c.LibraryMount {
					found = true
					break
				}
			}
			if !found {
				return fmt.Errorf("target container has no mount at %s; symlink mode needs the source library mounted", c.LibraryMount)
			}
		}

		if c.APIPort != "" {
			port := nat.Port(c.APIPort + "/tcp")
			if len(info.HostConfig.PortBindings[port]) == 0 {
				return fmt.Errorf("target container has no host binding for port %s", port)
			}
		}
	}

	return c.waitForReady(ctx, timeout)
}

// tailLogCap bounds how much container log a diagnostics bundle carries.
const tailLogCap = 64 * 1024

// TailLogs returns up to lines recent log lines of the target container,
// sanitized for inclusion in stuck-worker diagnostics. A missing or
// stopped container yields its state as a one-line pseudo-log rather than
// an error: for diagnostics, "the target is down" is the finding.
func (c *ContainerCheck) TailLogs(ctx context.Context, lines int) (string, error) {
	status, containerID, err := c.containerStatus(ctx)
	if err != nil {
		return "", err
	}
	if status != ContainerRunning {
		return fmt.Sprintf("[target container %q is %s]", c.containerName, status), nil
	}

	logs, err := c.cli.ContainerLogs(ctx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       strconv.Itoa(lines),
	})
	if err != nil {
		return "", fmt.Errorf("failed to get target logs: %w", err)
	}
	defer logs.Close()

	var b strings.Builder
	if _, err := io.Copy(&b, io.LimitReader(logs, tailLogCap)); err != nil {
		return "", fmt.Errorf("failed to read target logs: %w", err)
	}
	// Docker multiplexed streams carry 8-byte frame headers with NUL
	// padding; those must not leak into persisted diagnostics.
	return sanitize.String(b.String()), nil
}

// containerStatus returns the status and ID of the container.
func (c *ContainerCheck) containerStatus(ctx context.Context) (ContainerStatus, string, error) {
	filterArgs := filters.NewArgs()
	filterArgs.Add("name", c.containerName)

	containers, err := c.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filterArgs,
	})
	if err != nil {
		return "", "", fmt.Errorf("failed to list containers: %w", err)
	}
	if len(containers) == 0 {
		return ContainerNotFound, "", nil
	}

	ct := containers[0]
	switch ct.State {
	case "running":
		return ContainerRunning, ct.ID, nil
	case "exited", "dead":
		return ContainerStopped, ct.ID, nil
	case "created", "restarting":
		return ContainerStarting, ct.ID, nil
	default:
		return ContainerStatus(ct.State), ct.ID, nil
	}
}

// waitForReady polls the service's version endpoint until it answers.
func (c *ContainerCheck) waitForReady(ctx context.Context, timeout time.Duration) error {
	httpClient := &http.Client{Timeout: 2 * time.Second}
	url := c.apiURL + "/version"

	return retry.Do(
		func() error {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
			if err != nil {
				return err
			}
			resp, err := httpClient.Do(req)
			if err != nil {
				return err
			}
			_ = resp.Body.Close()
			if resp.StatusCode >= 500 {
				return fmt.Errorf("unhealthy status: %d", resp.StatusCode)
			}
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(uint(timeout.Seconds())),
		retry.Delay(1*time.Second),
	)
}

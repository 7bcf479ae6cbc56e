package docker

import (
	"bytes"
	"context"
	"fmt"
	"net"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
)

type (
	// DetachedOptions describes a long-running container whose ports are published on ephemeral
	// loopback host ports.
	DetachedOptions struct {
		Name   string
		Image  string
		Cmd    []string
		Env    []string
		Labels map[string]string
		// Ports are container ports such as "8545/tcp".
		Ports []string
	}

	Container struct {
		ID   string
		Name string
		// Ports maps each requested container port to its host address.
		Ports map[string]string
	}
)

// RunDetached creates and starts a container and resolves the host ports Docker assigned. A
// container that fails to start is removed before returning.
func (c *Client) RunDetached(ctx context.Context, opts DetachedOptions) (Container, error) {
	exposed, bindings, err := nat.ParsePortSpecs(portSpecs(opts.Ports))
	if err != nil {
		return Container{}, fmt.Errorf("failed to parse port specs: %w", err)
	}

	config := &container.Config{
		Image:        opts.Image,
		Cmd:          opts.Cmd,
		Env:          opts.Env,
		Labels:       opts.Labels,
		ExposedPorts: exposed,
	}
	hostConfig := &container.HostConfig{
		PortBindings: bindings,
	}

	resp, err := c.cli.ContainerCreate(ctx, config, hostConfig, nil, nil, opts.Name)
	if err != nil {
		return Container{}, fmt.Errorf("failed to create container: %w", err)
	}

	started := Container{ID: resp.ID, Name: opts.Name, Ports: make(map[string]string, len(opts.Ports))}

	if err := c.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		_ = c.Remove(context.WithoutCancel(ctx), resp.ID)
		return Container{}, fmt.Errorf("failed to start container: %w", err)
	}

	for _, p := range opts.Ports {
		addr, err := c.HostAddress(ctx, resp.ID, p)
		if err != nil {
			_ = c.Remove(context.WithoutCancel(ctx), resp.ID)
			return Container{}, err
		}
		started.Ports[p] = addr
	}

	c.logger.With("name", opts.Name).With("image", opts.Image).With("ports", started.Ports).Info("container started")
	return started, nil
}

// HostAddress returns the loopback host:port Docker published for a container port.
func (c *Client) HostAddress(ctx context.Context, containerID, port string) (string, error) {
	info, err := c.cli.ContainerInspect(ctx, containerID)
	if err != nil {
		return "", fmt.Errorf("failed to inspect container: %w", err)
	}
	if info.NetworkSettings == nil {
		return "", fmt.Errorf("container %s has no network settings", containerID)
	}

	natPort, err := nat.NewPort(nat.SplitProtoPort(port))
	if err != nil {
		return "", fmt.Errorf("invalid port %q: %w", port, err)
	}

	for _, binding := range info.NetworkSettings.Ports[natPort] {
		if binding.HostPort == "" {
			continue
		}
		return net.JoinHostPort("127.0.0.1", binding.HostPort), nil
	}

	return "", fmt.Errorf("container port %s is not published", port)
}

// Logs returns the combined stdout and stderr of a container.
func (c *Client) Logs(ctx context.Context, containerID string) ([]byte, error) {
	reader, err := c.cli.ContainerLogs(ctx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Timestamps: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get container logs: %w", err)
	}
	defer reader.Close()

	var out bytes.Buffer
	if _, err := stdcopy.StdCopy(&out, &out, reader); err != nil {
		return nil, fmt.Errorf("failed to demultiplex container logs: %w", err)
	}

	return out.Bytes(), nil
}

// Remove force-removes a container with its anonymous volumes. A container that is already gone is
// not an error.
func (c *Client) Remove(ctx context.Context, containerID string) error {
	err := c.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true, RemoveVolumes: true})
	if err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("failed to remove container: %w", err)
	}

	c.logger.With("container", containerID).Debug("container removed")
	return nil
}

// portSpecs publishes every port on an ephemeral loopback host port.
func portSpecs(ports []string) []string {
	specs := make([]string, 0, len(ports))
	for _, p := range ports {
		specs = append(specs, "127.0.0.1::"+p)
	}
	return specs
}

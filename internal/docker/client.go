// Package docker wraps the Docker SDK to provide the container runtime
// operations the lab engine needs: create/start/stop, liveness probes,
// one-shot command execution, and RPC endpoint resolution.
package docker

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"strconv"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/go-connections/nat"
	"go.uber.org/zap"

	"github.com/sarnowski/msfailab/internal/common/config"
	"github.com/sarnowski/msfailab/internal/common/logger"
	"github.com/sarnowski/msfailab/internal/fault"
)

// Endpoint is a resolved host/port pair for the in-container RPC daemon.
type Endpoint struct {
	Host string
	Port int
}

// Addr renders the endpoint as host:port.
func (e Endpoint) Addr() string {
	return fmt.Sprintf("%s:%d", e.Host, e.Port)
}

// ExecResult carries the combined output and exit code of a one-shot command.
type ExecResult struct {
	Output   string
	ExitCode int
}

// Client wraps the Docker client.
type Client struct {
	cli    *client.Client
	logger *logger.Logger
	config config.DockerConfig
	msgrpc config.MsgrpcConfig
}

// NewClient creates a new Docker client.
func NewClient(cfg config.DockerConfig, msgrpc config.MsgrpcConfig, log *logger.Logger) (*Client, error) {
	opts := []client.Opt{
		client.WithAPIVersionNegotiation(),
	}

	if cfg.Host != "" {
		opts = append(opts, client.WithHost(cfg.Host))
	}

	if cfg.APIVersion != "" {
		opts = append(opts, client.WithVersion(cfg.APIVersion))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	log.Info("Docker client created",
		zap.String("host", cfg.Host),
		zap.String("network_mode", cfg.NetworkMode),
	)

	return &Client{
		cli:    cli,
		logger: log,
		config: cfg,
		msgrpc: msgrpc,
	}, nil
}

// Close closes the Docker client.
func (c *Client) Close() error {
	c.logger.Debug("Closing Docker client")
	return c.cli.Close()
}

// Ping checks if Docker is available.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.cli.Ping(ctx)
	if err != nil {
		return fault.Wrap(fault.AdapterTransport, err)
	}
	return nil
}

// StartContainer creates and starts a managed container running the RPC
// daemon on rpcPort. A stale container holding the same name is force-removed
// once before retrying. Returns the runtime's container id.
func (c *Client) StartContainer(ctx context.Context, name string, labels map[string]string, rpcPort int) (string, error) {
	c.logger.Info("Starting managed container",
		zap.String("name", name),
		zap.Int("rpc_port", rpcPort),
	)

	dockerID, err := c.createContainer(ctx, name, labels, rpcPort)
	if errdefs.IsConflict(err) {
		// Name collision with a leftover container. Remove it and retry once.
		c.logger.Warn("Container name in use, removing stale container", zap.String("name", name))
		if rmErr := c.cli.ContainerRemove(ctx, name, container.RemoveOptions{Force: true}); rmErr != nil {
			return "", fault.Wrap(fault.AdapterTransport, fmt.Errorf("removing stale container %s: %w", name, rmErr))
		}
		dockerID, err = c.createContainer(ctx, name, labels, rpcPort)
	}
	if err != nil {
		return "", err
	}

	if err := c.cli.ContainerStart(ctx, dockerID, container.StartOptions{}); err != nil {
		return "", fault.Wrap(fault.AdapterTransport, fmt.Errorf("starting container %s: %w", name, err))
	}

	c.logger.Info("Container started", zap.String("docker_id", dockerID), zap.String("name", name))
	return dockerID, nil
}

func (c *Client) createContainer(ctx context.Context, name string, labels map[string]string, rpcPort int) (string, error) {
	allLabels := make(map[string]string, len(labels)+2)
	for k, v := range labels {
		allLabels[k] = v
	}
	allLabels[LabelManaged] = "true"
	allLabels[LabelRPCPort] = strconv.Itoa(rpcPort)

	containerCfg := &container.Config{
		Image:  c.config.Image,
		Cmd:    c.daemonCmd(rpcPort),
		Labels: allLabels,
	}
	hostCfg := &container.HostConfig{}

	switch c.config.NetworkMode {
	case "host":
		hostCfg.NetworkMode = "host"
	case "network":
		hostCfg.NetworkMode = container.NetworkMode(c.config.DefaultNetwork)
	default: // port-mapping
		port := nat.Port(fmt.Sprintf("%d/tcp", rpcPort))
		containerCfg.ExposedPorts = nat.PortSet{port: struct{}{}}
		hostCfg.PortBindings = nat.PortMap{
			port: []nat.PortBinding{{HostIP: "127.0.0.1", HostPort: ""}},
		}
	}

	resp, err := c.cli.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, name)
	if errdefs.IsNotFound(err) {
		// Image missing locally; pull and retry.
		if pullErr := c.pullImage(ctx, c.config.Image); pullErr != nil {
			return "", pullErr
		}
		resp, err = c.cli.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, name)
	}
	if err != nil {
		if errdefs.IsConflict(err) {
			return "", err
		}
		return "", fault.Wrap(fault.AdapterTransport, fmt.Errorf("creating container %s: %w", name, err))
	}
	return resp.ID, nil
}

// daemonCmd builds the msfrpcd invocation for a managed container.
func (c *Client) daemonCmd(rpcPort int) []string {
	return []string{
		"./msfrpcd",
		"-f",
		"-S",
		"-U", c.msgrpc.User,
		"-P", c.msgrpc.Password,
		"-p", strconv.Itoa(rpcPort),
		"-a", "0.0.0.0",
	}
}

func (c *Client) pullImage(ctx context.Context, imageName string) error {
	c.logger.Info("Pulling image", zap.String("image", imageName))

	reader, err := c.cli.ImagePull(ctx, imageName, image.PullOptions{})
	if err != nil {
		return fault.Wrap(fault.AdapterTransport, fmt.Errorf("pulling image %s: %w", imageName, err))
	}
	defer reader.Close()

	// Read the output to ensure the image is fully pulled
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fault.Wrap(fault.AdapterTransport, fmt.Errorf("reading image pull output: %w", err))
	}

	c.logger.Info("Image pulled", zap.String("image", imageName))
	return nil
}

// StopContainer stops a managed container, killing it after the configured
// grace period.
func (c *Client) StopContainer(ctx context.Context, dockerID string) error {
	c.logger.Info("Stopping container", zap.String("docker_id", dockerID))

	timeoutSeconds := int(c.config.StopTimeoutDuration().Seconds())
	err := c.cli.ContainerStop(ctx, dockerID, container.StopOptions{
		Timeout: &timeoutSeconds,
	})
	if errdefs.IsNotFound(err) {
		return fault.Newf(fault.AdapterNotFound, "container %s", dockerID)
	}
	if err != nil {
		return fault.Wrap(fault.AdapterTransport, fmt.Errorf("stopping container %s: %w", dockerID, err))
	}

	c.logger.Info("Container stopped", zap.String("docker_id", dockerID))
	return nil
}

// IsRunning reports whether the container exists and is in the running state.
// A missing container counts as not running.
func (c *Client) IsRunning(ctx context.Context, dockerID string) (bool, error) {
	inspect, err := c.cli.ContainerInspect(ctx, dockerID)
	if errdefs.IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, fault.Wrap(fault.AdapterTransport, err)
	}
	return inspect.State != nil && inspect.State.Running, nil
}

// ListManaged lists every container carrying the managed marker label,
// whatever its state.
func (c *Client) ListManaged(ctx context.Context) ([]ManagedContainer, error) {
	filterArgs := filters.NewArgs()
	filterArgs.Add("label", LabelManaged+"=true")

	containers, err := c.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filterArgs,
	})
	if err != nil {
		return nil, fault.Wrap(fault.AdapterTransport, fmt.Errorf("listing managed containers: %w", err))
	}

	managed := make([]ManagedContainer, 0, len(containers))
	for _, ctr := range containers {
		name := ""
		if len(ctr.Names) > 0 {
			name = ctr.Names[0]
			// Remove leading slash from container name
			if len(name) > 0 && name[0] == '/' {
				name = name[1:]
			}
		}

		managed = append(managed, ManagedContainer{
			DockerID: ctr.ID,
			Name:     name,
			State:    ctr.State,
			Labels:   ctr.Labels,
		})
	}

	c.logger.Debug("Listed managed containers", zap.Int("count", len(managed)))
	return managed, nil
}

// Exec runs a one-shot shell command inside the container and waits for it
// to finish.
func (c *Client) Exec(ctx context.Context, dockerID string, command string) (ExecResult, error) {
	c.logger.Debug("Executing command in container",
		zap.String("docker_id", dockerID),
		zap.String("command", command),
	)

	created, err := c.cli.ContainerExecCreate(ctx, dockerID, container.ExecOptions{
		Cmd:          []string{"/bin/sh", "-c", command},
		AttachStdout: true,
		AttachStderr: true,
	})
	if errdefs.IsNotFound(err) {
		return ExecResult{}, fault.Newf(fault.AdapterNotFound, "container %s", dockerID)
	}
	if err != nil {
		return ExecResult{}, fault.Wrap(fault.ExecFailed, fmt.Errorf("creating exec: %w", err))
	}

	attach, err := c.cli.ContainerExecAttach(ctx, created.ID, container.ExecAttachOptions{})
	if err != nil {
		return ExecResult{}, fault.Wrap(fault.ExecFailed, fmt.Errorf("attaching exec: %w", err))
	}
	defer attach.Close()

	var output bytes.Buffer
	if err := demultiplexStream(attach.Reader, &output); err != nil {
		return ExecResult{}, fault.Wrap(fault.ExecFailed, fmt.Errorf("reading exec output: %w", err))
	}

	inspect, err := c.cli.ContainerExecInspect(ctx, created.ID)
	if err != nil {
		return ExecResult{}, fault.Wrap(fault.ExecFailed, fmt.Errorf("inspecting exec: %w", err))
	}

	return ExecResult{
		Output:   output.String(),
		ExitCode: inspect.ExitCode,
	}, nil
}

// ResolveRPCEndpoint determines how to reach the container's RPC daemon.
// Host networking uses localhost with the labeled port; port mapping reads
// the dynamically bound host port; otherwise the container name is the host.
func (c *Client) ResolveRPCEndpoint(ctx context.Context, dockerID string) (Endpoint, error) {
	inspect, err := c.cli.ContainerInspect(ctx, dockerID)
	if errdefs.IsNotFound(err) {
		return Endpoint{}, fault.Newf(fault.AdapterNotFound, "container %s", dockerID)
	}
	if err != nil {
		return Endpoint{}, fault.Wrap(fault.AdapterTransport, err)
	}

	labeledPort := 0
	if inspect.Config != nil {
		if raw, ok := inspect.Config.Labels[LabelRPCPort]; ok {
			labeledPort, _ = strconv.Atoi(raw)
		}
	}
	if labeledPort <= 0 {
		return Endpoint{}, fault.Newf(fault.PortNotMapped, "container %s has no rpc_port label", dockerID)
	}

	switch c.config.NetworkMode {
	case "host":
		return Endpoint{Host: "localhost", Port: labeledPort}, nil

	case "network":
		name := inspect.Name
		if len(name) > 0 && name[0] == '/' {
			name = name[1:]
		}
		return Endpoint{Host: name, Port: labeledPort}, nil

	default: // port-mapping
		if inspect.NetworkSettings == nil {
			return Endpoint{}, fault.Newf(fault.PortNotMapped, "container %s has no network settings", dockerID)
		}
		port := nat.Port(fmt.Sprintf("%d/tcp", labeledPort))
		bindings := inspect.NetworkSettings.Ports[port]
		if len(bindings) == 0 {
			return Endpoint{}, fault.Newf(fault.PortNotMapped, "port %d of container %s", labeledPort, dockerID)
		}
		hostPort, err := strconv.Atoi(bindings[0].HostPort)
		if err != nil || hostPort <= 0 {
			return Endpoint{}, fault.Newf(fault.PortNotMapped, "invalid host port %q", bindings[0].HostPort)
		}
		host := bindings[0].HostIP
		if host == "" || host == "0.0.0.0" {
			host = "localhost"
		}
		return Endpoint{Host: host, Port: hostPort}, nil
	}
}

// demultiplexStream reads Docker's multiplexed stream format and writes the
// payload frames to the writer.
// Docker stream format when Tty=false:
// - Byte 0: Stream type (0=stdin, 1=stdout, 2=stderr)
// - Bytes 1-3: Reserved
// - Bytes 4-7: Frame size (big endian uint32)
// - Bytes 8+: Frame data
func demultiplexStream(reader io.Reader, writer io.Writer) error {
	header := make([]byte, 8)
	for {
		// Read the 8-byte header
		if _, err := io.ReadFull(reader, header); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				return nil
			}
			return err
		}

		// Parse header
		streamType := header[0]
		size := binary.BigEndian.Uint32(header[4:8])

		// Read the frame data
		if size > 0 {
			data := make([]byte, size)
			if _, err := io.ReadFull(reader, data); err != nil {
				return err
			}

			// Both stdout (type 1) and stderr (type 2) belong in the
			// combined command output.
			if streamType == 1 || streamType == 2 {
				if _, err := writer.Write(data); err != nil {
					return err
				}
			}
		}
	}
}

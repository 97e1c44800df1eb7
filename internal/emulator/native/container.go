package native

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"sdnlab/internal/channel"
	"sdnlab/internal/topology"
)

func newContainerManager(docker client.APIClient) *containerManager {
	return &containerManager{docker: docker}
}

// containerManager runs image-based nodes as privileged containers without
// docker networking; their interfaces are veths moved in by the emulator.
type containerManager struct {
	docker client.APIClient
}

// Run creates and starts a container for img and returns its id and the
// pid of its init process.
func (m *containerManager) Run(ctx context.Context, name string, img topology.NodeImage) (string, int, error) {
	// 1. make the image available
	if err := m.ensureImage(ctx, img.BaseImage); err != nil {
		return "", 0, err
	}

	// 2. create
	created, err := m.docker.ContainerCreate(ctx, &container.Config{
		Image:           img.BaseImage,
		Cmd:             []string{"sleep", "infinity"},
		Hostname:        name,
		NetworkDisabled: true,
		User:            "root",
	}, &container.HostConfig{
		Privileged: true,
	}, nil, nil, name)
	if err != nil {
		return "", 0, fmt.Errorf("create: %w", err)
	}

	// 3. start
	if err := m.docker.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		return "", 0, fmt.Errorf("start: %w", err)
	}

	// 4. find the network namespace
	info, err := m.docker.ContainerInspect(ctx, created.ID)
	if err != nil {
		return "", 0, fmt.Errorf("inspect: %w", err)
	}
	if info.State == nil || info.State.Pid == 0 {
		return "", 0, fmt.Errorf("container %s is not running", name)
	}
	log.Printf("[*] container %s started (pid %d)", name, info.State.Pid)
	return created.ID, info.State.Pid, nil
}

func (m *containerManager) ensureImage(ctx context.Context, ref string) error {
	if _, _, err := m.docker.ImageInspectWithRaw(ctx, ref); err == nil {
		return nil
	} else if !client.IsErrNotFound(err) {
		return fmt.Errorf("inspect image %s: %w", ref, err)
	}

	log.Printf("[*] pulling image %s", ref)
	rc, err := m.docker.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pull image %s: %w", ref, err)
	}
	defer rc.Close()
	if _, err := io.Copy(io.Discard, rc); err != nil {
		return fmt.Errorf("pull image %s: %w", ref, err)
	}
	return nil
}

// Exec runs command through sh in the container. The exit code of the
// command is reported in the result.
func (m *containerManager) Exec(ctx context.Context, id, command string) (channel.Result, error) {
	exec, err := m.docker.ContainerExecCreate(ctx, id, container.ExecOptions{
		Cmd:          []string{"sh", "-c", command},
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return channel.Result{ExitCode: -1}, fmt.Errorf("exec create: %w", err)
	}

	attach, err := m.docker.ContainerExecAttach(ctx, exec.ID, container.ExecAttachOptions{})
	if err != nil {
		return channel.Result{ExitCode: -1}, fmt.Errorf("exec attach: %w", err)
	}
	defer attach.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, attach.Reader); err != nil {
		return channel.Result{Stdout: stdout.String(), Stderr: stderr.String(), ExitCode: -1}, fmt.Errorf("exec read: %w", err)
	}

	inspect, err := m.docker.ContainerExecInspect(ctx, exec.ID)
	if err != nil {
		return channel.Result{Stdout: stdout.String(), Stderr: stderr.String(), ExitCode: -1}, fmt.Errorf("exec inspect: %w", err)
	}
	return channel.Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: inspect.ExitCode,
	}, nil
}

func (m *containerManager) Remove(ctx context.Context, id string) error {
	if err := m.docker.ContainerRemove(ctx, id, container.RemoveOptions{Force: true}); err != nil {
		return fmt.Errorf("remove container %s: %w", id, err)
	}
	return nil
}

package docker

import (
	"bytes"
	"encoding/binary"
	"strings"
	"testing"

	"github.com/sarnowski/msfailab/internal/common/config"
	"github.com/sarnowski/msfailab/internal/common/ident"
)

// frame builds one multiplexed stream frame.
func frame(streamType byte, payload string) []byte {
	buf := make([]byte, 8+len(payload))
	buf[0] = streamType
	binary.BigEndian.PutUint32(buf[4:8], uint32(len(payload)))
	copy(buf[8:], payload)
	return buf
}

func TestDemultiplexStream(t *testing.T) {
	var input bytes.Buffer
	input.Write(frame(1, "stdout line\n"))
	input.Write(frame(2, "stderr line\n"))
	input.Write(frame(1, "more stdout"))

	var output bytes.Buffer
	if err := demultiplexStream(&input, &output); err != nil {
		t.Fatalf("demultiplexStream returned error: %v", err)
	}

	want := "stdout line\nstderr line\nmore stdout"
	if output.String() != want {
		t.Errorf("got %q, want %q", output.String(), want)
	}
}

func TestDemultiplexStreamEmpty(t *testing.T) {
	var output bytes.Buffer
	if err := demultiplexStream(bytes.NewReader(nil), &output); err != nil {
		t.Fatalf("demultiplexStream returned error: %v", err)
	}
	if output.Len() != 0 {
		t.Errorf("expected empty output, got %q", output.String())
	}
}

func TestDemultiplexStreamSkipsStdin(t *testing.T) {
	var input bytes.Buffer
	input.Write(frame(0, "should not appear"))
	input.Write(frame(1, "visible"))

	var output bytes.Buffer
	if err := demultiplexStream(&input, &output); err != nil {
		t.Fatalf("demultiplexStream returned error: %v", err)
	}
	if output.String() != "visible" {
		t.Errorf("got %q, want %q", output.String(), "visible")
	}
}

func TestDemultiplexStreamTruncatedFrame(t *testing.T) {
	input := frame(1, "payload")
	// Drop the last byte of the payload.
	truncated := input[:len(input)-1]

	var output bytes.Buffer
	if err := demultiplexStream(bytes.NewReader(truncated), &output); err == nil {
		t.Error("expected error for truncated frame, got nil")
	}
}

func TestManagedLabelsRoundTrip(t *testing.T) {
	labels := ManagedLabels(ident.ContainerID(42), ident.WorkspaceID(7), "acme", "kali-main")
	labels[LabelManaged] = "true"
	labels[LabelRPCPort] = "55730"

	mc := ManagedContainer{
		DockerID: "abc123",
		Name:     "msfailab-acme-kali-main",
		State:    "running",
		Labels:   labels,
	}

	if !mc.Running() {
		t.Error("expected Running() to be true")
	}

	id, ok := mc.ContainerID()
	if !ok || id != ident.ContainerID(42) {
		t.Errorf("ContainerID() = %d, %v; want 42, true", id, ok)
	}

	wsID, ok := mc.WorkspaceID()
	if !ok || wsID != ident.WorkspaceID(7) {
		t.Errorf("WorkspaceID() = %d, %v; want 7, true", wsID, ok)
	}

	if mc.WorkspaceSlug() != "acme" {
		t.Errorf("WorkspaceSlug() = %q, want %q", mc.WorkspaceSlug(), "acme")
	}
	if mc.ContainerSlug() != "kali-main" {
		t.Errorf("ContainerSlug() = %q, want %q", mc.ContainerSlug(), "kali-main")
	}

	port, ok := mc.RPCPort()
	if !ok || port != 55730 {
		t.Errorf("RPCPort() = %d, %v; want 55730, true", port, ok)
	}
}

func TestManagedContainerMissingLabels(t *testing.T) {
	mc := ManagedContainer{State: "exited", Labels: map[string]string{}}

	if mc.Running() {
		t.Error("expected Running() to be false for exited state")
	}
	if _, ok := mc.ContainerID(); ok {
		t.Error("expected ContainerID() to report missing label")
	}
	if _, ok := mc.WorkspaceID(); ok {
		t.Error("expected WorkspaceID() to report missing label")
	}
	if _, ok := mc.RPCPort(); ok {
		t.Error("expected RPCPort() to report missing label")
	}
}

func TestManagedContainerMalformedLabels(t *testing.T) {
	mc := ManagedContainer{
		State: "running",
		Labels: map[string]string{
			LabelContainerID: "not-a-number",
			LabelRPCPort:     "-1",
		},
	}

	if _, ok := mc.ContainerID(); ok {
		t.Error("expected ContainerID() to reject malformed label")
	}
	if _, ok := mc.RPCPort(); ok {
		t.Error("expected RPCPort() to reject non-positive port")
	}
}

func TestDaemonCmd(t *testing.T) {
	c := &Client{
		msgrpc: config.MsgrpcConfig{User: "msf", Password: "secret"},
	}

	cmd := c.daemonCmd(55730)
	joined := strings.Join(cmd, " ")
	want := "./msfrpcd -f -S -U msf -P secret -p 55730 -a 0.0.0.0"
	if joined != want {
		t.Errorf("daemonCmd = %q, want %q", joined, want)
	}
}

func TestEndpointAddr(t *testing.T) {
	e := Endpoint{Host: "localhost", Port: 55730}
	if e.Addr() != "localhost:55730" {
		t.Errorf("Addr() = %q, want %q", e.Addr(), "localhost:55730")
	}
}

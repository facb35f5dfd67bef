package main

import (
	"bytes"
	"context"
	"errors"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dghilardi/port-plumber/internal/api"
)

type fakeClient struct {
	path string
}

func (f *fakeClient) List(context.Context) ([]api.Route, error) {
	return []api.Route{
		{Name: "api.example", Source: "127.127.0.1", Target: "127.191.0.1", Mappings: []api.PortMapping{
			{SourcePort: 9000, Target: "127.191.0.1:80", Connections: 2},
			{SourcePort: 9001, Target: "127.191.0.1:81"},
		}},
		{Name: "idle.example", Source: "127.127.0.2", Target: "127.191.0.2"},
	}, nil
}

func (f *fakeClient) Resolve(_ context.Context, name string) (net.IP, error) {
	if name != "api.example" {
		return nil, errors.New("name not found")
	}
	return net.IPv4(127, 127, 0, 1), nil
}

func (f *fakeClient) Health(context.Context) (*api.HealthReport, error) {
	return &api.HealthReport{Overall: "error", Routes: []api.RouteHealth{
		{Name: "api.example", Level: "error", State: "unhealthy", Message: "exhausted"},
	}}, nil
}

func execute(t *testing.T, args ...string) (string, *fakeClient, error) {
	t.Helper()
	fc := &fakeClient{}
	cmd := newRootCmd(func(path string) controlClient {
		fc.path = path
		return fc
	})
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), fc, err
}

func TestListTable(t *testing.T) {
	out, fc, err := execute(t, "list")
	require.NoError(t, err)
	assert.Equal(t, "/run/port-plumber/cmd.sock", fc.path)
	assert.Contains(t, out, "NAME")
	assert.Contains(t, out, "127.127.0.1:9000")
	assert.Contains(t, out, "127.191.0.1:81")
	assert.Contains(t, out, "idle.example")
	assert.Regexp(t, `127\.127\.0\.1:9000\s+127\.191\.0\.1:80\s+2\n`, out)
}

func TestListJSON(t *testing.T) {
	out, _, err := execute(t, "--json", "list")
	require.NoError(t, err)
	assert.Contains(t, out, `"source_port": 9000`)
}

func TestResolveCustomPath(t *testing.T) {
	out, fc, err := execute(t, "--path", "/tmp/pp.sock", "resolve", "api.example")
	require.NoError(t, err)
	assert.Equal(t, "/tmp/pp.sock", fc.path)
	assert.Equal(t, "127.127.0.1\n", out)

	_, _, err = execute(t, "resolve", "other")
	assert.Error(t, err)

	_, _, err = execute(t, "resolve")
	assert.Error(t, err)
}

func TestHealthTable(t *testing.T) {
	out, _, err := execute(t, "health")
	require.NoError(t, err)
	assert.Contains(t, out, "overall: error")
	assert.Contains(t, out, "unhealthy")
	assert.Contains(t, out, "exhausted")
}

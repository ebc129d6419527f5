package containerinfo_test

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/contprof/agent/internal/containerinfo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeProcCgroup(t *testing.T, root string, pid int, content string) {
	t.Helper()
	dir := filepath.Join(root, strconv.Itoa(pid))
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "cgroup"), []byte(content), 0o644))
}

func TestResolvePlainDocker(t *testing.T) {
	root := t.TempDir()
	id := "a1b2c3d4e5f60000000000000000000000000000000000000000000000aabb"
	writeProcCgroup(t, root, 100, "0::/docker/"+id+"\n")

	r := containerinfo.NewResolver(root)
	info, err := r.Resolve(100)
	require.NoError(t, err)
	assert.Equal(t, id[:12], info.ContainerName)
}

func TestResolveKubepodsSlice(t *testing.T) {
	root := t.TempDir()
	id := "a1b2c3d4e5f60000000000000000000000000000000000000000000000aabb"
	writeProcCgroup(t, root, 200,
		"0::/kubepods.slice/kubepods-burstable.slice/kubepods-burstable-pod12345678_1234_5678_1234_123456789012.slice/cri-containerd-"+id+".scope\n")

	r := containerinfo.NewResolver(root)
	info, err := r.Resolve(200)
	require.NoError(t, err)
	assert.Equal(t, "kubernetes", info.Namespace)
	assert.NotEmpty(t, info.Pod)
}

func TestResolveNonContainerized(t *testing.T) {
	root := t.TempDir()
	writeProcCgroup(t, root, 300, "0::/user.slice/user-1000.slice\n")

	r := containerinfo.NewResolver(root)
	info, err := r.Resolve(300)
	require.NoError(t, err)
	assert.True(t, info.IsZero())
}

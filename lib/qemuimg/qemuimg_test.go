package qemuimg

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/onkernel/sharedblock/lib/backend"
	"github.com/onkernel/sharedblock/lib/command"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInfoAndBacking(t *testing.T) {
	runner := command.NewFake()
	runner.OnOutput("qemu-img info --output=json -U /dev/vg/leaf", `{
		"virtual-size": 10737418240,
		"filename": "/dev/vg/leaf",
		"format": "qcow2",
		"actual-size": 0,
		"backing-filename": "/dev/vg/base",
		"full-backing-filename": "/dev/vg/base"
	}`)
	runner.OnOutput("qemu-img info --output=json -U /dev/vg/base", `{"virtual-size": 10737418240, "filename": "/dev/vg/base"}`)
	c := New(runner)
	ctx := context.Background()

	size, err := c.VirtualSize(ctx, "/dev/vg/leaf")
	require.NoError(t, err)
	assert.Equal(t, int64(10<<30), size)

	b, err := c.BackingFile(ctx, "/dev/vg/leaf")
	require.NoError(t, err)
	assert.Equal(t, "/dev/vg/base", b)

	b, err = c.BackingFile(ctx, "/dev/vg/base")
	require.NoError(t, err)
	assert.Empty(t, b)
}

func TestBackingChain(t *testing.T) {
	runner := command.NewFake()
	runner.OnOutput("qemu-img info --output=json -U --backing-chain /dev/vg/leaf",
		`[{"filename": "/dev/vg/leaf"}, {"filename": "/dev/vg/mid"}, {"filename": "/dev/vg/base"}]`)
	chain, err := New(runner).BackingChain(context.Background(), "/dev/vg/leaf")
	require.NoError(t, err)
	assert.Equal(t, []string{"/dev/vg/leaf", "/dev/vg/mid", "/dev/vg/base"}, chain)
}

func TestCommandLines(t *testing.T) {
	runner := command.NewFake()
	c := New(runner)
	ctx := context.Background()

	require.NoError(t, c.Create(ctx, "/dev/vg/a", 1<<30, []string{"-o", "cluster_size=2097152"}))
	require.NoError(t, c.Clone(ctx, "/dev/vg/base", "/dev/vg/a", nil))
	require.NoError(t, c.Flatten(ctx, "/dev/vg/a", "/dev/vg/t", true))
	require.NoError(t, c.Rebase(ctx, "/dev/vg/a", "/dev/vg2/base", false))
	require.NoError(t, c.Rebase(ctx, "/dev/vg/a", "/dev/vg/base", true))
	require.NoError(t, c.Resize(ctx, "/dev/vg/a", 2<<30))
	require.NoError(t, c.FillZero(ctx, "/dev/vg/a", 0, 1<<20))

	assert.Equal(t, []string{
		"qemu-img create -f qcow2 -o cluster_size=2097152 /dev/vg/a 1073741824",
		"qemu-img create -F qcow2 -b /dev/vg/base -f qcow2 /dev/vg/a",
		"qemu-img convert -f qcow2 -O qcow2 -c /dev/vg/a /dev/vg/t",
		"qemu-img rebase -f qcow2 -F qcow2 -u -b /dev/vg2/base /dev/vg/a",
		"qemu-img rebase -f qcow2 -F qcow2 -b /dev/vg/base /dev/vg/a",
		"qemu-img resize -f qcow2 /dev/vg/a 2147483648",
		"qemu-io -f qcow2 -c write -P 0 0 1048576 /dev/vg/a",
	}, runner.Calls)
}

func TestCompare_DifferIsIntegrity(t *testing.T) {
	runner := command.NewFake()
	runner.On("qemu-img compare", command.FakeResponse{ExitCode: 1, Stdout: "Content mismatch at offset 0!"})
	err := New(runner).Compare(context.Background(), "/dev/vg/a", "/dev/vg/b")
	assert.ErrorIs(t, err, backend.ErrIntegrity)

	runner.On("qemu-img compare", command.FakeResponse{ExitCode: 2, Stderr: "Could not open"})
	err = New(runner).Compare(context.Background(), "/dev/vg/a", "/dev/vg/b")
	assert.NotErrorIs(t, err, backend.ErrIntegrity)
	assert.ErrorIs(t, err, backend.ErrBackend)
}

func TestCheck_ToleratesLeaks(t *testing.T) {
	runner := command.NewFake()
	runner.On("qemu-img check", command.FakeResponse{ExitCode: 3, Stdout: `{"image-end-offset": 5439488, "compressed-clusters": 4, "leaks": 2}`})
	c := New(runner)

	off, err := c.ImageEndOffset(context.Background(), "/dev/vg/a")
	require.NoError(t, err)
	assert.Equal(t, int64(5439488), off)

	compressed, err := c.IsCompressed(context.Background(), "/dev/vg/a")
	require.NoError(t, err)
	assert.True(t, compressed)

	runner.On("qemu-img check", command.FakeResponse{ExitCode: 2, Stderr: "corrupt"})
	_, err = c.ImageEndOffset(context.Background(), "/dev/vg/a")
	assert.Error(t, err)
}

func TestCopyAndCompareBytewise(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	dst := filepath.Join(dir, "dst")
	data := bytes.Repeat([]byte("sharedblock"), chunkSize/5)
	require.NoError(t, os.WriteFile(src, data, 0644))
	require.NoError(t, os.WriteFile(dst, make([]byte, len(data)), 0644))

	c := New(command.NewFake())
	ctx := context.Background()

	same, err := c.CompareBytewise(ctx, src, dst)
	require.NoError(t, err)
	assert.False(t, same)

	require.NoError(t, c.Copy(ctx, src, dst))
	same, err = c.CompareBytewise(ctx, src, dst)
	require.NoError(t, err)
	assert.True(t, same)

	require.NoError(t, os.WriteFile(dst, append(data, 'x'), 0644))
	same, err = c.CompareBytewise(ctx, src, dst)
	require.NoError(t, err)
	assert.False(t, same)
}

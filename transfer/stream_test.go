package transfer

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChunkSizingGrowsPerFileAndResets(t *testing.T) {
	src := t.TempDir()
	writeFile(t, filepath.Join(src, "big.bin"), 10)
	writeFile(t, filepath.Join(src, "small.bin"), 3)

	plan, err := Gather([]string{filepath.Join(src, "big.bin"), filepath.Join(src, "small.bin")})
	require.NoError(t, err)

	var sizes []int
	sender := NewChunkSender(plan.Files, ChunkSizing{Unit: 1, Max: 3}, nil)
	err = sender.Run(context.Background(), func(c Chunk) error {
		sizes = append(sizes, len(c.Data))
		return nil
	})
	require.NoError(t, err)

	// big.bin: 1,2,3,3,1 then terminator; small.bin restarts at 1.
	assert.Equal(t, []int{1, 2, 3, 3, 1, 0, 1, 2, 0}, sizes)
}

func TestRoundTripMatchesQueuedFiles(t *testing.T) {
	src := t.TempDir()
	writeFile(t, filepath.Join(src, "tree", "one.txt"), 100)
	writeFile(t, filepath.Join(src, "tree", "deep", "two.txt"), 70000)
	writeFile(t, filepath.Join(src, "tree", "empty.txt"), 0)
	require.NoError(t, os.Symlink("one.txt", filepath.Join(src, "tree", "alias")))
	mtime := time.Unix(1_600_000_000, 0)
	require.NoError(t, os.Chtimes(filepath.Join(src, "tree", "one.txt"), mtime, mtime))

	plan, err := Gather([]string{filepath.Join(src, "tree")})
	require.NoError(t, err)

	dst := t.TempDir()
	receiver, err := NewChunkReceiver(ReceiverOptions{Root: dst})
	require.NoError(t, err)
	defer receiver.Close()

	type group struct {
		rel   string
		typ   FileType
		bytes int
	}
	var groups []group
	sender := NewChunkSender(plan.Files, ChunkSizing{}, nil)
	err = sender.Run(context.Background(), func(c Chunk) error {
		if len(groups) == 0 || groups[len(groups)-1].rel != c.RelativePath {
			groups = append(groups, group{rel: c.RelativePath, typ: c.Type})
		}
		groups[len(groups)-1].bytes += len(c.Data)
		return receiver.Apply(c)
	})
	require.NoError(t, err)
	require.NoError(t, receiver.Finish())

	require.Len(t, groups, len(plan.Files))
	for i, f := range plan.Files {
		assert.Equal(t, f.RelativePath, groups[i].rel)
		assert.Equal(t, f.Type, groups[i].typ)
		assert.Equal(t, int(f.Size), groups[i].bytes)
	}
	assert.Equal(t, plan.TotalCount, receiver.FilesCompleted())
	assert.Equal(t, plan.TotalSize, receiver.BytesWritten())
	assert.Empty(t, receiver.Warnings())

	got, err := os.ReadFile(filepath.Join(dst, "tree", "deep", "two.txt"))
	require.NoError(t, err)
	want, err := os.ReadFile(filepath.Join(src, "tree", "deep", "two.txt"))
	require.NoError(t, err)
	assert.Equal(t, want, got)

	target, err := os.Readlink(filepath.Join(dst, "tree", "alias"))
	require.NoError(t, err)
	assert.Equal(t, "one.txt", target)

	info, err := os.Stat(filepath.Join(dst, "tree", "one.txt"))
	require.NoError(t, err)
	assert.True(t, info.ModTime().Equal(mtime))
}

func TestSenderStopsOnCancel(t *testing.T) {
	src := t.TempDir()
	writeFile(t, filepath.Join(src, "f.bin"), 100)
	plan, err := Gather([]string{filepath.Join(src, "f.bin")})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	emitted := 0
	sender := NewChunkSender(plan.Files, ChunkSizing{Unit: 10, Max: 10}, nil)
	err = sender.Run(ctx, func(c Chunk) error {
		emitted++
		if emitted == 2 {
			cancel()
		}
		return nil
	})
	assert.ErrorIs(t, err, ErrCancelled)
	assert.Equal(t, 2, emitted)
}

func TestSenderReportsVanishedSource(t *testing.T) {
	src := t.TempDir()
	path := filepath.Join(src, "gone.txt")
	writeFile(t, path, 10)
	plan, err := Gather([]string{path})
	require.NoError(t, err)
	require.NoError(t, os.Remove(path))

	err = NewChunkSender(plan.Files, ChunkSizing{}, nil).Run(context.Background(), func(Chunk) error { return nil })
	assert.ErrorIs(t, err, ErrFileNotFound)
}

func TestSenderWaitsOnPauseGate(t *testing.T) {
	src := t.TempDir()
	writeFile(t, filepath.Join(src, "f.bin"), 4)
	plan, err := Gather([]string{filepath.Join(src, "f.bin")})
	require.NoError(t, err)

	gate := NewPauseGate()
	gate.Pause()
	chunks := make(chan Chunk, 16)
	done := make(chan error, 1)
	go func() {
		done <- NewChunkSender(plan.Files, ChunkSizing{Unit: 1, Max: 1}, gate).Run(context.Background(), func(c Chunk) error {
			chunks <- c
			return nil
		})
	}()

	select {
	case <-chunks:
		t.Fatal("chunk emitted while paused")
	case <-time.After(50 * time.Millisecond):
	}

	gate.Resume()
	require.NoError(t, <-done)
	assert.Len(t, chunks, 5)
}

func TestPauseGateWaitHonoursContext(t *testing.T) {
	gate := NewPauseGate()
	gate.Pause()
	assert.True(t, gate.Paused())
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, gate.Wait(ctx), context.DeadlineExceeded)
}

func TestReceiverRejectsUnsafePaths(t *testing.T) {
	receiver, err := NewChunkReceiver(ReceiverOptions{Root: t.TempDir()})
	require.NoError(t, err)

	for _, rel := range []string{"../escape.txt", "/etc/passwd", "a/../../b", ""} {
		err := receiver.Apply(Chunk{RelativePath: rel, Type: FileTypeRegular, Data: []byte("x")})
		assert.ErrorIsf(t, err, ErrUnsafePath, "path %q", rel)
	}
}

func TestReceiverRerootsAbsoluteSymlinks(t *testing.T) {
	root := t.TempDir()
	receiver, err := NewChunkReceiver(ReceiverOptions{Root: root})
	require.NoError(t, err)

	require.NoError(t, receiver.Apply(Chunk{RelativePath: "link", Type: FileTypeSymlink, SymlinkTarget: "/srv/data"}))
	target, err := os.Readlink(filepath.Join(root, "link"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("srv", "data"), target)

	require.NoError(t, receiver.Apply(Chunk{RelativePath: "nested/link", Type: FileTypeSymlink, SymlinkTarget: "/srv/data"}))
	target, err = os.Readlink(filepath.Join(root, "nested", "link"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("..", "srv", "data"), target)
}

func TestReceiverRejectsEscapingSymlinks(t *testing.T) {
	base := t.TempDir()
	root := filepath.Join(base, "save")
	outside := filepath.Join(base, "outside")
	require.NoError(t, os.Mkdir(outside, 0o755))

	receiver, err := NewChunkReceiver(ReceiverOptions{Root: root})
	require.NoError(t, err)
	defer receiver.Close()

	for _, target := range []string{"../outside", "a/../../outside", "../../etc"} {
		err := receiver.Apply(Chunk{RelativePath: "evil", Type: FileTypeSymlink, SymlinkTarget: target})
		assert.ErrorIs(t, err, ErrUnsafePath, target)
	}
	err = receiver.Apply(Chunk{RelativePath: "sub/evil", Type: FileTypeSymlink, SymlinkTarget: "../../outside"})
	assert.ErrorIs(t, err, ErrUnsafePath)
	_, err = os.Lstat(filepath.Join(root, "evil"))
	assert.True(t, errors.Is(err, os.ErrNotExist))

	require.NoError(t, receiver.Apply(Chunk{RelativePath: "sub/ok", Type: FileTypeSymlink, SymlinkTarget: "../inside.txt"}))
}

func TestReceiverDoesNotFollowLinksOutOfRoot(t *testing.T) {
	base := t.TempDir()
	root := filepath.Join(base, "save")
	outside := filepath.Join(base, "outside")
	require.NoError(t, os.MkdirAll(root, 0o755))
	require.NoError(t, os.Mkdir(outside, 0o755))
	require.NoError(t, os.Symlink(outside, filepath.Join(root, "evil")))

	receiver, err := NewChunkReceiver(ReceiverOptions{Root: root})
	require.NoError(t, err)
	defer receiver.Close()

	err = receiver.Apply(Chunk{RelativePath: "evil/pwned.txt", Type: FileTypeRegular, Data: []byte("x")})
	assert.ErrorIs(t, err, ErrWriteFailed)
	err = receiver.Apply(Chunk{RelativePath: "evil/dir", Type: FileTypeDirectory})
	assert.ErrorIs(t, err, ErrWriteFailed)

	entries, err := os.ReadDir(outside)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestReceiverStrictDirectories(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(root, "existing"), 0o755))

	lenient, err := NewChunkReceiver(ReceiverOptions{Root: root})
	require.NoError(t, err)
	assert.NoError(t, lenient.Apply(Chunk{RelativePath: "existing", Type: FileTypeDirectory}))

	strict, err := NewChunkReceiver(ReceiverOptions{Root: root, StrictDirectories: true})
	require.NoError(t, err)
	assert.ErrorIs(t, strict.Apply(Chunk{RelativePath: "existing", Type: FileTypeDirectory}), ErrPathExists)
}

func TestReceiverCleansUpPartialFiles(t *testing.T) {
	root := t.TempDir()
	receiver, err := NewChunkReceiver(ReceiverOptions{Root: root})
	require.NoError(t, err)

	require.NoError(t, receiver.Apply(Chunk{RelativePath: "half.bin", Type: FileTypeRegular, Data: []byte("abc")}))
	_, err = os.Stat(filepath.Join(root, "half.bin"))
	require.NoError(t, err)

	receiver.Close()
	receiver.Close()
	_, err = os.Stat(filepath.Join(root, "half.bin"))
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestReceiverProtocolViolations(t *testing.T) {
	root := t.TempDir()
	receiver, err := NewChunkReceiver(ReceiverOptions{Root: root})
	require.NoError(t, err)

	require.NoError(t, receiver.Apply(Chunk{RelativePath: "a.bin", Type: FileTypeRegular, Sequence: 0, Data: []byte("a")}))
	err = receiver.Apply(Chunk{RelativePath: "a.bin", Type: FileTypeRegular, Sequence: 5, Data: []byte("b")})
	assert.ErrorIs(t, err, ErrProtocol)
	_, statErr := os.Stat(filepath.Join(root, "a.bin"))
	assert.True(t, errors.Is(statErr, os.ErrNotExist))

	require.NoError(t, receiver.Apply(Chunk{RelativePath: "b.bin", Type: FileTypeRegular, Data: []byte("b")}))
	err = receiver.Apply(Chunk{RelativePath: "c.bin", Type: FileTypeRegular, Data: []byte("c")})
	assert.ErrorIs(t, err, ErrProtocol)

	require.NoError(t, receiver.Apply(Chunk{RelativePath: "d.bin", Type: FileTypeRegular, Data: []byte("d")}))
	assert.ErrorIs(t, receiver.Finish(), ErrProtocol)
}

package transfer

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

var (
	// ErrWriteFailed indicates the receiver could not write to the save directory.
	ErrWriteFailed = errors.New("transfer: write failed")
	// ErrPathExists indicates a directory already exists in strict mode.
	ErrPathExists = errors.New("transfer: path already exists")
	// ErrUnsafePath indicates a relative path that would escape the save root.
	ErrUnsafePath = errors.New("transfer: unsafe relative path")
	// ErrProtocol indicates chunks arrived out of the agreed order.
	ErrProtocol = errors.New("transfer: chunk stream out of order")
)

// ReceiverOptions configures a ChunkReceiver.
type ReceiverOptions struct {
	Root string
	// StrictDirectories fails the transfer when a directory chunk names an
	// existing path instead of merging into it.
	StrictDirectories bool
}

// ChunkReceiver applies an inbound chunk stream under a save root. It holds at
// most one open file and never buffers chunks. Every filesystem call goes
// through an os.Root, so no path or received symlink can reach outside it.
type ChunkReceiver struct {
	root   string
	dir    *os.Root
	strict bool

	current     *os.File
	currentPath string
	currentRel  string
	currentMode fs.FileMode
	currentTime int64
	nextSeq     uint64

	filesDone    int
	bytesWritten int64
	warnings     []string
}

// NewChunkReceiver prepares the save root.
func NewChunkReceiver(options ReceiverOptions) (*ChunkReceiver, error) {
	if options.Root == "" {
		return nil, errors.New("save root is required")
	}
	if err := os.MkdirAll(options.Root, 0o755); err != nil {
		return nil, fmt.Errorf("%w: create save root: %v", ErrWriteFailed, err)
	}
	dir, err := os.OpenRoot(options.Root)
	if err != nil {
		return nil, fmt.Errorf("%w: open save root: %v", ErrWriteFailed, err)
	}
	return &ChunkReceiver{
		root:   options.Root,
		dir:    dir,
		strict: options.StrictDirectories,
	}, nil
}

// Apply materialises one chunk. On error any partially written file has
// already been closed and removed.
func (r *ChunkReceiver) Apply(chunk Chunk) error {
	if r.current != nil && (chunk.Type != FileTypeRegular || chunk.RelativePath != r.currentRel) {
		rel := r.currentRel
		r.abortCurrent()
		return fmt.Errorf("%w: %q started before %q was terminated", ErrProtocol, chunk.RelativePath, rel)
	}

	if r.dir == nil {
		return fmt.Errorf("%w: receiver closed", ErrWriteFailed)
	}
	path, err := r.resolve(chunk.RelativePath)
	if err != nil {
		return err
	}

	switch chunk.Type {
	case FileTypeDirectory:
		return r.makeDirectory(path, chunk)
	case FileTypeSymlink:
		return r.makeSymlink(path, chunk)
	case FileTypeRegular:
		return r.writeRegular(path, chunk)
	default:
		return fmt.Errorf("%w: unknown file type %d for %q", ErrProtocol, chunk.Type, chunk.RelativePath)
	}
}

// Finish validates that the stream ended on a file boundary.
func (r *ChunkReceiver) Finish() error {
	if r.current != nil {
		rel := r.currentRel
		r.abortCurrent()
		return fmt.Errorf("%w: stream ended inside %q", ErrProtocol, rel)
	}
	return nil
}

// Close releases and deletes any partially written file, then releases the
// save root. It is safe to call after Finish and more than once.
func (r *ChunkReceiver) Close() {
	r.abortCurrent()
	if r.dir != nil {
		_ = r.dir.Close()
		r.dir = nil
	}
}

// FilesCompleted returns the number of entries fully materialised.
func (r *ChunkReceiver) FilesCompleted() int { return r.filesDone }

// BytesWritten returns the payload bytes written so far.
func (r *ChunkReceiver) BytesWritten() int64 { return r.bytesWritten }

// Warnings lists non-fatal per-file problems.
func (r *ChunkReceiver) Warnings() []string {
	return append([]string(nil), r.warnings...)
}

// resolve returns rel as a path relative to the save root.
func (r *ChunkReceiver) resolve(rel string) (string, error) {
	local := filepath.FromSlash(rel)
	if rel == "" || !filepath.IsLocal(local) {
		return "", fmt.Errorf("%w: %q", ErrUnsafePath, rel)
	}
	return filepath.Clean(local), nil
}

// linkTarget maps a sent symlink target onto one that stays under the save
// root. Absolute targets are re-rooted and written relative to the link.
func linkTarget(path, target string) (string, error) {
	target = filepath.FromSlash(target)
	dir := filepath.Dir(path)
	if filepath.IsAbs(target) {
		rel, err := filepath.Rel(string(filepath.Separator)+dir, target)
		if err != nil {
			return "", err
		}
		target = rel
	}
	if !filepath.IsLocal(filepath.Join(dir, target)) {
		return "", errors.New("target leaves the save root")
	}
	return target, nil
}

func (r *ChunkReceiver) makeDirectory(path string, chunk Chunk) error {
	if info, err := r.dir.Lstat(path); err == nil {
		if r.strict || !info.IsDir() {
			return fmt.Errorf("%w: %q", ErrPathExists, chunk.RelativePath)
		}
	}
	if err := r.dir.MkdirAll(path, 0o755); err != nil {
		return fmt.Errorf("%w: create directory %q: %v", ErrWriteFailed, chunk.RelativePath, err)
	}
	if chunk.Mode != 0 {
		if err := r.dir.Chmod(path, chunk.Mode|0o700); err != nil {
			r.warn("set mode of %q: %v", chunk.RelativePath, err)
		}
	}
	r.filesDone++
	return nil
}

func (r *ChunkReceiver) makeSymlink(path string, chunk Chunk) error {
	if chunk.SymlinkTarget == "" {
		return fmt.Errorf("%w: symlink %q has no target", ErrProtocol, chunk.RelativePath)
	}
	target, err := linkTarget(path, chunk.SymlinkTarget)
	if err != nil {
		return fmt.Errorf("%w: symlink %q -> %q: %v", ErrUnsafePath, chunk.RelativePath, chunk.SymlinkTarget, err)
	}

	if err := r.dir.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("%w: create parent of %q: %v", ErrWriteFailed, chunk.RelativePath, err)
	}
	if _, err := r.dir.Lstat(path); err == nil {
		if r.strict {
			return fmt.Errorf("%w: %q", ErrPathExists, chunk.RelativePath)
		}
		if err := r.dir.Remove(path); err != nil {
			return fmt.Errorf("%w: replace %q: %v", ErrWriteFailed, chunk.RelativePath, err)
		}
	}
	if err := r.dir.Symlink(target, path); err != nil {
		return fmt.Errorf("%w: symlink %q: %v", ErrWriteFailed, chunk.RelativePath, err)
	}
	r.filesDone++
	return nil
}

func (r *ChunkReceiver) writeRegular(path string, chunk Chunk) error {
	if r.current == nil {
		if chunk.Sequence != 0 {
			return fmt.Errorf("%w: %q began at sequence %d", ErrProtocol, chunk.RelativePath, chunk.Sequence)
		}
		if err := r.dir.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return fmt.Errorf("%w: create parent of %q: %v", ErrWriteFailed, chunk.RelativePath, err)
		}
		handle, err := r.dir.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("%w: open %q: %v", ErrWriteFailed, chunk.RelativePath, err)
		}
		r.current = handle
		r.currentPath = path
		r.currentRel = chunk.RelativePath
		r.currentMode = chunk.Mode
		r.currentTime = chunk.ModTime
		r.nextSeq = 0
	}

	if chunk.Sequence != r.nextSeq {
		rel := r.currentRel
		want := r.nextSeq
		r.abortCurrent()
		return fmt.Errorf("%w: %q got sequence %d, want %d", ErrProtocol, rel, chunk.Sequence, want)
	}
	r.nextSeq++

	if len(chunk.Data) == 0 {
		return r.finishCurrent()
	}

	if _, err := r.current.Write(chunk.Data); err != nil {
		rel := r.currentRel
		r.abortCurrent()
		return fmt.Errorf("%w: write %q: %v", ErrWriteFailed, rel, err)
	}
	r.bytesWritten += int64(len(chunk.Data))
	return nil
}

func (r *ChunkReceiver) finishCurrent() error {
	handle := r.current
	path := r.currentPath
	rel := r.currentRel
	r.current = nil

	if err := handle.Close(); err != nil {
		_ = r.dir.Remove(path)
		return fmt.Errorf("%w: close %q: %v", ErrWriteFailed, rel, err)
	}
	if r.currentMode != 0 {
		if err := r.dir.Chmod(path, r.currentMode); err != nil {
			r.warn("set mode of %q: %v", rel, err)
		}
	}
	if r.currentTime > 0 {
		mtime := time.Unix(r.currentTime, 0)
		if err := r.dir.Chtimes(path, mtime, mtime); err != nil {
			r.warn("set modification time of %q: %v", rel, err)
		}
	}
	r.filesDone++
	return nil
}

func (r *ChunkReceiver) abortCurrent() {
	if r.current == nil {
		return
	}
	_ = r.current.Close()
	if r.dir != nil {
		_ = r.dir.Remove(r.currentPath)
	}
	r.current = nil
	r.currentPath = ""
	r.currentRel = ""
}

func (r *ChunkReceiver) warn(format string, args ...any) {
	r.warnings = append(r.warnings, fmt.Sprintf(format, args...))
}

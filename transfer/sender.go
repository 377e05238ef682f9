package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
)

const (
	// DefaultChunkUnit is the first read size for each file and the step by
	// which reads grow.
	DefaultChunkUnit = 64 * 1024
	// DefaultMaxChunkSize bounds a single chunk payload.
	DefaultMaxChunkSize = 1024 * 1024
)

// ErrCancelled indicates the local cancellation token fired mid-stream.
var ErrCancelled = errors.New("transfer: cancelled")

// Chunk is the wire unit of a transfer. A regular-file chunk with no data
// terminates that file.
type Chunk struct {
	RelativePath  string
	Type          FileType
	SymlinkTarget string
	Sequence      uint64
	Data          []byte
	Mode          fs.FileMode
	ModTime       int64
}

// Terminator reports whether the chunk ends a regular file.
func (c Chunk) Terminator() bool {
	return c.Type == FileTypeRegular && len(c.Data) == 0
}

// ChunkSizing controls adaptive read sizes. Each file starts at Unit and
// grows by Unit per read until Max.
type ChunkSizing struct {
	Unit int
	Max  int
}

func (s ChunkSizing) withDefaults() ChunkSizing {
	out := s
	if out.Unit <= 0 {
		out.Unit = DefaultChunkUnit
	}
	if out.Max < out.Unit {
		out.Max = DefaultMaxChunkSize
		if out.Max < out.Unit {
			out.Max = out.Unit
		}
	}
	return out
}

// EmitFunc delivers one chunk to the transport.
type EmitFunc func(Chunk) error

// ChunkSender turns an agreed file list into an ordered chunk stream.
type ChunkSender struct {
	files  []QueuedFile
	sizing ChunkSizing
	gate   *PauseGate

	// OnBytes is called after each data chunk is emitted.
	OnBytes func(n int)
}

// NewChunkSender creates a sender for files. gate may be nil.
func NewChunkSender(files []QueuedFile, sizing ChunkSizing, gate *PauseGate) *ChunkSender {
	return &ChunkSender{
		files:  files,
		sizing: sizing.withDefaults(),
		gate:   gate,
	}
}

// Run streams every queued file through emit. ctx is the cancellation token;
// it is checked before each read and each emit. A missing source yields
// ErrFileNotFound, any other read failure ErrSourceUnreadable, a fired token
// ErrCancelled. Errors from emit are returned unchanged.
func (s *ChunkSender) Run(ctx context.Context, emit EmitFunc) error {
	for _, file := range s.files {
		if err := s.checkpoint(ctx); err != nil {
			return err
		}

		switch file.Type {
		case FileTypeDirectory, FileTypeSymlink:
			if err := emit(Chunk{
				RelativePath:  file.RelativePath,
				Type:          file.Type,
				SymlinkTarget: file.SymlinkTarget,
				Mode:          file.Mode,
				ModTime:       file.ModTime,
			}); err != nil {
				return err
			}
		default:
			if err := s.sendFile(ctx, file, emit); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *ChunkSender) sendFile(ctx context.Context, file QueuedFile, emit EmitFunc) error {
	handle, err := os.Open(file.AbsoluteSource)
	if err != nil {
		return classifyStatError(file.AbsoluteSource, err)
	}
	defer func() {
		_ = handle.Close()
	}()

	size := s.sizing.Unit
	var sequence uint64
	buffer := make([]byte, s.sizing.Max)

	for {
		if err := s.checkpoint(ctx); err != nil {
			return err
		}

		n, readErr := io.ReadFull(handle, buffer[:size])
		if n > 0 {
			if err := s.checkpoint(ctx); err != nil {
				return err
			}
			data := make([]byte, n)
			copy(data, buffer[:n])
			if err := emit(Chunk{
				RelativePath: file.RelativePath,
				Type:         FileTypeRegular,
				Sequence:     sequence,
				Data:         data,
				Mode:         file.Mode,
				ModTime:      file.ModTime,
			}); err != nil {
				return err
			}
			sequence++
			if s.OnBytes != nil {
				s.OnBytes(n)
			}
		}

		if errors.Is(readErr, io.EOF) || errors.Is(readErr, io.ErrUnexpectedEOF) {
			break
		}
		if readErr != nil {
			return fmt.Errorf("%w: read %q: %v", ErrSourceUnreadable, file.AbsoluteSource, readErr)
		}

		if size < s.sizing.Max {
			size += s.sizing.Unit
			if size > s.sizing.Max {
				size = s.sizing.Max
			}
		}
	}

	return emit(Chunk{
		RelativePath: file.RelativePath,
		Type:         FileTypeRegular,
		Sequence:     sequence,
		Mode:         file.Mode,
		ModTime:      file.ModTime,
	})
}

func (s *ChunkSender) checkpoint(ctx context.Context) error {
	if s.gate != nil {
		if err := s.gate.Wait(ctx); err != nil {
			return ErrCancelled
		}
	}
	if ctx.Err() != nil {
		return ErrCancelled
	}
	return nil
}

package transfer

import (
	"errors"
	"fmt"
	"io/fs"
	"mime"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

var (
	// ErrFileNotFound indicates a selected or queued source path no longer exists.
	ErrFileNotFound = errors.New("transfer: source file not found")
	// ErrSourceUnreadable indicates a source path exists but could not be read.
	ErrSourceUnreadable = errors.New("transfer: source file unreadable")
	// ErrNothingToSend indicates an empty selection.
	ErrNothingToSend = errors.New("transfer: no files selected")
)

// DirectoryMime is reported as the mime type of a single selected directory.
const DirectoryMime = "inode/directory"

// FileType distinguishes the three kinds of entry carried by a transfer.
type FileType int32

const (
	FileTypeRegular   FileType = 1
	FileTypeDirectory FileType = 2
	FileTypeSymlink   FileType = 3
)

// QueuedFile is one entry of the ordered list both sides agree on.
type QueuedFile struct {
	AbsoluteSource string
	RelativePath   string
	Size           int64
	Type           FileType
	SymlinkTarget  string
	Mode           fs.FileMode
	ModTime        int64
}

// IsDirectory reports whether the entry is a directory.
func (q QueuedFile) IsDirectory() bool { return q.Type == FileTypeDirectory }

// Plan is the result of enumerating a selection: the queued files and the
// descriptor fields sent during negotiation.
type Plan struct {
	Files           []QueuedFile
	TotalSize       int64
	TotalCount      int
	TopDirBasenames []string
	NameIfSingle    string
	MimeIfSingle    string
}

// Gather walks the selected paths and returns the ordered file list. Symlinks
// are sent as links, never followed. Entries inside a directory are ordered
// lexically so both sides see a stable sequence.
func Gather(paths []string) (Plan, error) {
	if len(paths) == 0 {
		return Plan{}, ErrNothingToSend
	}

	plan := Plan{}
	seenTop := make(map[string]struct{}, len(paths))

	for _, selected := range paths {
		absolute, err := filepath.Abs(selected)
		if err != nil {
			return Plan{}, fmt.Errorf("resolve %q: %w", selected, err)
		}
		info, err := os.Lstat(absolute)
		if err != nil {
			return Plan{}, classifyStatError(absolute, err)
		}

		base := filepath.Base(absolute)
		if _, dup := seenTop[base]; dup {
			return Plan{}, fmt.Errorf("duplicate top-level name %q", base)
		}
		seenTop[base] = struct{}{}
		plan.TopDirBasenames = append(plan.TopDirBasenames, base)

		if !info.IsDir() {
			entry, err := queuedEntry(absolute, base, info)
			if err != nil {
				return Plan{}, err
			}
			plan.add(entry)
			continue
		}

		parent := filepath.Dir(absolute)
		err = filepath.WalkDir(absolute, func(path string, d fs.DirEntry, walkErr error) error {
			if walkErr != nil {
				return classifyStatError(path, walkErr)
			}
			info, err := d.Info()
			if err != nil {
				return classifyStatError(path, err)
			}
			rel, err := filepath.Rel(parent, path)
			if err != nil {
				return fmt.Errorf("relative path for %q: %w", path, err)
			}
			entry, err := queuedEntry(path, filepath.ToSlash(rel), info)
			if err != nil {
				return err
			}
			plan.add(entry)
			return nil
		})
		if err != nil {
			return Plan{}, err
		}
	}

	if len(paths) == 1 {
		first := plan.Files[0]
		plan.NameIfSingle = first.RelativePath
		if first.IsDirectory() {
			plan.MimeIfSingle = DirectoryMime
		} else {
			plan.MimeIfSingle = mimeFor(first.RelativePath)
		}
	}

	return plan, nil
}

// Description summarises a selection for display.
func (p Plan) Description() string {
	if p.NameIfSingle != "" {
		return p.NameIfSingle
	}
	return strings.Join(p.TopDirBasenames, ", ")
}

func (p *Plan) add(entry QueuedFile) {
	p.Files = append(p.Files, entry)
	p.TotalCount++
	if entry.Type == FileTypeRegular {
		p.TotalSize += entry.Size
	}
}

func queuedEntry(path, rel string, info fs.FileInfo) (QueuedFile, error) {
	entry := QueuedFile{
		AbsoluteSource: path,
		RelativePath:   rel,
		Mode:           info.Mode().Perm(),
		ModTime:        info.ModTime().Unix(),
	}

	switch {
	case info.Mode()&fs.ModeSymlink != 0:
		target, err := os.Readlink(path)
		if err != nil {
			return QueuedFile{}, classifyStatError(path, err)
		}
		entry.Type = FileTypeSymlink
		entry.SymlinkTarget = target
	case info.IsDir():
		entry.Type = FileTypeDirectory
	case info.Mode().IsRegular():
		entry.Type = FileTypeRegular
		entry.Size = info.Size()
	default:
		return QueuedFile{}, fmt.Errorf("%w: %q is not a regular file", ErrSourceUnreadable, path)
	}
	return entry, nil
}

func classifyStatError(path string, err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %q", ErrFileNotFound, path)
	}
	return fmt.Errorf("%w: %q: %v", ErrSourceUnreadable, path, err)
}

func mimeFor(name string) string {
	if t := mime.TypeByExtension(strings.ToLower(filepath.Ext(name))); t != "" {
		return t
	}
	return "application/octet-stream"
}

// Conflicts returns the top-level names that already exist under root.
func Conflicts(root string, topDirBasenames []string) []string {
	var out []string
	for _, name := range topDirBasenames {
		if _, err := os.Lstat(filepath.Join(root, filepath.Base(name))); err == nil {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

package save

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/tgentry/packvault/internal/objects"
)

// LocalWalker streams one PATH argument from the local filesystem as a
// depth-first walk_entry sequence, driving the save command end to end.
// It walks on its own goroutine and hands entries across a channel so the
// consumer (the save orchestrator) can build a file's blob tree while the
// walker is already reading ahead into the next entry.
type LocalWalker struct {
	root  string
	strip string
	ch    chan walkResult
	done  chan struct{}
	once  sync.Once
}

type walkResult struct {
	entry WalkEntry
	err   error
}

// NewLocalWalker starts walking root (a file or directory) in the
// background. strip, if non-empty, is trimmed from root's own path when
// it is later used to name a synthetic wrapper entry (see
// WrapperName) — it has no effect on paths inside root, which are always
// relative to root itself.
func NewLocalWalker(root, strip string) *LocalWalker {
	w := &LocalWalker{root: root, strip: strip, ch: make(chan walkResult), done: make(chan struct{})}
	go w.run()
	return w
}

// WrapperName is the name a multi-path save (CombineRoots) hangs this
// walker's root under: root's own base name, unless strip names a literal
// prefix of root, in which case the remainder (with any leading
// separator trimmed) is used instead.
func (w *LocalWalker) WrapperName() string {
	if w.strip != "" && strings.HasPrefix(w.root, w.strip) {
		rest := strings.TrimPrefix(w.root, w.strip)
		rest = strings.TrimPrefix(rest, string(filepath.Separator))
		if rest != "" {
			return rest
		}
	}
	return filepath.Base(w.root)
}

func (w *LocalWalker) run() {
	defer close(w.ch)
	info, err := os.Stat(w.root)
	if err != nil {
		w.fail(fmt.Errorf("save: stat %s: %w", w.root, err))
		return
	}
	if info.IsDir() {
		if err := w.walkDir(w.root, ""); err != nil {
			w.fail(err)
		}
		return
	}
	entry, err := w.fileEntry(w.root, filepath.Base(w.root), info)
	if err != nil {
		w.fail(err)
		return
	}
	w.emit(entry)
}

func (w *LocalWalker) fail(err error) {
	select {
	case w.ch <- walkResult{err: err}:
	case <-w.done:
	}
}

func (w *LocalWalker) emit(e WalkEntry) error {
	select {
	case w.ch <- walkResult{entry: e}:
		return nil
	case <-w.done:
		return fmt.Errorf("save: walk of %s cancelled", w.root)
	}
}

func (w *LocalWalker) walkDir(absDir, relDir string) error {
	children, err := os.ReadDir(absDir)
	if err != nil {
		return fmt.Errorf("save: read dir %s: %w", absDir, err)
	}
	sort.Slice(children, func(i, j int) bool { return children[i].Name() < children[j].Name() })

	for _, c := range children {
		name := c.Name()
		absChild := filepath.Join(absDir, name)
		relChild := name
		if relDir != "" {
			relChild = relDir + "/" + name
		}
		info, err := c.Info()
		if err != nil {
			return fmt.Errorf("save: stat %s: %w", absChild, err)
		}

		switch {
		case info.IsDir():
			if err := w.walkDir(absChild, relChild); err != nil {
				return err
			}
			dirEntry := WalkEntry{Path: relChild, Mode: objects.ModeDir, StatBytes: statBytesOf(info)}
			if err := w.emit(dirEntry); err != nil {
				return err
			}
		case info.Mode()&fs.ModeSymlink != 0:
			target, err := os.Readlink(absChild)
			if err != nil {
				return fmt.Errorf("save: readlink %s: %w", absChild, err)
			}
			linkEntry := WalkEntry{
				Path:      relChild,
				Mode:      objects.ModeSymlink,
				StatBytes: statBytesOf(info),
				Content:   strings.NewReader(target),
			}
			if err := w.emit(linkEntry); err != nil {
				return err
			}
		default:
			entry, err := w.fileEntry(absChild, relChild, info)
			if err != nil {
				return err
			}
			if err := w.emit(entry); err != nil {
				if rc, ok := entry.Content.(io.Closer); ok {
					rc.Close()
				}
				return err
			}
		}
	}
	return nil
}

func (w *LocalWalker) fileEntry(abs, rel string, info os.FileInfo) (WalkEntry, error) {
	f, err := os.Open(abs)
	if err != nil {
		return WalkEntry{}, fmt.Errorf("save: open %s: %w", abs, err)
	}
	mode := objects.ModeFile
	if info.Mode()&0o111 != 0 {
		mode = objects.ModeExec
	}
	return WalkEntry{Path: rel, Mode: mode, StatBytes: statBytesOf(info), Content: f}, nil
}

func statBytesOf(info os.FileInfo) []byte {
	return encodeStat(uint32(info.Mode()), info.Size(), info.ModTime().UnixNano())
}

// Next implements EntrySource.
func (w *LocalWalker) Next() (WalkEntry, error) {
	r, ok := <-w.ch
	if !ok {
		return WalkEntry{}, io.EOF
	}
	if r.err != nil {
		return WalkEntry{}, r.err
	}
	return r.entry, nil
}

// Close stops the walker's goroutine if the caller abandons the stream
// before it is exhausted. Safe to call after the stream has already
// drained to io.EOF.
func (w *LocalWalker) Close() {
	w.once.Do(func() { close(w.done) })
}

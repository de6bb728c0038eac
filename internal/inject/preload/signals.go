//go:build linux || darwin || freebsd || netbsd || openbsd

package preload

import (
	"bytes"
	"io"
	"os"
	"sync"
)

// messages printed by the dynamic linkers when they ignore a preloaded library
var rejectionMarkers = [][]byte{
	[]byte("cannot be preloaded"),             // glibc
	[]byte("could not load inserted library"), // dyld
}

// linkerWatcher forwards the stderr of the launched process and reports the first
// dynamic linker rejection of the preloaded library
type linkerWatcher struct {
	out      io.Writer
	line     []byte
	once     sync.Once
	rejected chan string
}

func newLinkerWatcher(out io.Writer) *linkerWatcher {
	return &linkerWatcher{out: out, rejected: make(chan string, 1)}
}

func (w *linkerWatcher) Write(p []byte) (int, error) {
	// the process output is forwarded even if it can't be scanned
	n, err := w.out.Write(p)
	w.line = append(w.line, p...)
	for {
		idx := bytes.IndexByte(w.line, '\n')
		if idx < 0 {
			break
		}
		w.scan(w.line[:idx])
		w.line = w.line[idx+1:]
	}
	// a diagnostic can't be longer than this. Keep the tail of a line split across writes
	if len(w.line) > 4096 {
		w.scan(w.line)
		w.line = w.line[:0]
	}
	if err != nil {
		return n, err
	}
	return len(p), nil
}

func (w *linkerWatcher) scan(line []byte) {
	for _, marker := range rejectionMarkers {
		if bytes.Contains(line, marker) {
			w.once.Do(func() {
				w.rejected <- string(bytes.TrimSpace(line))
			})
			return
		}
	}
}

// handshake is an unlinked file inherited by the launched process. The probe writes to it
// once its entry ran. Writes never fail, whether or not endoscope is still running
type handshake struct {
	f *os.File
}

func newHandshake() (*handshake, error) {
	f, err := os.CreateTemp("", "endoscope-handshake-*")
	if err != nil {
		return nil, err
	}
	if err := os.Remove(f.Name()); err != nil {
		_ = f.Close()
		return nil, err
	}
	return &handshake{f: f}, nil
}

func (h *handshake) done() bool {
	info, err := h.f.Stat()
	return err == nil && info.Size() > 0
}

func (h *handshake) close() {
	_ = h.f.Close()
}

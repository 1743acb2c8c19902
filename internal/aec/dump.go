package aec

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// Dump writes the pipeline's three raw PCM streams (near-end input,
// far-end loopback, cancelled output) to files for offline inspection.
// A nil *Dump is valid and discards everything.
type Dump struct {
	near *os.File
	far  *os.File
	out  *os.File
}

// OpenDump creates the three dump files in dir, named by the session's
// start time. Any file that cannot be created is skipped with a warning;
// dumping is diagnostics only and never fails a session.
func OpenDump(dir string, start time.Time) *Dump {
	if dir == "" {
		return nil
	}
	ts := start.Unix()
	open := func(name string) *os.File {
		path := filepath.Join(dir, fmt.Sprintf("%s-%d.pcm", name, ts))
		f, err := os.Create(path)
		if err != nil {
			slog.Warn("aec: cannot create dump file", "path", path, "err", err)
			return nil
		}
		return f
	}
	return &Dump{
		near: open("aec_in0"),
		far:  open("aec_in1"),
		out:  open("aec_out"),
	}
}

func (d *Dump) writeNear(pcm []byte) {
	if d == nil || d.near == nil {
		return
	}
	d.near.Write(pcm)
}

func (d *Dump) writeFar(pcm []byte) {
	if d == nil || d.far == nil {
		return
	}
	d.far.Write(pcm)
}

func (d *Dump) writeOut(pcm []byte) {
	if d == nil || d.out == nil {
		return
	}
	d.out.Write(pcm)
}

// Close closes all open dump files.
func (d *Dump) Close() {
	if d == nil {
		return
	}
	for _, f := range []*os.File{d.near, d.far, d.out} {
		if f != nil {
			f.Close()
		}
	}
}

// Package termio serializes user-facing terminal output. Writes are queued and
// written by one goroutine per stream, so a slow terminal never stalls a
// transfer loop.
package termio

import (
	"io"
	"os"
	"sync"
)

type writer struct {
	file    *os.File
	ch      chan []byte
	pending sync.WaitGroup
}

func (w *writer) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	buf := make([]byte, len(p))
	copy(buf, p)
	w.pending.Add(1)
	w.ch <- buf
	return len(p), nil
}

type manager struct {
	once   sync.Once
	stdout *writer
	stderr *writer
}

var global manager

func Init() {
	global.once.Do(func() {
		global.stdout = newWriter(os.Stdout)
		global.stderr = newWriter(os.Stderr)
	})
}

func newWriter(f *os.File) *writer {
	w := &writer{
		file: f,
		ch:   make(chan []byte, 1024),
	}
	go func() {
		for buf := range w.ch {
			_, _ = w.file.Write(buf)
			w.pending.Done()
		}
	}()
	return w
}

func Stdout() io.Writer {
	Init()
	return global.stdout
}

func Stderr() io.Writer {
	Init()
	return global.stderr
}

// Flush blocks until everything written so far reached the terminal. Call it
// before exiting.
func Flush() {
	Init()
	global.stdout.pending.Wait()
	global.stderr.pending.Wait()
}

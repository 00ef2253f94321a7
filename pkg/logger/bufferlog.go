// Package logger implements a per-load in-memory log buffer.
//
// Verbose detail accumulates in a buffer WHILE a load is running.
// On failure the buffer is replayed followed by the final error; on
// success it is dropped and one short line is written instead.
//
// Thread safety comes from a dedicated logger goroutine and a command
// channel; no mutexes.
package logger

import (
	"bytes"
	"log"
	"strings"
	"time"
)

// --- command types ----------------------------------------------------------

type action int

const (
	actBegin action = iota
	actAppend
	actSuccess
	actFlushErr
	actClose
)

type cmd struct {
	act     action
	loadID  string
	message string    // for Append
	summary string    // for Success
	err     error     // for FlushError
	when    time.Time // timestamp, kept for ordering if needed later
}

// Buffer is one buffered logger instance. Each controller or server
// carries its own so parallel components never interleave buffers.
type Buffer struct {
	ch   chan cmd
	logf func(string, ...any)
}

// New starts the logger goroutine. A nil logf falls back to the stdlib
// logger.
func New(logf func(string, ...any)) *Buffer {
	if logf == nil {
		logf = log.Printf
	}
	b := &Buffer{
		ch:   make(chan cmd, 128), // headroom for bursts
		logf: logf,
	}
	go b.runloop()
	return b
}

// --- public entry points (they only send into the channel) ------------------

// Begin switches buffering on for loadID.
func (b *Buffer) Begin(loadID string) {
	b.ch <- cmd{act: actBegin, loadID: loadID, when: time.Now()}
}

// Append adds one verbose line.
func (b *Buffer) Append(loadID, msg string) {
	b.ch <- cmd{act: actAppend, loadID: loadID, message: msg, when: time.Now()}
}

// Success drops the buffer and writes one short line.
func (b *Buffer) Success(loadID, summary string) {
	b.ch <- cmd{act: actSuccess, loadID: loadID, summary: summary, when: time.Now()}
}

// FlushError replays the accumulated buffer and then the final error.
func (b *Buffer) FlushError(loadID string, err error) {
	b.ch <- cmd{act: actFlushErr, loadID: loadID, err: err, when: time.Now()}
}

// Close stops the goroutine after draining queued commands.
func (b *Buffer) Close() {
	if b == nil {
		return
	}
	b.ch <- cmd{act: actClose}
}

// --- private implementation -------------------------------------------------

func (b *Buffer) runloop() {
	buffers := make(map[string]*bytes.Buffer)

	for c := range b.ch {
		switch c.act {
		case actBegin:
			buffers[c.loadID] = &bytes.Buffer{}

		case actAppend:
			if buf := buffers[c.loadID]; buf != nil {
				_, _ = buf.WriteString(c.message + "\n")
			} else {
				b.logf("%s", c.message) // no buffer, write straight through
			}

		case actSuccess:
			b.logf("[%-8s][load] ✔ %s", c.loadID, c.summary)
			delete(buffers, c.loadID)

		case actFlushErr:
			if buf := buffers[c.loadID]; buf != nil {
				lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
				for _, ln := range lines {
					b.logf("%s", ln)
				}
				delete(buffers, c.loadID)
			}
			b.logf("[%-8s][ERROR] %v", c.loadID, c.err)

		case actClose:
			return
		}
	}
}

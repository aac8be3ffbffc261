// Package nlog - pma logger, provides buffering, timestamping, writing, and
// flushing/rotating
/*
 * Copyright (c) 2023-2026, NVIDIA CORPORATION. All rights reserved.
 */
package nlog

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/NVIDIA/pma/cmn/mono"
)

const (
	nlogBufSize  = 64 * 1024
	nlogLineSize = 4 * 1024

	flushIval = 10 * time.Second
)

type severity int

const (
	sevInfo severity = iota
	sevWarn
	sevErr
)

type nlog struct {
	file *os.File
	pw   *fixed
	size int64 // written to the current file
	last atomic.Int64
	sev  severity
	mw   sync.Mutex
}

var (
	// of `fixed` line bufs
	pool = sync.Pool{
		New: func() any {
			return &fixed{buf: make([]byte, nlogLineSize)}
		},
	}

	nlogs [sevErr + 1]*nlog

	toStderr     = true
	alsoToStderr bool

	stopping atomic.Bool // true when exiting
)

func newNlog(sev severity) *nlog {
	return &nlog{sev: sev, pw: &fixed{buf: make([]byte, nlogBufSize)}}
}

// main function
func log(sev severity, depth int, format string, args ...any) {
	fb := alloc()
	sprintf(sev, depth, format, fb, args...)

	if toStderr || !initFiles() {
		os.Stderr.Write(fb.bytes())
		free(fb)
		return
	}
	if alsoToStderr || sev >= sevErr {
		os.Stderr.Write(fb.bytes())
	}
	if sev >= sevWarn {
		nlogs[sevErr].write(fb)
	}
	nlogs[sevInfo].write(fb)
	free(fb)
}

func (nlog *nlog) write(line *fixed) {
	nlog.mw.Lock()
	if nlog.pw.avail() < line.length() {
		nlog._flush()
	}
	nlog.pw.Write(line.bytes())
	if mono.Since(nlog.last.Load()) > flushIval || stopping.Load() {
		nlog._flush()
	}
	nlog.mw.Unlock()
}

func (nlog *nlog) flush() {
	nlog.mw.Lock()
	nlog._flush()
	nlog.mw.Unlock()
}

// under mw-lock
func (nlog *nlog) _flush() {
	nlog.last.Store(mono.NanoTime())
	if nlog.pw.length() == 0 {
		return
	}
	n, err := nlog.file.Write(nlog.pw.bytes())
	nlog.pw.reset()
	if err != nil {
		os.Stderr.WriteString("Error: [nlog] " + err.Error() + "\n")
		return
	}
	nlog.size += int64(n)
	if nlog.size >= MaxSize {
		if err := nlog.rotate(time.Now()); err != nil {
			os.Stderr.WriteString("Error: [nlog] rotate: " + err.Error() + "\n")
		}
	}
}

func (nlog *nlog) rotate(now time.Time) (err error) {
	var (
		s    = fmt.Sprintf("host %s, %s for %s/%s\n", host, runtime.Version(), runtime.GOOS, runtime.GOARCH)
		snow = now.Format("2006/01/02 15:04:05")
		prev = nlog.file
	)
	if nlog.file, err = fcreate(sevText[nlog.sev], now); err != nil {
		nlog.file = prev
		return
	}
	if prev != nil {
		prev.Close()
		nlog.file.WriteString("Rotated at " + snow + ", " + s)
	} else {
		nlog.file.WriteString("Started up at " + snow + ", " + s)
	}
	if title != "" {
		nlog.file.WriteString(title)
	}
	nlog.size = 0
	return
}

//
// utils
//

func formatHdr(s severity, depth int, fb *fixed) {
	const char = "IWE"
	_, fn, ln, ok := runtime.Caller(3 + depth)
	if !ok {
		return
	}
	idx := strings.LastIndexByte(fn, filepath.Separator)
	if idx > 0 {
		fn = fn[idx+1:]
	}
	if l := len(fn); l > 3 {
		fn = fn[:l-3]
	}
	fb.writeByte(char[s])
	fb.writeByte(' ')
	fb.writeStamp()
	fb.writeByte(' ')
	fb.writeString(fn)
	fb.writeByte(':')
	fb.writeString(strconv.Itoa(ln))
	fb.writeByte(' ')
}

func sprintf(sev severity, depth int, format string, fb *fixed, args ...any) {
	formatHdr(sev, depth+1, fb)
	if format == "" {
		fmt.Fprint(fb, args...)
	} else {
		fmt.Fprintf(fb, format, args...)
	}
	fb.eol()
}

func alloc() (fb *fixed) {
	fb = pool.Get().(*fixed)
	fb.reset()
	return
}

func free(fb *fixed) { pool.Put(fb) }

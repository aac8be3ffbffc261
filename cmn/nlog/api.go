// Package nlog - pma logger, provides buffering, timestamping, writing, and
// flushing/rotating
/*
 * Copyright (c) 2023-2026, NVIDIA CORPORATION. All rights reserved.
 */
package nlog

import "flag"

var (
	MaxSize int64 = 4 * 1024 * 1024
)

func InitFlags(flset *flag.FlagSet) {
	flset.BoolVar(&toStderr, "logtostderr", true, "log to standard error instead of files")
	flset.BoolVar(&alsoToStderr, "alsologtostderr", false, "log to standard error as well as files")
}

func InfoDepth(depth int, args ...any)    { log(sevInfo, depth, "", args...) }
func Infoln(args ...any)                  { log(sevInfo, 0, "", args...) }
func Infof(format string, args ...any)    { log(sevInfo, 0, format, args...) }
func Warningln(args ...any)               { log(sevWarn, 0, "", args...) }
func Warningf(format string, args ...any) { log(sevWarn, 0, format, args...) }
func ErrorDepth(depth int, args ...any)   { log(sevErr, depth, "", args...) }
func Errorln(args ...any)                 { log(sevErr, 0, "", args...) }
func Errorf(format string, args ...any)   { log(sevErr, 0, format, args...) }

// SetLogDir switches logging from stderr to (rotated) files in the given directory;
// must be called before the first log line
func SetLogDir(dir string) {
	logDir = dir
	toStderr = dir == ""
}

func SetTitle(s string) { title = s }

func InfoLogName() string { return sname() + ".INFO" }
func ErrLogName() string  { return sname() + ".ERROR" }

func Stopping() bool { return stopping.Load() }

// Flush writes out buffered lines; Flush(true) is called on the way out (e.g., assertion failures)
func Flush(exit ...bool) {
	if len(exit) > 0 && exit[0] {
		stopping.Store(true)
	}
	for _, nlog := range nlogs {
		if nlog != nil {
			nlog.flush()
		}
	}
}

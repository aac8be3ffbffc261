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
	"strings"
	"sync"
	"time"
)

var (
	host = "unknown"

	sevText = []string{sevInfo: "INFO", sevWarn: "WARNING", sevErr: "ERROR"}

	logDir string
	arg0   string
	title  string

	pid int

	onceInitFiles sync.Once
	filesOK       bool
)

func init() {
	pid = os.Getpid()
	arg0 = filepath.Base(os.Args[0])
	if h, err := os.Hostname(); err == nil {
		host = _shortHost(h)
	}
}

// returns false when log files cannot be created, in which case we keep logging to stderr
func initFiles() bool {
	onceInitFiles.Do(func() {
		if logDir == "" {
			logDir = filepath.Join(os.TempDir(), "pmalogs")
		}
		if err := fcreateAll(); err != nil {
			os.Stderr.WriteString(fmt.Sprintf("Error: [nlog] unable to create logs in %q: %v\n", logDir, err))
			return
		}
		filesOK = true
	})
	return filesOK
}

func fcreateAll() error {
	now := time.Now()
	for _, s := range []severity{sevErr, sevInfo} {
		nlog := newNlog(s)
		if err := nlog.rotate(now); err != nil {
			return err
		}
		nlogs[s] = nlog
	}
	return nil
}

func sname() string { return arg0 }

func _shortHost(hostname string) string {
	if before, _, ok := strings.Cut(hostname, "."); ok {
		return before
	}
	return hostname
}

func fcreate(tag string, t time.Time) (f *os.File, err error) {
	if err = os.MkdirAll(logDir, os.ModePerm); err != nil {
		return
	}
	name, link := logfname(tag, t)
	fname := filepath.Join(logDir, name)
	f, err = os.OpenFile(fname, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		return
	}
	// re-symlink
	symlink := filepath.Join(logDir, link)
	os.Remove(symlink)
	os.Symlink(name, symlink)
	return
}

func logfname(tag string, t time.Time) (name, link string) {
	s := sname()
	name = fmt.Sprintf("%s.%s.%s.%02d%02d-%02d%02d%02d.%d",
		s,
		host,
		tag,
		t.Month(),
		t.Day(),
		t.Hour(),
		t.Minute(),
		t.Second(),
		pid)
	return name, s + "." + tag
}

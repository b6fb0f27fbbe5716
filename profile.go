package main

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"runtime/pprof"
	"runtime/trace"
	"sync"
	"time"

	"github.com/golang/glog"
)

const (
	memProfileRate = 4096

	timeFormat = "20060102_150405"
)

// profile starts writing one kind of profile into f and returns the func
// that stops it.
type profile struct {
	kind  string
	start func(f *os.File) (stop func(), err error)
}

func lookupProfile(name string, setup, reset func()) func(f *os.File) (func(), error) {
	return func(f *os.File) (func(), error) {
		if setup != nil {
			setup()
		}
		return func() {
			if p := pprof.Lookup(name); p != nil {
				_ = p.WriteTo(f, 0)
			}
			if reset != nil {
				reset()
			}
		}, nil
	}
}

var oldMemProfileRate = runtime.MemProfileRate

var profiles = []profile{
	{"cpu", func(f *os.File) (func(), error) {
		if err := pprof.StartCPUProfile(f); err != nil {
			return nil, err
		}
		return pprof.StopCPUProfile, nil
	}},
	{"mem", lookupProfile("heap",
		func() { oldMemProfileRate = runtime.MemProfileRate; runtime.MemProfileRate = memProfileRate },
		func() { runtime.MemProfileRate = oldMemProfileRate })},
	{"mutex", lookupProfile("mutex",
		func() { runtime.SetMutexProfileFraction(1) },
		func() { runtime.SetMutexProfileFraction(0) })},
	{"block", lookupProfile("block",
		func() { runtime.SetBlockProfileRate(1) },
		func() { runtime.SetBlockProfileRate(0) })},
	{"threadcreate", lookupProfile("threadcreate", nil, nil)},
	{"trace", func(f *os.File) (func(), error) {
		if err := trace.Start(f); err != nil {
			return nil, err
		}
		return trace.Stop, nil
	}},
}

// Profiler is a running set of profiles, toggled by SIGUSR2.
type Profiler struct {
	once  sync.Once
	stops []func()
}

// StartProfiler starts every profile, writing into dir. Profiles that fail
// to start are logged and skipped.
func StartProfiler(dir string) *Profiler {
	p := &Profiler{}
	stamp := time.Now().Format(timeFormat)
	for _, prof := range profiles {
		fn := filepath.Join(dir, fmt.Sprintf("%s-%s.pprof", prof.kind, stamp))
		f, err := os.Create(fn)
		if err != nil {
			glog.Errorf("pprof: could not create %s profile %q: %v", prof.kind, fn, err)
			continue
		}
		stop, err := prof.start(f)
		if err != nil {
			glog.Errorf("pprof: could not start %s profile: %v", prof.kind, err)
			f.Close()
			continue
		}
		kind := prof.kind
		p.stops = append(p.stops, func() {
			stop()
			f.Close()
			glog.Infof("pprof: %s profiling disabled, %s", kind, fn)
		})
		glog.Infof("pprof: %s profiling enabled, %s", prof.kind, fn)
	}
	return p
}

// Stop stops all profiles and flushes their files.
func (p *Profiler) Stop() {
	p.once.Do(func() {
		for _, stop := range p.stops {
			stop()
		}
	})
}

func dumpGoroutines(dir string) {
	dumpFile := filepath.Join(dir, fmt.Sprintf("goroutines-%s.dump", time.Now().Format(timeFormat)))
	glog.Infof("dumping goroutine profile to %s", dumpFile)
	f, err := os.Create(dumpFile)
	if err != nil {
		glog.Errorf("failed to dump goroutine profile: %v", err)
		return
	}
	defer f.Close()
	if err := pprof.Lookup("goroutine").WriteTo(f, 2); err != nil {
		glog.Errorf("failed to write goroutine profile to %s: %v", dumpFile, err)
	}
}

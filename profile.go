package main

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"runtime/pprof"
	"sync"
	"time"

	"github.com/golang/glog"
)

const (
	memProfileRate = 4096
	timeFormat     = "20060102_150405"
)

// Profiler is a cpu and heap profiling session toggled by SIGUSR2.
type Profiler struct {
	dataDir  string
	cpuFile  *os.File
	oldRate  int
	stopOnce sync.Once
}

func StartProfiler(dataDir string) *Profiler {
	p := &Profiler{dataDir: dataDir, oldRate: runtime.MemProfileRate}

	fn := p.dumpFile("cpu", "pprof")
	f, err := os.Create(fn)
	if err != nil {
		glog.Errorf("pprof: could not create cpu profile %q: %v", fn, err)
	} else if err := pprof.StartCPUProfile(f); err != nil {
		glog.Errorf("pprof: could not start cpu profile: %v", err)
		f.Close()
	} else {
		p.cpuFile = f
		glog.Infof("pprof: cpu profiling enabled, %s", fn)
	}

	runtime.MemProfileRate = memProfileRate
	glog.Infof("pprof: memory profiling enabled (rate %d)", memProfileRate)
	return p
}

// Stop writes the profiles. Safe to call more than once.
func (p *Profiler) Stop() {
	p.stopOnce.Do(func() {
		if p.cpuFile != nil {
			pprof.StopCPUProfile()
			p.cpuFile.Close()
			glog.Infof("pprof: cpu profiling disabled, %s", p.cpuFile.Name())
		}
		p.writeProfile("heap", 0)
		runtime.MemProfileRate = p.oldRate
	})
}

func (p *Profiler) dumpGoroutines() {
	p.writeProfile("goroutine", 2)
}

func (p *Profiler) writeProfile(kind string, debug int) {
	fn := p.dumpFile(kind, "pprof")
	f, err := os.Create(fn)
	if err != nil {
		glog.Errorf("pprof: could not create %s profile %q: %v", kind, fn, err)
		return
	}
	defer f.Close()
	if err := pprof.Lookup(kind).WriteTo(f, debug); err != nil {
		glog.Errorf("pprof: write %s profile to %s error: %v", kind, fn, err)
		return
	}
	glog.Infof("pprof: %s profile written to %s", kind, fn)
}

func (p *Profiler) dumpFile(kind, ext string) string {
	return filepath.Join(p.dataDir, fmt.Sprintf("%s-%s.%s", kind, time.Now().Format(timeFormat), ext))
}

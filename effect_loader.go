package lumen

import (
	"fmt"
	"strconv"
	"sync"
)

// loadJob is one asynchronous load request: resolve, parse, and compile the
// named effect on behalf of a node.
type loadJob struct {
	node       *EffectNode
	name       string
	generation uint64
}

// loadResult carries a finished load back to the node. Exactly one of
// programs and err is set. path is the resolved source path when known, for
// diagnostics.
type loadResult struct {
	name       string
	generation uint64
	programs   ProgramSet
	properties map[string]string
	path       string
	err        error
}

// Loader compiles effects off the editing and rendering threads. Jobs are
// processed by a single worker in submission order; results are applied to
// their nodes with a generation check so superseded loads are discarded
// rather than applied out of order.
type Loader struct {
	dev     Device
	library *EffectLibrary

	jobs chan loadJob

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

// loaderQueueDepth bounds pending load requests. Enqueue blocks beyond this,
// which only happens if effects are renamed faster than they compile.
const loaderQueueDepth = 64

// NewLoader starts a loader worker over the given device and library.
func NewLoader(dev Device, library *EffectLibrary) *Loader {
	l := &Loader{
		dev:     dev,
		library: library,
		jobs:    make(chan loadJob, loaderQueueDepth),
		done:    make(chan struct{}),
	}
	go l.run()
	return l
}

// Close stops the worker after draining queued jobs. Queued jobs for live
// nodes still complete; jobs enqueued after Close are dropped.
func (l *Loader) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrClosed
	}
	l.closed = true
	close(l.jobs)
	l.mu.Unlock()
	<-l.done
	return nil
}

func (l *Loader) enqueue(job loadJob) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		Logger().Debug("load request after loader close", "name", job.name)
		return
	}
	l.jobs <- job
	l.mu.Unlock()
	l.library.SetStatus(job.name, StatusPending)
}

func (l *Loader) run() {
	defer close(l.done)
	for job := range l.jobs {
		res := l.load(job)
		if res.err != nil {
			l.library.SetStatus(job.name, StatusFailed)
		} else {
			l.library.SetStatus(job.name, StatusLoaded)
		}
		job.node.applyLoad(res)
	}
}

// load performs the full pipeline for one job: library lookup, directive
// parsing, source assembly, compile. Compilation uses the input count the
// source itself declares, so the generated binding block always matches the
// property the node will adopt on apply.
func (l *Loader) load(job loadJob) loadResult {
	res := loadResult{name: job.name, generation: job.generation}

	Logger().Info("loading effect", "name", job.name)
	src, path, err := l.library.Source(job.name)
	res.path = path
	if err != nil {
		res.err = err
		return res
	}

	parsed := ParseEffectSource(src)
	inputCount, err := strconv.Atoi(parsed.Properties["inputCount"])
	if err != nil || inputCount < 0 {
		// Bad property values are skip-with-warning, never load-aborting; the
		// node-side property registry skips the same value on apply.
		Logger().Warn("skipping effect property", "effect", job.name,
			"property", "inputCount", "value", parsed.Properties["inputCount"])
		inputCount = 1
	}

	sources := BuildPassSources(job.name, parsed, inputCount)
	programs, err := l.dev.CompileProgramSet(job.name, sources)
	if err != nil {
		res.err = fmt.Errorf("%w: %s: %v", ErrCompile, job.name, err)
		return res
	}

	res.programs = programs
	res.properties = parsed.Properties
	return res
}

package logstore

import (
	"sync"
)

// preparedSegment is a fully-allocated, zeroed, closed-file-handle-free
// segment sitting ready in the pool (spec §4.1 "Prepared segment").
type preparedSegment struct {
	path    string
	counter uint64
}

// preparePoolTarget is the number of ready segments the pool eagerly keeps
// allocated (spec §4.1 "target (2)").
const preparePoolTarget = 2

// prepareRequest is one pending consumer waiting for a ready segment.
type prepareRequest struct {
	resultCh chan prepareResult
}

type prepareResult struct {
	seg preparedSegment
	err error
}

// preparePool implements spec §4.1's prepare pool: it eagerly keeps up to
// preparePoolTarget allocated segments ready so append latency never
// includes allocation. Two flows drain it: prepare() calls (consumer) and a
// single background allocator goroutine (producer, at most one allocation
// inflight at a time).
type preparePool struct {
	mu      sync.Mutex
	dir     string
	g       geometry
	nextCounter uint64

	ready   []preparedSegment
	pending []*prepareRequest
	allocating bool
	closed  bool
	erroredMsg string

	wake chan struct{}
	done chan struct{}
}

func newPreparePool(dir string, g geometry, nextCounter uint64) *preparePool {
	p := &preparePool{
		dir:         dir,
		g:           g,
		nextCounter: nextCounter,
		wake:        make(chan struct{}, 1),
		done:        make(chan struct{}),
	}
	go p.run()
	p.kick()
	return p
}

// seedReady registers a segment that recovery already found sitting
// unused on disk, so the pool doesn't re-allocate it.
func (p *preparePool) seedReady(seg preparedSegment) {
	p.mu.Lock()
	p.ready = append(p.ready, seg)
	p.mu.Unlock()
}

func (p *preparePool) kick() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// prepare satisfies spec §4.1's prepare(cb) contract: synchronous result if
// the pool is non-empty, else the request is enqueued and satisfied FIFO
// once an allocation completes.
func (p *preparePool) prepare() (preparedSegment, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return preparedSegment{}, errCanceled
	}
	if p.erroredMsg != "" {
		msg := p.erroredMsg
		p.mu.Unlock()
		return preparedSegment{}, &ioError{msg}
	}
	if len(p.ready) > 0 {
		seg := p.ready[0]
		p.ready = p.ready[1:]
		p.mu.Unlock()
		p.kick()
		return seg, nil
	}
	req := &prepareRequest{resultCh: make(chan prepareResult, 1)}
	p.pending = append(p.pending, req)
	p.mu.Unlock()
	p.kick()

	res := <-req.resultCh
	return res.seg, res.err
}

// run is the single background allocator goroutine (producer).
func (p *preparePool) run() {
	defer close(p.done)
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return
		}
		need := len(p.pending) > 0 || len(p.ready) < preparePoolTarget
		if !need || p.allocating || p.erroredMsg != "" {
			p.mu.Unlock()
			_, ok := <-p.wake
			if !ok {
				return
			}
			continue
		}
		p.allocating = true
		counter := p.nextCounter
		p.nextCounter++
		dir, g := p.dir, p.g
		p.mu.Unlock()

		path, err := allocateSegment(dir, counter, g)

		p.mu.Lock()
		p.allocating = false
		if p.closed {
			// Discard: inflight allocation is canceled, its file removed.
			p.mu.Unlock()
			if err == nil {
				removeFile(path)
			}
			continue
		}
		if err != nil {
			p.erroredMsg = err.Error()
			pending := p.pending
			p.pending = nil
			p.mu.Unlock()
			for _, req := range pending {
				req.resultCh <- prepareResult{err: &ioError{err.Error()}}
			}
			continue
		}
		seg := preparedSegment{path: path, counter: counter}
		if len(p.pending) > 0 {
			req := p.pending[0]
			p.pending = p.pending[1:]
			p.mu.Unlock()
			req.resultCh <- prepareResult{seg: seg}
		} else {
			p.ready = append(p.ready, seg)
			p.mu.Unlock()
		}
		p.kick()
	}
}

// readyLen and inflight report how many prepared segments are ready and
// whether one is being allocated; nothing in the module calls them.
func (p *preparePool) readyLen() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.ready)
}

func (p *preparePool) inflight() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.allocating {
		return 1
	}
	return 0
}

// close fails all pending requests with canceled, unlinks ready pool files,
// and lets the inflight allocation (if any) discover p.closed and clean up
// after itself (spec §4.1 "On close").
func (p *preparePool) close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		<-p.done
		return
	}
	p.closed = true
	pending := p.pending
	p.pending = nil
	ready := p.ready
	p.ready = nil
	close(p.wake)
	p.mu.Unlock()

	for _, req := range pending {
		req.resultCh <- prepareResult{err: errCanceled}
	}
	for _, seg := range ready {
		removeFile(seg.path)
	}
	<-p.done
}

func removeFile(path string) {
	_ = removeQuiet(path)
}

package pack

import (
	"bytes"
	"fmt"
	"runtime"
	"sync"

	"github.com/klauspost/compress/zlib"
	"github.com/tgentry/packvault/internal/objects"
)

// DefaultWorkers bounds the pool size chosen from runtime.NumCPU so a
// single save session doesn't oversubscribe a small machine.
const DefaultWorkers = 8

// CompressJob is one unit of work: an object waiting to be compressed
// before it reaches the serial admission point (spec.md §5: "hashing,
// compression, encryption, and I/O may be pipelined across worker
// threads, but the object admission point is a serial queue").
type CompressJob struct {
	Index   int
	Type    objects.Type
	Payload []byte
}

// CompressedObject is a finished job, still tagged with its original
// index so the caller can feed it to Writer.AddCompressed in submission
// order even though workers finish out of order.
type CompressedObject struct {
	Index      int
	ID         objects.ID
	Type       objects.Type
	Compressed []byte
	Err        error
}

// CompressionPool runs a fixed number of zlib-compression workers, each
// with its own pooled output buffer to avoid per-job allocation.
type CompressionPool struct {
	workers int
	level   int
	jobs    chan jobEnvelope
	wg      sync.WaitGroup
	bufPool sync.Pool
}

type jobEnvelope struct {
	job    CompressJob
	result chan<- CompressedObject
}

// NewCompressionPool starts a pool of workers compressing at the given
// zlib level. workers <= 0 picks min(runtime.NumCPU(), DefaultWorkers).
func NewCompressionPool(workers, level int) *CompressionPool {
	if workers <= 0 {
		workers = runtime.NumCPU()
		if workers > DefaultWorkers {
			workers = DefaultWorkers
		}
	}
	p := &CompressionPool{
		workers: workers,
		level:   level,
		jobs:    make(chan jobEnvelope, workers*2),
		bufPool: sync.Pool{New: func() any { return &bytes.Buffer{} }},
	}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

func (p *CompressionPool) worker() {
	defer p.wg.Done()
	for env := range p.jobs {
		env.result <- p.compress(env.job)
	}
}

func (p *CompressionPool) compress(job CompressJob) CompressedObject {
	buf := p.bufPool.Get().(*bytes.Buffer)
	buf.Reset()
	defer p.bufPool.Put(buf)

	zw, err := zlib.NewWriterLevel(buf, p.level)
	if err != nil {
		return CompressedObject{Index: job.Index, Err: fmt.Errorf("compress: %w", err)}
	}
	if _, err := zw.Write(job.Payload); err != nil {
		return CompressedObject{Index: job.Index, Err: fmt.Errorf("compress: %w", err)}
	}
	if err := zw.Close(); err != nil {
		return CompressedObject{Index: job.Index, Err: fmt.Errorf("compress: %w", err)}
	}

	out := make([]byte, buf.Len())
	copy(out, buf.Bytes())

	return CompressedObject{
		Index:      job.Index,
		ID:         objects.Sum(job.Type, job.Payload),
		Type:       job.Type,
		Compressed: out,
	}
}

// Submit compresses all jobs concurrently and returns results ordered by
// Index, matching the order jobs were submitted in.
func (p *CompressionPool) Submit(jobs []CompressJob) ([]CompressedObject, error) {
	resultCh := make(chan CompressedObject, len(jobs))
	for _, j := range jobs {
		p.jobs <- jobEnvelope{job: j, result: resultCh}
	}
	out := make([]CompressedObject, len(jobs))
	for i := 0; i < len(jobs); i++ {
		r := <-resultCh
		if r.Err != nil {
			return nil, fmt.Errorf("compress job %d: %w", r.Index, r.Err)
		}
		out[r.Index] = r
	}
	return out, nil
}

// Close shuts down the worker pool. A pool must not be reused afterward.
func (p *CompressionPool) Close() {
	close(p.jobs)
	p.wg.Wait()
}

package output

import (
	"sync"

	"github.com/cheggaaa/pb/v3"
)

const progressTemplate = `{{string . "prefix"}}{{counters . }} {{bar . }} {{percent . }} {{string . "size"}} {{etime . }}`

// Progress counts finished fragments on a terminal bar. A quiet Progress
// only keeps the counters.
type Progress struct {
	mu    sync.Mutex
	bar   *pb.ProgressBar
	done  int64
	bytes int64
}

func NewProgress(total int, quiet bool) *Progress {
	p := &Progress{}
	if !quiet {
		bar := pb.ProgressBarTemplate(progressTemplate).Start(total)
		bar.Set("prefix", "Fragments: ")
		bar.Set("size", FormatBytes(0))
		p.bar = bar
	}
	return p
}

// Done marks one fragment as finished, adding size bytes to the total.
func (p *Progress) Done(size int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.done++
	p.bytes += size
	if p.bar != nil {
		p.bar.SetCurrent(p.done)
		p.bar.Set("size", FormatBytes(uint64(p.bytes)))
	}
}

func (p *Progress) Count() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.done
}

func (p *Progress) Finish() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.bar != nil {
		p.bar.Finish()
	}
}

package output

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/tanq16/streamfetch/internal/download"
)

type ErrorReport struct {
	Fragment string
	Error    error
	Time     time.Time
}

// Report tallies fragment outcomes for the end-of-run summary. It is safe
// for concurrent use.
type Report struct {
	mu        sync.Mutex
	start     time.Time
	total     int
	completed int
	failed    int
	aborted   int
	bytes     int64
	errors    []ErrorReport
}

func NewReport(total int) *Report {
	return &Report{start: time.Now(), total: total}
}

// Record counts a terminal event for fragment id.
func (r *Report) Record(id string, ev download.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch ev.Kind {
	case download.EventSuccess:
		r.completed++
		r.bytes += ev.Stats.Loaded
	case download.EventFailure:
		r.failed++
		r.errors = append(r.errors, ErrorReport{Fragment: id, Error: ev.Err, Time: time.Now()})
	case download.EventAborted:
		r.aborted++
	}
}

func (r *Report) Failed() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.failed
}

func (r *Report) Bytes() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.bytes
}

func (r *Report) Render(w io.Writer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	indent := strings.Repeat(" ", 2)
	elapsed := time.Since(r.start)

	fmt.Fprintln(w)
	summary := fmt.Sprintf("Completed %d of %d fragments", r.completed, r.total)
	if r.completed == r.total {
		summary = FSuccess(summary)
	} else {
		summary = totalStyle.Render(summary)
	}
	fmt.Fprintln(w, indent+summary)
	fmt.Fprintln(w, indent+FDebug(fmt.Sprintf("%s in %s %s %s",
		FormatBytes(uint64(r.bytes)), elapsed.Round(time.Millisecond), StyleSymbols["bullet"], FormatSpeed(r.bytes, elapsed.Seconds()))))
	if r.aborted > 0 {
		fmt.Fprintln(w, indent+FWarning(fmt.Sprintf("Aborted %d of %d", r.aborted, r.total)))
	}
	if r.failed > 0 {
		fmt.Fprintln(w, indent+FError(fmt.Sprintf("Failed %d of %d", r.failed, r.total)))
	}
	r.renderErrors(w)
	fmt.Fprintln(w)
}

func (r *Report) renderErrors(w io.Writer) {
	if len(r.errors) == 0 {
		return
	}
	errs := append([]ErrorReport(nil), r.errors...)
	sort.SliceStable(errs, func(i, j int) bool { return errs[i].Time.Before(errs[j].Time) })
	fmt.Fprintln(w)
	fmt.Fprintln(w, strings.Repeat(" ", 2)+errorStyle.Bold(true).Render("Errors:"))
	for i, e := range errs {
		fmt.Fprintf(w, "%s%s %s %s\n",
			strings.Repeat(" ", 4),
			FError(fmt.Sprintf("%d.", i+1)),
			debugStyle.Render(fmt.Sprintf("[%s]", e.Time.Format("15:04:05"))),
			FError("Fragment: "+e.Fragment))
		for _, line := range wrapText(fmt.Sprintf("Error: %v", e.Error), 6) {
			fmt.Fprintf(w, "%s%s\n", strings.Repeat(" ", 6), FError(line))
		}
	}
}

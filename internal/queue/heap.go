package queue

import (
	"time"

	"github.com/JakeFAU/docindex-crawler/internal/crawler"
)

type entry struct {
	rec   crawler.JobRecord
	index int
	timer *time.Timer
}

// jobHeap orders waiting jobs by priority (lower first), then submission order.
type jobHeap []*entry

func (h jobHeap) Len() int { return len(h) }

func (h jobHeap) Less(i, j int) bool {
	if h[i].rec.Priority != h[j].rec.Priority {
		return h[i].rec.Priority < h[j].rec.Priority
	}
	return h[i].rec.Seq < h[j].rec.Seq
}

func (h jobHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *jobHeap) Push(x any) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *jobHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

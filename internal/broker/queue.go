package broker

import (
	"container/heap"

	"nox/pkg/proto"
)

// pqItem is one message waiting in the priority queue.
type pqItem struct {
	msg *proto.Message
}

// priorityQueue orders items by (priority.Rank(), EnqueueSeq): lower rank
// serves first, and within a rank, lower sequence (earlier enqueue) serves
// first — the FIFO tiebreak the data model requires for same-priority
// traffic on a given (from,to) pair.
type priorityQueue []*pqItem

func (q priorityQueue) Len() int { return len(q) }

func (q priorityQueue) Less(i, j int) bool {
	ri, rj := q[i].msg.Priority.Rank(), q[j].msg.Priority.Rank()
	if ri != rj {
		return ri < rj
	}
	return q[i].msg.EnqueueSeq < q[j].msg.EnqueueSeq
}

func (q priorityQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *priorityQueue) Push(x any) { *q = append(*q, x.(*pqItem)) }

func (q *priorityQueue) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return item
}

var _ heap.Interface = (*priorityQueue)(nil)

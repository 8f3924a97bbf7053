package stream

import "container/heap"

// pendingQueue orders queued chunks for dispatch: highest priority first,
// ties broken most-recently-requested first.
type pendingQueue []*chunkEntry

func (pq pendingQueue) Len() int { return len(pq) }

func (pq pendingQueue) Less(i, j int) bool {
	if pq[i].priority != pq[j].priority {
		return pq[i].priority > pq[j].priority
	}
	return pq[i].seq > pq[j].seq
}

func (pq pendingQueue) Swap(i, j int) {
	pq[i], pq[j] = pq[j], pq[i]
	pq[i].heapIndex = i
	pq[j].heapIndex = j
}

func (pq *pendingQueue) Push(x interface{}) {
	entry := x.(*chunkEntry)
	entry.heapIndex = len(*pq)
	*pq = append(*pq, entry)
}

func (pq *pendingQueue) Pop() interface{} {
	old := *pq
	n := len(old)
	entry := old[n-1]
	old[n-1] = nil
	entry.heapIndex = -1
	*pq = old[:n-1]
	return entry
}

// push adds an entry to the queue.
func (pq *pendingQueue) push(entry *chunkEntry) {
	heap.Push(pq, entry)
}

// pop removes and returns the best entry, or nil if empty.
func (pq *pendingQueue) pop() *chunkEntry {
	if len(*pq) == 0 {
		return nil
	}
	return heap.Pop(pq).(*chunkEntry)
}

// fix re-establishes heap order after an entry's priority changed in place.
func (pq *pendingQueue) fix(entry *chunkEntry) {
	if entry.heapIndex >= 0 {
		heap.Fix(pq, entry.heapIndex)
	}
}

// remove drops an entry from the queue regardless of position.
func (pq *pendingQueue) remove(entry *chunkEntry) {
	if entry.heapIndex >= 0 {
		heap.Remove(pq, entry.heapIndex)
	}
}

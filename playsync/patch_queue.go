package playsync

import (
	"container/heap"
	"sync"
)

// patchQueue buffers patch payloads that arrived ahead of the next
// expected sequence number, ordered by sequence number. The client runtime
// drains it whenever the head becomes contiguous with the applied stream.
// Duplicate sequence numbers are dropped (at-least-once delivery).
type patchQueue struct {
	stateLock sync.Mutex

	orderedItems []*PatchPayload
	// seq -> present
	seqs map[uint64]bool
}

func newPatchQueue() *patchQueue {
	patchQueue := &patchQueue{
		orderedItems: []*PatchPayload{},
		seqs:         map[uint64]bool{},
	}
	heap.Init(patchQueue)
	return patchQueue
}

func (self *patchQueue) Add(patch *PatchPayload) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.seqs[patch.Seq] {
		// duplicate
		return
	}
	self.seqs[patch.Seq] = true
	heap.Push(self, patch)
}

func (self *patchQueue) PeekFirst() *PatchPayload {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if len(self.orderedItems) == 0 {
		return nil
	}
	return self.orderedItems[0]
}

func (self *patchQueue) RemoveFirst() *PatchPayload {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if len(self.orderedItems) == 0 {
		return nil
	}
	item := heap.Pop(self).(*PatchPayload)
	delete(self.seqs, item.Seq)
	return item
}

func (self *patchQueue) Size() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return len(self.orderedItems)
}

func (self *patchQueue) Clear() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.orderedItems = []*PatchPayload{}
	self.seqs = map[uint64]bool{}
}

// heap.Interface

func (self *patchQueue) Push(x any) {
	self.orderedItems = append(self.orderedItems, x.(*PatchPayload))
}

func (self *patchQueue) Pop() any {
	n := len(self.orderedItems)
	item := self.orderedItems[n-1]
	self.orderedItems[n-1] = nil
	self.orderedItems = self.orderedItems[:n-1]
	return item
}

// sort.Interface

func (self *patchQueue) Len() int {
	return len(self.orderedItems)
}

func (self *patchQueue) Less(i int, j int) bool {
	return self.orderedItems[i].Seq < self.orderedItems[j].Seq
}

func (self *patchQueue) Swap(i int, j int) {
	self.orderedItems[i], self.orderedItems[j] = self.orderedItems[j], self.orderedItems[i]
}

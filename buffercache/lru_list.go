package buffercache

// lruList threads one circular doubly linked list per bucket through the buffer arena.
// Nodes 0..buffers-1 are the buffers, node buffers+k is the sentinel of bucket k.
//
// The front of a bucket's list is its most recently released buffer, the back its least recently released.
// The links of a node are only touched under the lock of the bucket the node sits in.
type lruList struct {
	prev []int
	next []int

	buffers int
}

func newLRUList(buffers int, buckets int) *lruList {

	list := &lruList{
		prev:    make([]int, buffers+buckets),
		next:    make([]int, buffers+buckets),
		buffers: buffers,
	}

	for bucket := 0; bucket < buckets; bucket++ {
		sentinel := list.sentinel(bucket)
		list.prev[sentinel] = sentinel
		list.next[sentinel] = sentinel
	}

	return list
}

// sentinel returns the node that marks both ends of a bucket's list.
func (list *lruList) sentinel(bucket int) int {
	return list.buffers + bucket
}

// pushFront inserts node at the front of the bucket, it becomes the most recently used buffer.
func (list *lruList) pushFront(bucket int, node int) {

	sentinel := list.sentinel(bucket)

	list.next[node] = list.next[sentinel]
	list.prev[node] = sentinel
	list.prev[list.next[sentinel]] = node
	list.next[sentinel] = node
}

// pushBack inserts node at the back of the bucket.
func (list *lruList) pushBack(bucket int, node int) {

	sentinel := list.sentinel(bucket)

	list.prev[node] = list.prev[sentinel]
	list.next[node] = sentinel
	list.next[list.prev[sentinel]] = node
	list.prev[sentinel] = node
}

// remove unlinks node from whichever bucket it sits in.
func (list *lruList) remove(node int) {

	list.next[list.prev[node]] = list.next[node]
	list.prev[list.next[node]] = list.prev[node]

	list.prev[node] = node
	list.next[node] = node
}

// moveToFront makes node the most recently used buffer of its bucket.
func (list *lruList) moveToFront(bucket int, node int) {

	list.remove(node)
	list.pushFront(bucket, node)
}

// forward calls visit for each buffer of the bucket from front to back until visit returns false.
func (list *lruList) forward(bucket int, visit func(node int) bool) {

	sentinel := list.sentinel(bucket)

	for node := list.next[sentinel]; node != sentinel; node = list.next[node] {
		if !visit(node) {
			return
		}
	}
}

// backward calls visit for each buffer of the bucket from back to front until visit returns false.
func (list *lruList) backward(bucket int, visit func(node int) bool) {

	sentinel := list.sentinel(bucket)

	for node := list.prev[sentinel]; node != sentinel; node = list.prev[node] {
		if !visit(node) {
			return
		}
	}
}

// nodes returns the buffers of the bucket from front to back.
func (list *lruList) nodes(bucket int) []int {

	nodes := make([]int, 0)

	list.forward(bucket, func(node int) bool {
		nodes = append(nodes, node)
		return true
	})

	return nodes
}

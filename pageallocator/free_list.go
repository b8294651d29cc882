package pageallocator

import "sync"

const endOfList = -1

// frameLinks threads singly linked free lists through frame indices.
// The entry for a frame is only touched by whoever holds the lock of the list the frame currently sits in.
type frameLinks []int32

// freeList is the free list of one CPU.
type freeList struct {

	// guards head, length and the links of every frame in the list.
	mutex *sync.Mutex

	head   int32
	length int
}

func newFreeList() *freeList {
	return &freeList{
		mutex: &sync.Mutex{},
		head:  endOfList,
	}
}

// push links frame in at the head of the list. The caller must hold list.mutex.
func (list *freeList) push(links frameLinks, frame int) {

	links[frame] = list.head
	list.head = int32(frame)
	list.length++
}

// pop unlinks and returns the frame at the head of the list, or false if the list is empty.
// The caller must hold list.mutex.
func (list *freeList) pop(links frameLinks) (int, bool) {

	if list.head == endOfList {
		return 0, false
	}

	frame := int(list.head)
	list.head = links[frame]
	links[frame] = endOfList
	list.length--

	return frame, true
}

// frames returns the indices of all frames in the list, head first. The caller must hold list.mutex.
func (list *freeList) frames(links frameLinks) []int {

	frames := make([]int, 0, list.length)
	for frame := list.head; frame != endOfList; frame = links[frame] {
		frames = append(frames, int(frame))
	}
	return frames
}

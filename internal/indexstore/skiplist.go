package indexstore

import (
	"math/rand"
)

const (
	skipListMaxLevel    = 16
	skipListProbability = 0.5
)

type skipListNode struct {
	key     string
	value   []byte
	forward []*skipListNode
}

// skipList is an ordered map from string keys to byte values. It is not safe
// for concurrent use; memoryStore guards it.
type skipList struct {
	head  *skipListNode
	level int
	size  int
	bytes int
}

func newSkipList() *skipList {
	return &skipList{
		head: &skipListNode{forward: make([]*skipListNode, skipListMaxLevel)},
	}
}

func (sl *skipList) randomLevel() int {
	level := 0
	for rand.Float64() < skipListProbability && level < skipListMaxLevel-1 {
		level++
	}
	return level
}

// findPredecessors fills update with the rightmost node before key on each
// level and returns the first node whose key is >= key.
func (sl *skipList) findPredecessors(key string, update []*skipListNode) *skipListNode {
	current := sl.head
	for i := sl.level; i >= 0; i-- {
		for current.forward[i] != nil && current.forward[i].key < key {
			current = current.forward[i]
		}
		if update != nil {
			update[i] = current
		}
	}
	return current.forward[0]
}

// put adds or replaces key.
func (sl *skipList) put(key string, value []byte) {
	update := make([]*skipListNode, skipListMaxLevel)
	next := sl.findPredecessors(key, update)

	if next != nil && next.key == key {
		sl.bytes += len(value) - len(next.value)
		next.value = value
		return
	}

	newLevel := sl.randomLevel()
	if newLevel > sl.level {
		for i := sl.level + 1; i <= newLevel; i++ {
			update[i] = sl.head
		}
		sl.level = newLevel
	}

	node := &skipListNode{
		key:     key,
		value:   value,
		forward: make([]*skipListNode, newLevel+1),
	}
	for i := 0; i <= newLevel; i++ {
		node.forward[i] = update[i].forward[i]
		update[i].forward[i] = node
	}

	sl.size++
	sl.bytes += len(key) + len(value)
}

func (sl *skipList) get(key string) ([]byte, bool) {
	node := sl.findPredecessors(key, nil)
	if node != nil && node.key == key {
		return node.value, true
	}
	return nil, false
}

// remove deletes key and reports whether it was present.
func (sl *skipList) remove(key string) bool {
	update := make([]*skipListNode, skipListMaxLevel)
	node := sl.findPredecessors(key, update)
	if node == nil || node.key != key {
		return false
	}

	for i := 0; i <= sl.level; i++ {
		if update[i].forward[i] != node {
			break
		}
		update[i].forward[i] = node.forward[i]
	}

	for sl.level > 0 && sl.head.forward[sl.level] == nil {
		sl.level--
	}

	sl.size--
	sl.bytes -= len(node.key) + len(node.value)
	return true
}

// seek returns an iterator positioned before the first key >= key.
func (sl *skipList) seek(key string) *skipListIterator {
	return &skipListIterator{next: sl.findPredecessors(key, nil)}
}

type skipListIterator struct {
	current *skipListNode
	next    *skipListNode
}

func (it *skipListIterator) Next() bool {
	it.current = it.next
	if it.current == nil {
		return false
	}
	it.next = it.current.forward[0]
	return true
}

func (it *skipListIterator) Key() string {
	if it.current == nil {
		return ""
	}
	return it.current.key
}

func (it *skipListIterator) Value() []byte {
	if it.current == nil {
		return nil
	}
	return it.current.value
}

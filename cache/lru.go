package cache

// lruList is an intrusive doubly-linked recency list. The front holds the
// most recently used key, the back the eviction candidate. Not safe for
// concurrent use; each shard guards its own list.
type lruList struct {
	front *lruNode
	back  *lruNode
	len   int
}

type lruNode struct {
	key  string
	prev *lruNode
	next *lruNode
}

func (l *lruList) pushFront(key string) *lruNode {
	n := &lruNode{key: key}
	n.next = l.front
	if l.front != nil {
		l.front.prev = n
	}
	l.front = n
	if l.back == nil {
		l.back = n
	}
	l.len++
	return n
}

func (l *lruList) remove(n *lruNode) {
	if n.prev != nil {
		n.prev.next = n.next
	} else {
		l.front = n.next
	}
	if n.next != nil {
		n.next.prev = n.prev
	} else {
		l.back = n.prev
	}
	n.prev, n.next = nil, nil
	l.len--
}

func (l *lruList) moveToFront(n *lruNode) {
	if l.front == n {
		return
	}
	l.remove(n)
	n.next = l.front
	if l.front != nil {
		l.front.prev = n
	}
	l.front = n
	if l.back == nil {
		l.back = n
	}
	l.len++
}

// removeOldest pops the back of the list, returning its key.
func (l *lruList) removeOldest() (string, bool) {
	if l.back == nil {
		return "", false
	}
	key := l.back.key
	l.remove(l.back)
	return key, true
}

package download

import "container/list"

// lru is a fixed capacity least-recently-used map. It is only touched from
// the manager loop and needs no locking.
type lru[K comparable, V any] struct {
	capacity int
	items    map[K]*list.Element
	order    *list.List // front = most recent
	onEvict  func(K, V)
}

type lruItem[K comparable, V any] struct {
	key   K
	value V
}

func newLRU[K comparable, V any](capacity int, onEvict func(K, V)) *lru[K, V] {
	if capacity <= 0 {
		capacity = 1
	}
	return &lru[K, V]{
		capacity: capacity,
		items:    make(map[K]*list.Element),
		order:    list.New(),
		onEvict:  onEvict,
	}
}

func (c *lru[K, V]) Get(key K) (V, bool) {
	if elem, ok := c.items[key]; ok {
		c.order.MoveToFront(elem)
		return elem.Value.(*lruItem[K, V]).value, true
	}
	var zero V
	return zero, false
}

func (c *lru[K, V]) Set(key K, value V) {
	if elem, ok := c.items[key]; ok {
		c.order.MoveToFront(elem)
		elem.Value.(*lruItem[K, V]).value = value
		return
	}
	if c.order.Len() >= c.capacity {
		if oldest := c.order.Back(); oldest != nil {
			item := c.order.Remove(oldest).(*lruItem[K, V])
			delete(c.items, item.key)
			if c.onEvict != nil {
				c.onEvict(item.key, item.value)
			}
		}
	}
	c.items[key] = c.order.PushFront(&lruItem[K, V]{key: key, value: value})
}

func (c *lru[K, V]) Len() int {
	return c.order.Len()
}

// Purge evicts everything.
func (c *lru[K, V]) Purge() {
	for elem := c.order.Back(); elem != nil; elem = c.order.Back() {
		item := c.order.Remove(elem).(*lruItem[K, V])
		delete(c.items, item.key)
		if c.onEvict != nil {
			c.onEvict(item.key, item.value)
		}
	}
}

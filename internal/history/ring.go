package history

// ring буфер фиксированной емкости; при переполнении вытесняется самый старый элемент.
// Не потокобезопасен, защищается мьютексом Collector.
type ring[T any] struct {
	items []T
	head  int // позиция следующей записи
	size  int
}

func newRing[T any](capacity int) *ring[T] {
	if capacity <= 0 {
		capacity = 1
	}
	return &ring[T]{items: make([]T, capacity)}
}

func (r *ring[T]) push(item T) {
	r.items[r.head] = item
	r.head = (r.head + 1) % len(r.items)
	if r.size < len(r.items) {
		r.size++
	}
}

// snapshot копия содержимого в порядке вставки
func (r *ring[T]) snapshot() []T {
	out := make([]T, 0, r.size)
	start := (r.head - r.size + len(r.items)) % len(r.items)
	for i := 0; i < r.size; i++ {
		out = append(out, r.items[(start+i)%len(r.items)])
	}
	return out
}

func (r *ring[T]) len() int {
	return r.size
}

func (r *ring[T]) reset() {
	var zero T
	for i := range r.items {
		r.items[i] = zero
	}
	r.head = 0
	r.size = 0
}

// reverse обходит элементы от новых к старым, пока fn возвращает true
func (r *ring[T]) reverse(fn func(T) bool) {
	for i := 1; i <= r.size; i++ {
		idx := (r.head - i + len(r.items)) % len(r.items)
		if !fn(r.items[idx]) {
			return
		}
	}
}

package merge

import "github.com/mmcdole/libris/internal/domain"

// head is the next unmerged book of one library.
type head struct {
	lib  domain.LibraryID
	pos  int // Index into the library's IDs
	book *domain.Book
}

// headHeap orders heads by the view's sort key; Pop yields the next book
// of the merged order.
type headHeap struct {
	items []head
	sort  domain.SortKey
	coll  *domain.Collator
}

func (h *headHeap) Len() int { return len(h.items) }

func (h *headHeap) Less(i, j int) bool {
	return domain.Compare(h.items[i].book, h.items[j].book, h.sort, h.coll) < 0
}

func (h *headHeap) Swap(i, j int) { h.items[i], h.items[j] = h.items[j], h.items[i] }

func (h *headHeap) Push(x interface{}) {
	h.items = append(h.items, x.(head))
}

func (h *headHeap) Pop() interface{} {
	old := h.items
	n := len(old)
	item := old[n-1]
	h.items = old[:n-1]
	return item
}

package diag

import (
	"cmp"
	"slices"

	"fortio.org/safecast"
)

// Bag collects the diagnostics of one crate build up to a limit. Items past
// the limit are counted but not stored, and a dropped error still makes
// HasErrors true.
type Bag struct {
	items   []Diagnostic
	limit   uint16
	dropped int
	errors  int
}

func NewBag(limit int) *Bag {
	n, err := safecast.Conv[uint16](limit)
	if err != nil {
		n = ^uint16(0)
	}
	return &Bag{items: make([]Diagnostic, 0, min(n, 64)), limit: n}
}

// Add stores d; false means the bag is full and d was only counted.
func (b *Bag) Add(d Diagnostic) bool {
	if d.Severity >= SevError {
		b.errors++
	}
	if len(b.items) >= int(b.limit) {
		b.dropped++
		return false
	}
	b.items = append(b.items, d)
	return true
}

func (b *Bag) HasErrors() bool { return b.errors > 0 }

func (b *Bag) Len() int { return len(b.items) }

// Dropped is the number of diagnostics refused by Add.
func (b *Bag) Dropped() int { return b.dropped }

// Items возвращает внутренний срез, не модифицировать.
func (b *Bag) Items() []Diagnostic {
	return b.items
}

// Sort orders diagnostics by severity (desc), then code, subject and message.
// Equal keys keep their order, so diagnostics drained from workers stay FIFO.
func (b *Bag) Sort() {
	slices.SortStableFunc(b.items, func(x, y Diagnostic) int {
		return cmp.Or(
			cmp.Compare(y.Severity, x.Severity),
			cmp.Compare(x.Code, y.Code),
			cmp.Compare(x.Subject, y.Subject),
			cmp.Compare(x.Message, y.Message),
		)
	})
}

package destination

import (
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v3"
)

// Listenable is an embeddable registry of error listeners.
// The zero value is not usable, create it with NewListenable.
type Listenable struct {
	nextID    atomic.Uint64
	listeners *xsync.MapOf[uint64, func(error)]
}

func NewListenable() *Listenable {
	return &Listenable{listeners: xsync.NewMapOf[uint64, func(error)]()}
}

// AddListener registers fn and returns a function that removes it.
// The remover is safe to call more than once.
func (l *Listenable) AddListener(fn func(error)) func() {
	id := l.nextID.Add(1)
	l.listeners.Store(id, fn)
	return func() {
		l.listeners.Delete(id)
	}
}

// NotifyError invokes every listener on the calling goroutine
func (l *Listenable) NotifyError(err error) {
	l.listeners.Range(func(_ uint64, fn func(error)) bool {
		fn(err)
		return true
	})
}

// ListenerCount returns the number of registered listeners
func (l *Listenable) ListenerCount() int {
	return l.listeners.Size()
}

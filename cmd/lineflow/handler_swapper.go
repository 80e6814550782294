package main

import (
	"net/http"
	"sync/atomic"
)

// handlerSwapper serves whichever API handler was installed last. SIGHUP
// installs a handler built from the reloaded configuration; requests already
// in flight finish on the handler they started with.
type handlerSwapper struct {
	current    atomic.Pointer[http.Handler]
	generation atomic.Uint64
}

func newHandlerSwapper(h http.Handler) *handlerSwapper {
	s := &handlerSwapper{}
	s.current.Store(&h)
	return s
}

func (s *handlerSwapper) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	(*s.current.Load()).ServeHTTP(w, r)
}

// Swap installs h and returns the new generation (1 for the first swap).
func (s *handlerSwapper) Swap(h http.Handler) uint64 {
	s.current.Store(&h)
	return s.generation.Add(1)
}

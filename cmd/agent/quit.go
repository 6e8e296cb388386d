package main

import "sync"

// quitter is closed by whichever of the tray or a signal asks first.
type quitter struct {
	once sync.Once
	ch   chan struct{}
}

func newQuitter() *quitter {
	return &quitter{ch: make(chan struct{})}
}

func (q *quitter) Quit() {
	q.once.Do(func() { close(q.ch) })
}

func (q *quitter) Done() <-chan struct{} {
	return q.ch
}

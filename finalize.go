package Go_RCU

// Finalizable is an object that can be retired through Finalize. Embed Fin to
// get the list linkage; SafeDestroy runs exactly once, after a grace period, on
// the goroutine that queued the object. It must not fail.
type Finalizable interface {
	SafeDestroy()
	setFinNext(Finalizable)
	finNext() Finalizable
}

// Fin provides the pending-list linkage for Finalizable implementations.
type Fin struct {
	fNext Finalizable
}

func (f *Fin) setFinNext(n Finalizable) {
	f.fNext = n
}

func (f *Fin) finNext() Finalizable {
	return f.fNext
}

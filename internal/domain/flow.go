package domain

// Flow is the read state of one relay direction. A direction is Suspended when
// its sink reported not writable; the next writable edge of the sink resumes
// it, and only that first edge triggers a catch-up read.
type Flow uint8

const (
	Flowing Flow = iota
	Suspended
)

func (f *Flow) Suspend() {
	*f = Suspended
}

// Resume reports whether the direction was suspended, switching it back to
// Flowing. It returns true at most once per Suspend.
func (f *Flow) Resume() bool {
	if *f != Suspended {
		return false
	}
	*f = Flowing
	return true
}

func (f Flow) String() string {
	if f == Suspended {
		return "suspended"
	}
	return "flowing"
}

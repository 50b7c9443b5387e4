package columns

// Antijoin returns the values of a that are not present in b, preserving a's
// order. Both columns must be sorted ascending. The second result is true
// when nothing was removed, letting the caller keep a by reference instead
// of copying.
func Antijoin(a, b Column) (Column, bool) {
	ra := a.Reader()
	rb := b.Reader()

	var kept []Term
	allNew := true

	haveB := rb.HasNext()
	var curB Term
	if haveB {
		curB = rb.Next()
	}

	for ra.HasNext() {
		v := ra.Next()
		for haveB && curB < v {
			if rb.HasNext() {
				curB = rb.Next()
			} else {
				haveB = false
			}
		}
		if haveB && curB == v {
			allNew = false
			continue
		}
		kept = append(kept, v)
	}

	if allNew {
		return a, true
	}
	return NewDenseSorted(kept), false
}

// Equal reports whether two columns hold the same value sequence.
func Equal(a, b Column) bool {
	if a.Len() != b.Len() {
		return false
	}
	ra, rb := a.Reader(), b.Reader()
	for ra.HasNext() {
		if ra.Next() != rb.Next() {
			return false
		}
	}
	return true
}

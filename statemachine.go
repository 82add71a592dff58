package enforcer

// desiredState returns the state a record should move to next, given the goal of its key.
// Returning the current state means the record is stable.
func desiredState(introducing bool, current State) State {
	if current == NA {
		return NA
	}

	if introducing {
		switch current {
		case Hidden, Unretentive:
			return Rumoured
		case Rumoured, Omnipresent:
			return Omnipresent
		}
	} else {
		switch current {
		case Rumoured, Omnipresent:
			return Unretentive
		case Unretentive, Hidden:
			return Hidden
		}
	}

	return current
}

// initialState is the state a freshly generated KeyState starts in.
func initialState(role Role, t RecordType) State {
	if role.Applies(t) {
		return Hidden
	}
	return NA
}

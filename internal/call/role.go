package call

// Role says which side of the offer/answer exchange a participant takes.
type Role int

const (
	// RoleInitiator creates and sends the offer.
	RoleInitiator Role = iota
	// RoleResponder announces ready and waits for the offer.
	RoleResponder
)

func (r Role) String() string {
	if r == RoleInitiator {
		return "initiator"
	}
	return "responder"
}

// AssignRole elects the initiator from the total order over participant IDs:
// the lexicographically smaller ID initiates. Both sides compute the same
// answer independently, so neither a coordination message nor glare handling
// is needed.
func AssignRole(localID, remoteID string) Role {
	if localID < remoteID {
		return RoleInitiator
	}
	return RoleResponder
}

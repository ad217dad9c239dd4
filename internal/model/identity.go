package model

// Identity identifies a message in a local thread view. A message is
// either a local optimistic placeholder or a durable store record.
//
// The interface is sealed; switch on Local and Durable.
type Identity interface {
	identity()
	String() string
}

// Local is the temporary id of an optimistic message not yet accepted
// by the store.
type Local struct {
	TempID string
}

// Durable is the id assigned by the store.
type Durable struct {
	ID string
}

func (Local) identity()   {}
func (Durable) identity() {}

func (l Local) String() string   { return l.TempID }
func (d Durable) String() string { return d.ID }

// IdentityOf returns the identity a message carries: durable once the
// store has assigned an id, local otherwise.
func IdentityOf(m *Message) Identity {
	if m.ID != "" {
		return Durable{ID: m.ID}
	}
	return Local{TempID: m.ClientID}
}

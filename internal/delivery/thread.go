package delivery

import (
	"github.com/househunter/messaging/internal/model"
	"github.com/househunter/messaging/internal/store"
)

// thread is the local view of one conversation: store-ordered durable
// messages followed by optimistic placeholders still waiting for the
// store. It is guarded by the owning Service.
type thread struct {
	conversationID string
	userID         string
	entries        []model.Message
	banner         string
	sub            store.Subscription
	refs           int
}

func newThread(conversationID, userID string) *thread {
	return &thread{conversationID: conversationID, userID: userID}
}

// appendOptimistic adds a placeholder at the end of the view.
func (t *thread) appendOptimistic(m model.Message) {
	t.entries = append(t.entries, m)
}

// index finds an entry by its durable id or temporary id.
func (t *thread) index(id string) int {
	for i := range t.entries {
		switch ident := model.IdentityOf(&t.entries[i]).(type) {
		case model.Local:
			if ident.TempID == id {
				return i
			}
		case model.Durable:
			if ident.ID == id || t.entries[i].ClientID == id {
				return i
			}
		}
	}
	return -1
}

func (t *thread) get(id string) (*model.Message, bool) {
	i := t.index(id)
	if i < 0 {
		return nil, false
	}
	return &t.entries[i], true
}

func (t *thread) remove(id string) {
	if i := t.index(id); i >= 0 {
		t.entries = append(t.entries[:i], t.entries[i+1:]...)
	}
}

// acknowledge replaces the placeholder clientID with the stored record,
// in place. Acknowledging the same record again only merges status.
func (t *thread) acknowledge(clientID string, stored model.Message) {
	for i := range t.entries {
		e := &t.entries[i]
		switch ident := model.IdentityOf(e).(type) {
		case model.Local:
			if ident.TempID == clientID {
				t.entries[i] = adopt(*e, stored)
				return
			}
		case model.Durable:
			if ident.ID == stored.ID {
				t.entries[i] = mergeDurable(*e, stored)
				return
			}
		}
	}
}

// reconcile folds an ordered store snapshot into the view. Durable
// entries older than the snapshot window are kept; placeholders matched
// by temporary id are replaced by their stored record; unmatched
// placeholders stay at the end.
func (t *thread) reconcile(remote []model.Message) {
	locals := make(map[string]int)
	durables := make(map[string]int)
	for i := range t.entries {
		switch ident := model.IdentityOf(&t.entries[i]).(type) {
		case model.Local:
			locals[ident.TempID] = i
		case model.Durable:
			durables[ident.ID] = i
		}
	}

	consumed := make([]bool, len(t.entries))
	next := make([]model.Message, 0, len(t.entries)+len(remote))

	if len(remote) > 0 {
		oldest := remote[0].CreatedAt
		for i := range t.entries {
			e := t.entries[i]
			if e.ID != "" && e.CreatedAt.Before(oldest) {
				next = append(next, e)
				consumed[i] = true
			}
		}
	}

	for _, r := range remote {
		if i, ok := durables[r.ID]; ok && !consumed[i] {
			consumed[i] = true
			next = append(next, mergeDurable(t.entries[i], r))
			continue
		}
		if i, ok := locals[r.ClientID]; ok && r.ClientID != "" && !consumed[i] {
			consumed[i] = true
			next = append(next, adopt(t.entries[i], r))
			continue
		}
		next = append(next, r)
	}

	for i := range t.entries {
		if !consumed[i] && t.entries[i].ID == "" {
			next = append(next, t.entries[i])
		}
	}
	t.entries = next
}

// snapshot returns the messages visible to the local user.
func (t *thread) snapshot() model.ThreadResponse {
	msgs := make([]model.Message, 0, len(t.entries))
	for i := range t.entries {
		if t.entries[i].HiddenForUser(t.userID) {
			continue
		}
		msgs = append(msgs, t.entries[i].Clone())
	}
	return model.ThreadResponse{
		ConversationID: t.conversationID,
		Messages:       msgs,
		Banner:         t.banner,
	}
}

// pending reports whether the view holds placeholders the store has not
// accepted.
func (t *thread) pending() bool {
	for i := range t.entries {
		if t.entries[i].ID == "" {
			return true
		}
	}
	return false
}

// adopt replaces a placeholder with its stored record, keeping the
// local-only upload state.
func adopt(local, stored model.Message) model.Message {
	out := stored.Clone()
	out.RetryCount = local.RetryCount
	out.UploadProgress = local.UploadProgress
	return out
}

// mergeDurable takes the newer remote copy but never lets status move
// backwards.
func mergeDurable(local, remote model.Message) model.Message {
	out := remote.Clone()
	if local.Status.Rank() > remote.Status.Rank() {
		out.Status = local.Status
		out.DeliveredAt = local.DeliveredAt
		out.ReadAt = local.ReadAt
	}
	out.RetryCount = local.RetryCount
	out.UploadProgress = local.UploadProgress
	return out
}

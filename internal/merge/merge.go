// Package merge folds conversations with the same counterpart into one
// display thread.
package merge

import (
	"sort"

	"github.com/househunter/messaging/internal/model"
)

// Key returns the grouping key of conv as seen by localUserID: the owner
// when known and not the local user, else the other participant, else the
// conversation id.
func Key(conv *model.Conversation, localUserID string) string {
	if conv.OwnerID != "" && conv.OwnerID != localUserID {
		return "user:" + conv.OwnerID
	}
	if other := conv.Other(localUserID); other != "" {
		return "user:" + other
	}
	return "conv:" + conv.ID
}

// Merge groups convs by Key. The most recently active member of each
// group is the canonical record and carries the union of the group's
// property references. Results are ordered by last activity, most recent
// first. The input is not modified.
func Merge(convs []model.Conversation, localUserID string) []model.MergedConversation {
	groups := make(map[string][]model.Conversation)
	var order []string
	for _, c := range convs {
		k := Key(&c, localUserID)
		if _, ok := groups[k]; !ok {
			order = append(order, k)
		}
		groups[k] = append(groups[k], c)
	}

	merged := make([]model.MergedConversation, 0, len(order))
	for _, k := range order {
		merged = append(merged, fold(groups[k]))
	}

	sort.SliceStable(merged, func(i, j int) bool {
		return newer(&merged[i].Conversation, &merged[j].Conversation)
	})
	return merged
}

func fold(members []model.Conversation) model.MergedConversation {
	sort.SliceStable(members, func(i, j int) bool {
		return newer(&members[i], &members[j])
	})

	base := members[0]
	base.PropertyIDs = append([]string(nil), base.PropertyIDs...)
	ids := make([]string, 0, len(members))
	for _, m := range members {
		ids = append(ids, m.ID)
		for _, p := range m.PropertyIDs {
			base.AddProperty(p)
		}
	}
	return model.MergedConversation{Conversation: base, MemberIDs: ids}
}

func newer(a, b *model.Conversation) bool {
	if !a.LastActivity.Equal(b.LastActivity) {
		return a.LastActivity.After(b.LastActivity)
	}
	return a.ID < b.ID
}

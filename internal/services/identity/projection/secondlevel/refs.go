package secondlevel

import (
	"sort"

	"github.com/louisbranch/identity.space/internal/services/identity/domain/assignment"
	"github.com/louisbranch/identity.space/internal/services/identity/storage"
)

func conditionKey(c assignment.RangeCondition) string {
	key, _ := assignment.KeyCalculator{}.Calculate("-", "-", c.Start, c.End)
	return key
}

// addRef merges conditions into the reference to ref.ID, keeping refs
// ordered by id and conditions deduplicated by their compound key.
func addRef(refs []storage.MemberRef, ref storage.MemberRef, conditions []assignment.RangeCondition) []storage.MemberRef {
	idx := -1
	for i := range refs {
		if refs[i].ID == ref.ID {
			idx = i
			break
		}
	}
	if idx < 0 {
		refs = append(refs, ref)
		idx = len(refs) - 1
	}
	for _, c := range conditions {
		c = c.Normalized()
		key := conditionKey(c)
		known := false
		for _, existing := range refs[idx].Conditions {
			if conditionKey(existing) == key {
				known = true
				break
			}
		}
		if !known {
			refs[idx].Conditions = append(refs[idx].Conditions, c)
		}
	}
	sort.Slice(refs[idx].Conditions, func(i, j int) bool {
		return conditionKey(refs[idx].Conditions[i]) < conditionKey(refs[idx].Conditions[j])
	})
	sort.Slice(refs, func(i, j int) bool { return refs[i].ID < refs[j].ID })
	return refs
}

func removeRef(refs []storage.MemberRef, id string) []storage.MemberRef {
	out := refs[:0]
	for _, ref := range refs {
		if ref.ID != id {
			out = append(out, ref)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// removeCondition drops one condition; the reference goes with its last
// condition.
func removeCondition(refs []storage.MemberRef, id string, c assignment.RangeCondition) []storage.MemberRef {
	key := conditionKey(c)
	for i := range refs {
		if refs[i].ID != id {
			continue
		}
		kept := refs[i].Conditions[:0]
		for _, existing := range refs[i].Conditions {
			if conditionKey(existing) != key {
				kept = append(kept, existing)
			}
		}
		refs[i].Conditions = kept
		if len(kept) == 0 {
			return removeRef(refs, id)
		}
		return refs
	}
	return refs
}

func renameRef(refs []storage.MemberRef, id, name string) bool {
	for i := range refs {
		if refs[i].ID == id && refs[i].Name != name {
			refs[i].Name = name
			return true
		}
	}
	return false
}

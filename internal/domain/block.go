package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// PermanentBlock is a standing rule that forbids creating tasks of a category
// for a contact under a role. Empty Category or Role and a nil ContactID act
// as wildcards.
type PermanentBlock struct {
	ID        uuid.UUID  `json:"id"`
	TenantID  uuid.UUID  `json:"tenant_id"`
	ContactID *uuid.UUID `json:"contact_id,omitempty"`
	Category  string     `json:"category,omitempty"`
	Role      string     `json:"role,omitempty"`
	Reason    string     `json:"reason,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// Matches reports whether the block forbids the given task.
func (b PermanentBlock) Matches(t *Task) bool {
	if b.ContactID != nil && (t.ContactID == nil || *t.ContactID != *b.ContactID) {
		return false
	}
	if b.Category != "" && !strings.EqualFold(b.Category, t.Category) {
		return false
	}
	if b.Role != "" && !strings.EqualFold(b.Role, t.Role) {
		return false
	}
	return true
}

// FindBlock returns the first block that matches t.
func FindBlock(blocks []PermanentBlock, t *Task) (PermanentBlock, bool) {
	for _, b := range blocks {
		if b.Matches(t) {
			return b, true
		}
	}
	return PermanentBlock{}, false
}

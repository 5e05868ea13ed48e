package outbox

import (
	"errors"
	"fmt"

	"github.com/matheus3301/threadsync/internal/kv"
)

// Drafts keeps unsent composer text per thread and user.
type Drafts struct {
	kv kv.Store
}

func NewDrafts(store kv.Store) *Drafts {
	return &Drafts{kv: store}
}

// Save stores text, clearing the draft when text is empty.
func (d *Drafts) Save(threadID, userID, text string) error {
	if text == "" {
		return d.Clear(threadID, userID)
	}
	if err := kv.SetValue(d.kv, kv.DraftKey(threadID, userID), text); err != nil {
		return fmt.Errorf("save draft: %w", err)
	}
	return nil
}

// Load returns the draft, or "" when none is stored.
func (d *Drafts) Load(threadID, userID string) (string, error) {
	var text string
	err := kv.GetValue(d.kv, kv.DraftKey(threadID, userID), &text)
	if errors.Is(err, kv.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("load draft: %w", err)
	}
	return text, nil
}

func (d *Drafts) Clear(threadID, userID string) error {
	return d.kv.Remove(kv.DraftKey(threadID, userID))
}

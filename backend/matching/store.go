package matching

import "context"

// ListName names one of the set-valued fields of a profile document.
type ListName string

const (
	ListRejectedUsers ListName = "rejectedUsers"
	ListRightSwipes   ListName = "rightSwipes"
	ListMatches       ListName = "matches"
)

// ListValue is an element of a set-valued field. Elements are unique by ListKey.
type ListValue interface {
	ListKey() string
}

// Fields is a partial document merged into a profile by WriteProfileFields.
type Fields map[string]any

// ProfileStore is the document store that owns every UserProfile. Writes to one
// document are last-write-wins; nothing spans two documents unless the store
// also implements Transactor.
type ProfileStore interface {
	// ReadProfile returns ErrProfileNotFound when the document does not exist.
	ReadProfile(ctx context.Context, id UserID) (*UserProfile, error)
	// WriteProfileFields merges fields into the document; it never replaces it.
	WriteProfileFields(ctx context.Context, id UserID, fields Fields) error
	// AppendToList adds value to the named list unless an element with the same key exists.
	AppendToList(ctx context.Context, id UserID, list ListName, value ListValue) error
	// RemoveFromList drops the element with the given key. Removing an absent element is a no-op.
	RemoveFromList(ctx context.Context, id UserID, list ListName, key string) error
	// ListAllProfiles is a full scan.
	ListAllProfiles(ctx context.Context) ([]UserProfile, error)
	// Subscribe pushes every committed change of the document to onChange until the
	// returned cancel func is called or ctx ends.
	Subscribe(ctx context.Context, id UserID, onChange func(UserProfile)) (cancel func(), err error)
}

// Transactor is implemented by stores that can update several documents atomically.
// The ProfileStore handed to fn reads with row locks and commits on a nil return.
type Transactor interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context, tx ProfileStore) error) error
}

// Locker is implemented by transaction views that can lock several documents at
// once. Locks are taken in ascending id order and held until the transaction ends.
type Locker interface {
	LockProfiles(ctx context.Context, ids ...UserID) error
}

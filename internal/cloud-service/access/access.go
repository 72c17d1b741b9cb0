// Package access holds the ownership rules shared by every file operation.
// It only decides; it never touches storage.
package access

import "errors"

var (
	ErrForbidden = errors.New("forbidden")
	// ErrNotFound is also returned when a record exists but the caller may not
	// see it, so that existence never leaks to non-owners.
	ErrNotFound = errors.New("not found")
)

// Principal is the authenticated caller.
type Principal struct {
	ID      uint
	IsAdmin bool
}

// ListScope tells whether the caller gets every file or only one user's files.
type ListScope struct {
	All     bool
	OwnerID uint
}

// CanList resolves the listing of files requested for userID.
func CanList(p Principal, userID uint) (ListScope, error) {
	switch {
	case p.IsAdmin:
		return ListScope{All: true}, nil
	case p.ID == userID:
		return ListScope{OwnerID: p.ID}, nil
	default:
		return ListScope{}, ErrForbidden
	}
}

// CanRead reports whether the caller may download or modify a file owned by
// ownerID. A mismatch looks exactly like a missing file.
func CanRead(p Principal, ownerID uint) error {
	if p.IsAdmin || p.ID == ownerID {
		return nil
	}
	return ErrNotFound
}

// CanUpdate follows the same rule as CanRead.
func CanUpdate(p Principal, ownerID uint) error {
	return CanRead(p, ownerID)
}

// CanDelete checks the user scope of a delete request. The file itself must
// additionally be looked up under userID.
func CanDelete(p Principal, userID uint) error {
	if p.IsAdmin || p.ID == userID {
		return nil
	}
	return ErrForbidden
}

// UploadTarget picks the owner of uploaded files. Only an admin may upload on
// behalf of someone else; anyone else silently uploads to their own space.
func UploadTarget(p Principal, requested *uint) uint {
	if p.IsAdmin && requested != nil && *requested != 0 {
		return *requested
	}
	return p.ID
}

// CanManageUsers guards the account administration operations.
func CanManageUsers(p Principal) error {
	if p.IsAdmin {
		return nil
	}
	return ErrForbidden
}

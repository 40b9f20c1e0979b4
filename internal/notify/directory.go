package notify

import (
	"context"
	"strings"
)

// Directory maps mention handles to user ids and user ids to email addresses
type Directory interface {
	ResolveHandle(ctx context.Context, handle string) (userID string, ok bool)
	Email(ctx context.Context, userID string) (address string, ok bool)
}

// IdentityDirectory treats a handle as the user id and knows no addresses
type IdentityDirectory struct{}

func (IdentityDirectory) ResolveHandle(_ context.Context, handle string) (string, bool) {
	return handle, handle != ""
}

func (IdentityDirectory) Email(context.Context, string) (string, bool) {
	return "", false
}

// DirectoryEntry is one known user
type DirectoryEntry struct {
	UserID string `mapstructure:"user_id"`
	Handle string `mapstructure:"handle"`
	Email  string `mapstructure:"email"`
}

// StaticDirectory is a fixed user list loaded from configuration. Handles
// match case-insensitively.
type StaticDirectory struct {
	byHandle map[string]string
	emails   map[string]string
}

// NewStaticDirectory indexes entries. Entries without a user id are skipped.
func NewStaticDirectory(entries []DirectoryEntry) *StaticDirectory {
	d := &StaticDirectory{
		byHandle: make(map[string]string, len(entries)),
		emails:   make(map[string]string, len(entries)),
	}
	for _, e := range entries {
		if e.UserID == "" {
			continue
		}
		handle := e.Handle
		if handle == "" {
			handle = e.UserID
		}
		d.byHandle[strings.ToLower(handle)] = e.UserID
		if e.Email != "" {
			d.emails[e.UserID] = e.Email
		}
	}
	return d
}

func (d *StaticDirectory) ResolveHandle(_ context.Context, handle string) (string, bool) {
	id, ok := d.byHandle[strings.ToLower(handle)]
	return id, ok
}

func (d *StaticDirectory) Email(_ context.Context, userID string) (string, bool) {
	addr, ok := d.emails[userID]
	return addr, ok
}

// Len returns the number of known users
func (d *StaticDirectory) Len() int {
	return len(d.byHandle)
}

package moderation

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"slices"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"tangled.org/arabica.social/murmur/internal/models"
)

// grant is a moderator joined with their resolved role
type grant struct {
	user ModeratorUser
	role *Role
}

// roster is an immutable view of a loaded roles file
type roster struct {
	grants map[string]grant
	ids    []string // sorted
}

func newRoster(cfg *Config) *roster {
	r := &roster{grants: make(map[string]grant, len(cfg.Users))}
	for _, u := range cfg.Users {
		role, ok := cfg.Roles[u.Role]
		if !ok {
			continue
		}
		if _, dup := r.grants[u.ID]; !dup {
			r.ids = append(r.ids, u.ID)
		}
		r.grants[u.ID] = grant{user: u, role: role}
	}
	slices.Sort(r.ids)
	return r
}

// Service answers who may moderate and with which permissions. Reload
// swaps the whole roster at once, so readers never see a half-applied file.
type Service struct {
	path    string
	current atomic.Pointer[roster]
}

// NewService loads the roles file at path. An empty path or a missing file
// leaves the service disabled: nobody is a moderator.
func NewService(path string) (*Service, error) {
	s := &Service{path: path}
	s.current.Store(&roster{grants: map[string]grant{}})

	if path == "" {
		log.Info().Msg("moderation: no roles file configured, moderation disabled")
		return s, nil
	}
	if err := s.Reload(); err != nil {
		return nil, fmt.Errorf("failed to load moderation config: %w", err)
	}
	return s, nil
}

// Reload re-reads the roles file. On error the previous roster stays active.
func (s *Service) Reload() error {
	if s.path == "" {
		return nil
	}
	cfg, err := readConfig(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		log.Warn().Str("path", s.path).Msg("moderation: roles file not found, moderation disabled")
		return nil
	}
	if err != nil {
		return err
	}

	r := newRoster(cfg)
	s.current.Store(r)
	log.Info().
		Int("roles", len(cfg.Roles)).
		Int("moderators", len(r.ids)).
		Str("path", s.path).
		Msg("moderation: roles loaded")
	return nil
}

func readConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func (s *Service) lookup(userID string) (grant, bool) {
	g, ok := s.current.Load().grants[userID]
	return g, ok
}

// IsEnabled reports whether at least one moderator is configured
func (s *Service) IsEnabled() bool {
	return len(s.current.Load().ids) > 0
}

// IsAdmin reports whether userID holds the admin role
func (s *Service) IsAdmin(userID string) bool {
	g, ok := s.lookup(userID)
	return ok && g.role.Name == RoleAdmin
}

// IsModerator reports whether userID holds any role. Admins count.
func (s *Service) IsModerator(userID string) bool {
	_, ok := s.lookup(userID)
	return ok
}

func (s *Service) HasPermission(userID string, permission Permission) bool {
	g, ok := s.lookup(userID)
	return ok && g.role.HasPermission(permission)
}

// Authorize returns an error wrapping models.ErrForbidden unless userID
// holds permission
func (s *Service) Authorize(userID string, permission Permission) error {
	if !s.HasPermission(userID, permission) {
		return fmt.Errorf("%s lacks %s: %w", userID, permission, models.ErrForbidden)
	}
	return nil
}

// Role returns a copy of the role held by userID
func (s *Service) Role(userID string) (Role, bool) {
	g, ok := s.lookup(userID)
	if !ok {
		return Role{}, false
	}
	r := *g.role
	r.Permissions = slices.Clone(r.Permissions)
	return r, true
}

// Moderator returns the roster entry for userID
func (s *Service) Moderator(userID string) (ModeratorUser, bool) {
	g, ok := s.lookup(userID)
	return g.user, ok
}

// Permissions lists what userID may do, nil for non-moderators
func (s *Service) Permissions(userID string) []Permission {
	g, ok := s.lookup(userID)
	if !ok {
		return nil
	}
	return slices.Clone(g.role.Permissions)
}

// ModeratorIDs returns the sorted ids of every configured moderator
func (s *Service) ModeratorIDs() []string {
	return slices.Clone(s.current.Load().ids)
}

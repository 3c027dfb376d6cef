package migrate

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/arefed/slackmigrate/internal/slack"
)

// migrationNote is appended to propagated topics and purposes.
const migrationNote = " (Migrated from source workspace)"

// UserIndex maps source users to destination users by email and resolves
// display names for rendered posts. Populated once per upload run and
// read-only afterwards.
type UserIndex struct {
	source map[string]slack.User
	mapped map[string]string // source id -> dest id
}

// BuildUserIndex joins the two user lists on email. Source users without a
// destination counterpart stay in the index for display-name resolution.
func BuildUserIndex(sourceUsers, destUsers []slack.User, logger *slog.Logger) *UserIndex {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	destByEmail := make(map[string]slack.User, len(destUsers))

	for _, u := range destUsers {
		if email := strings.ToLower(u.Profile.Email); email != "" {
			destByEmail[email] = u
		}
	}

	idx := &UserIndex{
		source: make(map[string]slack.User, len(sourceUsers)),
		mapped: make(map[string]string),
	}

	for _, u := range sourceUsers {
		idx.source[u.ID] = u

		email := strings.ToLower(u.Profile.Email)
		if email == "" {
			continue
		}

		if dest, ok := destByEmail[email]; ok {
			idx.mapped[u.ID] = dest.ID
		} else if !u.Deleted && !u.IsBot {
			logger.Info("no destination account for user", "user", u.Name, "email", email)
		}
	}

	logger.Info("user mapping built", "source", len(sourceUsers), "mapped", len(idx.mapped))

	return idx
}

// DestID returns the destination user id mapped to a source user.
func (idx *UserIndex) DestID(sourceID string) (string, bool) {
	id, ok := idx.mapped[sourceID]
	return id, ok
}

// MappedDestIDs returns every destination user id with a source counterpart,
// sorted for deterministic invite batches.
func (idx *UserIndex) MappedDestIDs() []string {
	ids := make([]string, 0, len(idx.mapped))
	for _, id := range idx.mapped {
		ids = append(ids, id)
	}

	sort.Strings(ids)

	return ids
}

// DisplayName resolves the name rendered for a source author, falling back
// to a synthetic label when the user is unknown.
func (idx *UserIndex) DisplayName(sourceID string) string {
	u, ok := idx.source[sourceID]
	if !ok {
		return "user_" + sourceID
	}

	switch {
	case u.Profile.DisplayName != "":
		return u.Profile.DisplayName
	case u.Profile.RealName != "":
		return u.Profile.RealName
	case u.Name != "":
		return u.Name
	default:
		return "user_" + sourceID
	}
}

// IconURL returns the avatar to attach to rendered posts, if any.
func (idx *UserIndex) IconURL(sourceID string) string {
	u, ok := idx.source[sourceID]
	if !ok {
		return ""
	}

	switch {
	case u.Profile.Image72 != "":
		return u.Profile.Image72
	case u.Profile.Image48 != "":
		return u.Profile.Image48
	default:
		return u.Profile.Image32
	}
}

// ensureDestChannel resolves the destination channel for a source channel:
// reuse by name (joining public channels when needed) or create it, invite
// the mapped members, and propagate topic and purpose. In dry-run mode a
// missing channel is reported but not created.
func (m *Migrator) ensureDestChannel(ctx context.Context, byName map[string]slack.Channel, users *UserIndex, info slack.Channel, dryRun bool) (string, error) {
	if existing, ok := byName[info.Name]; ok {
		if existing.IsMember {
			return existing.ID, nil
		}

		if existing.IsPrivate {
			return "", fmt.Errorf("destination channel %s is private; invite the migration credential manually", info.Name)
		}

		if dryRun {
			m.logger.Info("would join destination channel", "channel", info.Name)
			return existing.ID, nil
		}

		if err := m.dest.JoinChannel(ctx, existing.ID); err != nil {
			return "", fmt.Errorf("joining destination channel %s: %w", info.Name, err)
		}

		return existing.ID, nil
	}

	if dryRun {
		m.logger.Info("would create destination channel", "channel", info.Name, "private", info.IsPrivate)
		return "dry-run:" + info.ID, nil
	}

	created, err := m.dest.CreateChannel(ctx, info.Name, info.IsPrivate)
	if err != nil {
		return "", fmt.Errorf("creating destination channel %s: %w", info.Name, err)
	}

	m.logger.Info("created destination channel", "channel", info.Name, "id", created.ID)

	// Membership and topic/purpose propagation are best-effort.
	if ids := users.MappedDestIDs(); len(ids) > 0 {
		if err := m.dest.InviteUsers(ctx, created.ID, ids); err != nil {
			m.logger.Warn("failed to invite mapped members", "channel", info.Name, "error", err)
		}
	}

	if info.Topic.Value != "" {
		if err := m.dest.SetTopic(ctx, created.ID, info.Topic.Value+migrationNote); err != nil {
			m.logger.Warn("failed to set topic", "channel", info.Name, "error", err)
		}
	}

	if info.Purpose.Value != "" {
		if err := m.dest.SetPurpose(ctx, created.ID, info.Purpose.Value+migrationNote); err != nil {
			m.logger.Warn("failed to set purpose", "channel", info.Name, "error", err)
		}
	}

	created.IsMember = true
	byName[info.Name] = *created

	return created.ID, nil
}

package geminicord

import (
	"log/slog"
	"slices"
)

// RequestContext describes the origin of an incoming message or command,
// for evaluation against the configured permission lists.
type RequestContext struct {
	UserID  string
	RoleIDs []string

	// ChannelIDs contains the channel the message was sent in, plus its
	// parent channel and category when present - a block on any of them
	// blocks the message.
	ChannelIDs []string

	// IsDM indicates the message arrived via direct message
	IsDM bool
}

// PermissionGate evaluates request contexts against the configured
// allow/block lists. It holds no mutable state - the config is immutable
// after startup - so it's safe for concurrent use.
type PermissionGate struct {
	config   *PermissionsConfig
	allowDMs bool
	logger   *slog.Logger
}

func newPermissionGate(cfg *PermissionsConfig, allowDMs bool, logger *slog.Logger) *PermissionGate {
	if logger == nil {
		logger = slog.Default()
	}
	return &PermissionGate{
		config:   cfg,
		allowDMs: allowDMs,
		logger:   logger.With(loggerNameKey, "permissions"),
	}
}

// IsAdmin reports whether the user may run privileged commands (/model
// switching, /prompt set, managing other users' descriptions). Admin
// status does not bypass block lists for plain message handling.
func (g *PermissionGate) IsAdmin(userID string) bool {
	return slices.Contains(g.config.AdminIDs, userID)
}

// IsAllowed evaluates req against the configured lists. The first
// decisive rule wins:
//
//  1. blocked user: deny
//  2. blocked role: deny
//  3. blocked channel: deny
//  4. any allow list non-empty: the requester must match at least one
//  5. all allow lists empty: allow
func (g *PermissionGate) IsAllowed(req RequestContext) bool {
	if slices.Contains(g.config.Users.BlockedIDs, req.UserID) {
		g.logger.Debug("denied: blocked user", "user_id", req.UserID)
		return false
	}
	for _, roleID := range req.RoleIDs {
		if slices.Contains(g.config.Roles.BlockedIDs, roleID) {
			g.logger.Debug(
				"denied: blocked role",
				"user_id", req.UserID,
				"role_id", roleID,
			)
			return false
		}
	}
	for _, channelID := range req.ChannelIDs {
		if slices.Contains(g.config.Channels.BlockedIDs, channelID) {
			g.logger.Debug(
				"denied: blocked channel",
				"user_id", req.UserID,
				"channel_id", channelID,
			)
			return false
		}
	}

	if req.IsDM && !g.allowDMs {
		g.logger.Debug("denied: DMs disabled", "user_id", req.UserID)
		return false
	}

	anyAllowList := len(g.config.Users.AllowedIDs) > 0 ||
		len(g.config.Roles.AllowedIDs) > 0 ||
		len(g.config.Channels.AllowedIDs) > 0
	if !anyAllowList {
		return true
	}

	if slices.Contains(g.config.Users.AllowedIDs, req.UserID) {
		return true
	}
	for _, roleID := range req.RoleIDs {
		if slices.Contains(g.config.Roles.AllowedIDs, roleID) {
			return true
		}
	}
	for _, channelID := range req.ChannelIDs {
		if slices.Contains(g.config.Channels.AllowedIDs, channelID) {
			return true
		}
	}

	g.logger.Debug(
		"denied: no allow list match",
		"user_id", req.UserID,
	)
	return false
}

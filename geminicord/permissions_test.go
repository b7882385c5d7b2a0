package geminicord

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPermissionGate_EmptyListsAllowEveryone(t *testing.T) {
	gate := newPermissionGate(&PermissionsConfig{}, true, nil)

	assert.True(t, gate.IsAllowed(RequestContext{UserID: "u1"}))
	assert.True(
		t, gate.IsAllowed(
			RequestContext{UserID: "u2", RoleIDs: []string{"r1"}, IsDM: true},
		),
	)
}

func TestPermissionGate_BlockListsWin(t *testing.T) {
	cfg := &PermissionsConfig{
		Users: PermissionList{
			AllowedIDs: []string{"u1"},
			BlockedIDs: []string{"u1"},
		},
	}
	gate := newPermissionGate(cfg, true, nil)

	// a blocked user is denied even when also on an allow list
	assert.False(t, gate.IsAllowed(RequestContext{UserID: "u1"}))
}

func TestPermissionGate_BlockedRole(t *testing.T) {
	cfg := &PermissionsConfig{
		Roles: PermissionList{BlockedIDs: []string{"bad-role"}},
	}
	gate := newPermissionGate(cfg, true, nil)

	assert.False(
		t, gate.IsAllowed(
			RequestContext{UserID: "u1", RoleIDs: []string{"ok", "bad-role"}},
		),
	)
	assert.True(
		t, gate.IsAllowed(RequestContext{UserID: "u1", RoleIDs: []string{"ok"}}),
	)
}

func TestPermissionGate_BlockedChannelBeatsAllowedUser(t *testing.T) {
	cfg := &PermissionsConfig{
		Users:    PermissionList{AllowedIDs: []string{"u1"}},
		Channels: PermissionList{BlockedIDs: []string{"c1"}},
	}
	gate := newPermissionGate(cfg, true, nil)

	assert.False(
		t, gate.IsAllowed(
			RequestContext{UserID: "u1", ChannelIDs: []string{"c1"}},
		),
	)
	assert.True(
		t, gate.IsAllowed(
			RequestContext{UserID: "u1", ChannelIDs: []string{"c2"}},
		),
	)
}

func TestPermissionGate_AllowListsRequireMatch(t *testing.T) {
	cfg := &PermissionsConfig{
		Channels: PermissionList{AllowedIDs: []string{"c1"}},
	}
	gate := newPermissionGate(cfg, true, nil)

	// any non-empty allow list means everyone else must match one
	assert.True(
		t, gate.IsAllowed(
			RequestContext{UserID: "u9", ChannelIDs: []string{"c1"}},
		),
	)
	assert.False(
		t, gate.IsAllowed(
			RequestContext{UserID: "u9", ChannelIDs: []string{"c2"}},
		),
	)

	// a parent/category channel match also counts
	assert.True(
		t, gate.IsAllowed(
			RequestContext{UserID: "u9", ChannelIDs: []string{"thread", "c1"}},
		),
	)
}

func TestPermissionGate_DMs(t *testing.T) {
	denyDMs := newPermissionGate(&PermissionsConfig{}, false, nil)
	assert.False(t, denyDMs.IsAllowed(RequestContext{UserID: "u1", IsDM: true}))
	assert.True(t, denyDMs.IsAllowed(RequestContext{UserID: "u1"}))

	allowDMs := newPermissionGate(&PermissionsConfig{}, true, nil)
	assert.True(t, allowDMs.IsAllowed(RequestContext{UserID: "u1", IsDM: true}))
}

func TestPermissionGate_IsAdmin(t *testing.T) {
	cfg := &PermissionsConfig{
		AdminIDs: []string{"admin-1"},
		Users:    PermissionList{BlockedIDs: []string{"admin-1"}},
	}
	gate := newPermissionGate(cfg, true, nil)

	assert.True(t, gate.IsAdmin("admin-1"))
	assert.False(t, gate.IsAdmin("someone-else"))

	// admin status doesn't bypass block lists for message handling
	assert.False(t, gate.IsAllowed(RequestContext{UserID: "admin-1"}))
}

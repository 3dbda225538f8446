package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDialogTransitions(t *testing.T) {
	d := NewDialog()
	assert.False(t, d.Visible())

	d = d.Open(DialogModeAdminOnly)
	assert.Equal(t, Dialog{Phase: DialogOpen, Mode: DialogModeAdminOnly}, d)

	d = d.Close()
	assert.Equal(t, DialogClosing, d.Phase)
	assert.Equal(t, DialogModeAdminOnly, d.Mode, "mode is kept while closing")
	assert.True(t, d.Visible())

	d = d.Completed()
	assert.Equal(t, NewDialog(), d)
}

func TestDialogReopenDuringClosing(t *testing.T) {
	d := NewDialog().Open(DialogModeAdminOnly).Close().Open(DialogModeDefault)
	assert.Equal(t, DialogOpen, d.Phase)

	d = d.Completed()
	assert.Equal(t, DialogOpen, d.Phase, "stale completion is ignored")
}

func TestDialogUnknownModeFallsBack(t *testing.T) {
	d := NewDialog().Open(DialogMode("bogus"))
	assert.Equal(t, DialogModeDefault, d.Mode)
	assert.Equal(t, NewDialog(), NewDialog().Close())
}

func TestSnapshotPrivilege(t *testing.T) {
	assert.Equal(t, PrivilegeUnknown, Snapshot{}.Privilege())
	assert.Equal(t, PrivilegeDenied, Snapshot{Resolved: true}.Privilege())
	assert.Equal(t, PrivilegeDenied, Snapshot{Resolved: true, Principal: &Principal{UID: "u"}}.Privilege())
	assert.Equal(t, PrivilegeGranted, Snapshot{Resolved: true, Admin: true, Principal: &Principal{UID: "u"}}.Privilege())
	assert.Equal(t, "unknown", PrivilegeUnknown.String())
}

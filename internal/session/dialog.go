package session

// DialogMode selects which affordances the sign-in dialog offers.
type DialogMode string

const (
	DialogModeDefault   DialogMode = "default"
	DialogModeAdminOnly DialogMode = "adminOnly"
)

// DialogPhase is the visibility phase of the sign-in dialog.
type DialogPhase string

const (
	DialogClosed  DialogPhase = "closed"
	DialogOpen    DialogPhase = "open"
	DialogClosing DialogPhase = "closing"
)

// Dialog is the sign-in dialog state. Transitions return the next state:
//
//	Closed --Open(m)--> Open(m) --Close--> Closing(m) --Completed--> Closed(default)
//
// Opening while Closing cancels the pending reset; a completion that arrives
// after a reopen is ignored.
type Dialog struct {
	Phase DialogPhase
	Mode  DialogMode
}

// NewDialog returns a closed dialog in default mode.
func NewDialog() Dialog {
	return Dialog{Phase: DialogClosed, Mode: DialogModeDefault}
}

// Open shows the dialog in mode.
func (d Dialog) Open(mode DialogMode) Dialog {
	if mode != DialogModeAdminOnly {
		mode = DialogModeDefault
	}
	return Dialog{Phase: DialogOpen, Mode: mode}
}

// Close starts the closing animation; the mode is kept until it completes.
func (d Dialog) Close() Dialog {
	if d.Phase != DialogOpen {
		return d
	}
	return Dialog{Phase: DialogClosing, Mode: d.Mode}
}

// Completed finishes a close and resets the mode.
func (d Dialog) Completed() Dialog {
	if d.Phase != DialogClosing {
		return d
	}
	return NewDialog()
}

// Visible reports whether the dialog is on screen.
func (d Dialog) Visible() bool {
	return d.Phase == DialogOpen || d.Phase == DialogClosing
}

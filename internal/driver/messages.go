package driver

// Messages holds the operator facing texts for one backend. Only the lock
// success text differs between backends.
type Messages struct {
	LockSuccess   string
	LockFailure   string
	UnlockSuccess string
	UnlockFailure string
}

const (
	msgLockFailure   = "Unable to put the site into maintenance mode (it may already be locked)"
	msgUnlockSuccess = "Maintenance mode disabled, the site is back online"
	msgUnlockFailure = "Unable to disable maintenance mode (it may not be locked)"
)

// MessagesFor returns the shared texts with lockSuccess as the
// backend specific lock message.
func MessagesFor(lockSuccess string) Messages {
	return Messages{
		LockSuccess:   lockSuccess,
		LockFailure:   msgLockFailure,
		UnlockSuccess: msgUnlockSuccess,
		UnlockFailure: msgUnlockFailure,
	}
}

// For maps an operation and its outcome to its message.
func (m Messages) For(forLock, result bool) string {
	switch {
	case forLock && result:
		return m.LockSuccess
	case forLock:
		return m.LockFailure
	case result:
		return m.UnlockSuccess
	default:
		return m.UnlockFailure
	}
}

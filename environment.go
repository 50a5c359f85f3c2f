package nanoquery

// EnvironmentSignals is the external collaborator supplying the
// browser-like visibility/focus/online events the Refresh Scheduler reacts
// to, per §6's "Environment dependencies". Framework adapters (DOM event
// listeners, in a browser build) implement this; the nil/zero environment
// used by default degrades to "always visible, never reconnects" as
// required, so only interval and explicit invalidation drive revalidation.
type EnvironmentSignals interface {
	// Visible reports whether the page/process is currently foregrounded.
	Visible() bool
	// OnFocus registers a callback fired on every focus/visibility-restore
	// event, returning an unsubscribe func.
	OnFocus(func()) (unsubscribe func())
	// OnOnline registers a callback fired on every network-reconnect
	// event, returning an unsubscribe func.
	OnOnline(func()) (unsubscribe func())
}

// noopEnvironment is the degrade-gracefully implementation used when the
// caller supplies none: always visible, no focus/online events ever fire.
type noopEnvironment struct{}

func (noopEnvironment) Visible() bool                        { return true }
func (noopEnvironment) OnFocus(func()) (unsubscribe func())  { return func() {} }
func (noopEnvironment) OnOnline(func()) (unsubscribe func()) { return func() {} }

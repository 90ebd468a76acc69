package session

// state is the position of a session in its lifecycle. Transitions
// only move forward; the sole route back to closed is through the
// teardown states.
type state int

const (
	stateInit state = iota
	stateUpgrade
	stateReject
	stateAwaitCmd
	stateStartExec
	stateConnect
	stateConnected
	stateWSEnded
	stateSockEnded
	stateError
	stateClosed
)

func (s state) String() string {
	switch s {
	case stateInit:
		return "init"
	case stateUpgrade:
		return "upgrade"
	case stateReject:
		return "reject"
	case stateAwaitCmd:
		return "awaitcmd"
	case stateStartExec:
		return "startexec"
	case stateConnect:
		return "connect"
	case stateConnected:
		return "connected"
	case stateWSEnded:
		return "ws_ended"
	case stateSockEnded:
		return "sock_ended"
	case stateError:
		return "error"
	case stateClosed:
		return "closed"
	}
	return "unknown"
}

// eventKind is what a state handler observed while it held the
// session.
type eventKind int

const (
	// evStarted is emitted by init once the session is registered.
	evStarted eventKind = iota
	// evUpgraded / evUpgradeFailed report the handshake outcome.
	evUpgraded
	evUpgradeFailed
	// evCommand reports a valid argv control message.
	evCommand
	// evChannelGone reports the channel ending before steady state.
	evChannelGone
	// evDispatched / evDispatchFailed report the backend start call.
	evDispatched
	evDispatchFailed
	// evConnected / evConnectFailed report the backend TCP dial.
	evConnected
	evConnectFailed
	// evWSClosed reports the client channel ending (close or reset).
	evWSClosed
	// evSockClosed reports the backend socket reaching EOF.
	evSockClosed
	// evPumpError reports an I/O failure on either relay direction.
	evPumpError
	// evDrainTimeout reports the backend not closing within the
	// graceful-close window after a channel-side end.
	evDrainTimeout
	// evDone reports a teardown handler finishing its work.
	evDone
)

// next is the transition table. It is pure: handlers observe events,
// next decides where they lead, and the driver loop applies the
// result. Any event a state does not expect routes to error so a
// misbehaving peer can never park a session.
func next(s state, ev eventKind) state {
	switch s {
	case stateInit:
		return stateUpgrade
	case stateUpgrade:
		if ev == evUpgraded {
			return stateAwaitCmd
		}
		return stateReject
	case stateReject:
		return stateClosed
	case stateAwaitCmd:
		if ev == evCommand {
			return stateStartExec
		}
		return stateError
	case stateStartExec:
		if ev == evDispatched {
			return stateConnect
		}
		return stateError
	case stateConnect:
		if ev == evConnected {
			return stateConnected
		}
		return stateError
	case stateConnected:
		switch ev {
		case evWSClosed:
			return stateWSEnded
		case evSockClosed:
			return stateSockEnded
		default:
			return stateError
		}
	case stateWSEnded:
		switch ev {
		case evSockClosed:
			return stateClosed
		case evDrainTimeout, evPumpError:
			return stateError
		default:
			return stateError
		}
	case stateSockEnded:
		return stateClosed
	case stateError:
		return stateClosed
	}
	return stateClosed
}

package session

import "testing"

func TestTransitionTable(t *testing.T) {
	cases := []struct {
		from state
		ev   eventKind
		want state
	}{
		{stateInit, evStarted, stateUpgrade},
		{stateUpgrade, evUpgraded, stateAwaitCmd},
		{stateUpgrade, evUpgradeFailed, stateReject},
		{stateReject, evDone, stateClosed},
		{stateAwaitCmd, evCommand, stateStartExec},
		{stateAwaitCmd, evChannelGone, stateError},
		{stateStartExec, evDispatched, stateConnect},
		{stateStartExec, evDispatchFailed, stateError},
		{stateConnect, evConnected, stateConnected},
		{stateConnect, evConnectFailed, stateError},
		{stateConnected, evSockClosed, stateSockEnded},
		{stateConnected, evWSClosed, stateWSEnded},
		{stateConnected, evPumpError, stateError},
		{stateWSEnded, evSockClosed, stateClosed},
		{stateWSEnded, evDrainTimeout, stateError},
		{stateWSEnded, evPumpError, stateError},
		{stateSockEnded, evDone, stateClosed},
		{stateError, evDone, stateClosed},
	}
	for _, tc := range cases {
		if got := next(tc.from, tc.ev); got != tc.want {
			t.Errorf("next(%s, %d) = %s, want %s", tc.from, tc.ev, got, tc.want)
		}
	}
}

// A misbehaving peer must never park a session: events a state does not
// expect route to error, and error always leads to closed.
func TestTransitionTableNeverStalls(t *testing.T) {
	states := []state{
		stateInit, stateUpgrade, stateReject, stateAwaitCmd, stateStartExec,
		stateConnect, stateConnected, stateWSEnded, stateSockEnded, stateError,
	}
	events := []eventKind{
		evStarted, evUpgraded, evUpgradeFailed, evCommand, evChannelGone,
		evDispatched, evDispatchFailed, evConnected, evConnectFailed,
		evWSClosed, evSockClosed, evPumpError, evDrainTimeout, evDone,
	}
	for _, st := range states {
		for _, ev := range events {
			seen := map[state]bool{st: true}
			cur := st
			e := ev
			for cur != stateClosed {
				cur = next(cur, e)
				if seen[cur] {
					t.Fatalf("cycle from %s on event %d at %s", st, ev, cur)
				}
				seen[cur] = true
				e = evDone
			}
		}
	}
}

func TestStateString(t *testing.T) {
	for st, want := range map[state]string{
		stateInit:      "init",
		stateAwaitCmd:  "awaitcmd",
		stateWSEnded:   "ws_ended",
		stateSockEnded: "sock_ended",
		stateClosed:    "closed",
	} {
		if got := st.String(); got != want {
			t.Errorf("%d.String() = %q, want %q", st, got, want)
		}
	}
}

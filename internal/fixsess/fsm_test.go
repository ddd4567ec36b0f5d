package fixsess_test

import (
	"errors"
	"testing"

	"github.com/nexusfix/fixgate/internal/fixsess"
)

func TestTransitionTable(t *testing.T) {
	cases := []struct {
		name    string
		state   fixsess.State
		event   fixsess.Event
		want    fixsess.State
		actions []fixsess.Action
	}{
		{"initiator sends logon", fixsess.StateConnected, fixsess.EventSentLogon, fixsess.StateSentLogon, nil},
		{"acceptor receives logon", fixsess.StateConnected, fixsess.EventRecvLogon, fixsess.StateActive,
			[]fixsess.Action{fixsess.ActionSendLogon, fixsess.ActionNotifyApplicationUp}},
		{"initiator receives logon reply", fixsess.StateSentLogon, fixsess.EventRecvLogon, fixsess.StateActive,
			[]fixsess.Action{fixsess.ActionNotifyApplicationUp}},
		{"heartbeat timeout while active sends test request", fixsess.StateActive, fixsess.EventHeartbeatTimeout,
			fixsess.StateActive, []fixsess.Action{fixsess.ActionSendTestRequest}},
		{"test request timeout disconnects", fixsess.StateActive, fixsess.EventTestRequestTimeout,
			fixsess.StateDisconnected, []fixsess.Action{fixsess.ActionDisconnectTransport, fixsess.ActionNotifyApplicationDown}},
		{"recv logout acks and disconnects", fixsess.StateActive, fixsess.EventRecvLogout, fixsess.StateDisconnected,
			[]fixsess.Action{fixsess.ActionSendLogoutAck, fixsess.ActionDisconnectTransport, fixsess.ActionNotifyApplicationDown}},
		{"initiate logout sends logout", fixsess.StateActive, fixsess.EventInitiateLogout, fixsess.StateAwaitingLogout,
			[]fixsess.Action{fixsess.ActionSendLogout}},
		{"logout acked completes shutdown", fixsess.StateAwaitingLogout, fixsess.EventLogoutAcked, fixsess.StateDisconnected,
			[]fixsess.Action{fixsess.ActionDisconnectTransport, fixsess.ActionNotifyApplicationDown}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res, err := fixsess.Transition(tc.state, tc.event)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if res.NewState != tc.want {
				t.Fatalf("new state = %s, want %s", res.NewState, tc.want)
			}
			if len(res.Actions) != len(tc.actions) {
				t.Fatalf("actions = %v, want %v", res.Actions, tc.actions)
			}
			for i, a := range tc.actions {
				if res.Actions[i] != a {
					t.Fatalf("action[%d] = %s, want %s", i, res.Actions[i], a)
				}
			}
		})
	}
}

func TestTransitionInvalidReturnsSentinel(t *testing.T) {
	_, err := fixsess.Transition(fixsess.StateDisconnected, fixsess.EventRecvLogon)
	if !errors.Is(err, fixsess.ErrInvalidTransition) {
		t.Fatalf("got %v, want ErrInvalidTransition", err)
	}
}

func TestLibraryTimeoutIsUniversal(t *testing.T) {
	for _, s := range []fixsess.State{
		fixsess.StateConnected, fixsess.StateSentLogon, fixsess.StateActive, fixsess.StateAwaitingLogout,
	} {
		res, err := fixsess.Transition(s, fixsess.EventLibraryTimeout)
		if err != nil {
			t.Fatalf("state %s: unexpected error: %v", s, err)
		}
		if res.NewState != fixsess.StateDisabled {
			t.Fatalf("state %s: new state = %s, want DISABLED", s, res.NewState)
		}
	}
}

package fixpsess_test

import (
	"errors"
	"testing"

	"github.com/nexusfix/fixgate/internal/fixpsess"
)

func TestTransitionTable(t *testing.T) {
	cases := []struct {
		name    string
		state   fixpsess.State
		event   fixpsess.Event
		want    fixpsess.State
		actions []fixpsess.Action
	}{
		{"first negotiate accepted", fixpsess.StateAccepted, fixpsess.EventNegotiateAccepted, fixpsess.StateNegotiated,
			[]fixpsess.Action{fixpsess.ActionSendNegotiateResponse}},
		{"establish after negotiate", fixpsess.StateNegotiated, fixpsess.EventEstablishAccepted, fixpsess.StateEstablished,
			[]fixpsess.Action{fixpsess.ActionSendEstablishAck, fixpsess.ActionNotifyApplicationUp}},
		{"acceptor finishes sending first", fixpsess.StateEstablished, fixpsess.EventInitiateFinishSending, fixpsess.StateSentFinishedSending,
			[]fixpsess.Action{fixpsess.ActionSendFinishedSending}},
		{"counterparty finishes sending first", fixpsess.StateEstablished, fixpsess.EventRecvFinishedSending, fixpsess.StateRecvFinishedSending,
			[]fixpsess.Action{fixpsess.ActionSendFinishedReceiving}},
		{"counterparty acks our finish", fixpsess.StateSentFinishedSending, fixpsess.EventRecvFinishedReceivingAck, fixpsess.StateUnbound,
			[]fixpsess.Action{fixpsess.ActionDisconnectTransport, fixpsess.ActionNotifyApplicationDown}},
		{"we finish after counterparty already did", fixpsess.StateRecvFinishedSending, fixpsess.EventInitiateFinishSending, fixpsess.StateUnbound,
			[]fixpsess.Action{fixpsess.ActionSendFinishedSending, fixpsess.ActionDisconnectTransport, fixpsess.ActionNotifyApplicationDown}},
		{"unbinding completes on terminate", fixpsess.StateUnbinding, fixpsess.EventRecvTerminate, fixpsess.StateUnbound,
			[]fixpsess.Action{fixpsess.ActionDisconnectTransport, fixpsess.ActionNotifyApplicationDown}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res, err := fixpsess.Transition(tc.state, tc.event)
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
	_, err := fixpsess.Transition(fixpsess.StateAccepted, fixpsess.EventRecvFinishedSending)
	if !errors.Is(err, fixpsess.ErrInvalidTransition) {
		t.Fatalf("got %v, want ErrInvalidTransition", err)
	}
}

func TestSequenceTooLowIsUniversalAndTerminal(t *testing.T) {
	for _, s := range []fixpsess.State{fixpsess.StateEstablished, fixpsess.StateSentFinishedSending} {
		res, err := fixpsess.Transition(s, fixpsess.EventSequenceTooLow)
		if err != nil {
			t.Fatalf("state %s: unexpected error: %v", s, err)
		}
		if res.NewState != fixpsess.StateUnbound {
			t.Fatalf("state %s: new state = %s, want UNBOUND", s, res.NewState)
		}
	}
}

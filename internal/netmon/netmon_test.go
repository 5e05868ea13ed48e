package netmon

import (
	"context"
	"errors"
	"net"
	"testing"
)

func TestStateConnected(t *testing.T) {
	tests := []struct {
		name string
		s    State
		want bool
	}{
		{"disconnected", State{IsConnected: false}, false},
		{"unknown reachability", State{IsConnected: true}, true},
		{"reachable", State{IsConnected: true, IsInternetReachable: Reachable(true)}, true},
		{"unreachable", State{IsConnected: true, IsInternetReachable: Reachable(false)}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.s.Connected(); got != tt.want {
				t.Errorf("Connected() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestManualDeliversInitialAndChanges(t *testing.T) {
	m := NewManual(State{IsConnected: true})
	var got []State
	dispose := m.Subscribe(func(s State) { got = append(got, s) })

	m.Set(State{IsConnected: true})
	m.Set(State{IsConnected: false})
	m.Set(State{IsConnected: true, IsInternetReachable: Reachable(false)})
	dispose()
	m.Set(State{IsConnected: true})

	if len(got) != 3 {
		t.Fatalf("got %d states, want 3: %v", len(got), got)
	}
	if !got[0].Connected() || got[1].Connected() || got[2].Connected() {
		t.Errorf("unexpected sequence: %v", got)
	}
	if !m.Current().Connected() {
		t.Error("Current should reflect the last Set")
	}
}

type fakeConn struct{ net.Conn }

func (fakeConn) Close() error { return nil }

func TestProberProbe(t *testing.T) {
	p := NewProber("example:443", 0, nil)
	up := true
	fail := false
	p.interfaces = func() bool { return up }
	p.dial = func(ctx context.Context, network, addr string) (net.Conn, error) {
		if fail {
			return nil, errors.New("refused")
		}
		return fakeConn{}, nil
	}

	var got []State
	p.Subscribe(func(s State) { got = append(got, s) })

	ctx := context.Background()
	if s := p.Probe(ctx); !s.Connected() {
		t.Errorf("first probe = %v, want connected", s)
	}
	p.Probe(ctx)
	fail = true
	if s := p.Probe(ctx); s.Connected() {
		t.Errorf("probe with dial failure = %v, want offline", s)
	}
	up = false
	p.Probe(ctx)

	if len(got) != 3 {
		t.Fatalf("published %d states, want 3 (duplicates suppressed): %v", len(got), got)
	}
	if got[2].IsConnected {
		t.Errorf("last state = %v, want interface down", got[2])
	}
}

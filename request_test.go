package cart

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRequestDefaults(t *testing.T) {
	req := NewRequest(1, Endpoint{Rank: 7}, []byte("payload"), nil)
	assert.Equal(t, Inited, req.State())
	assert.False(t, req.InHeap())
	assert.False(t, req.OnWire())
	assert.EqualValues(t, 1, req.RefCount())
}

func TestStateIsTerminal(t *testing.T) {
	terminal := []State{Completed, Canceled, Timeout, FwdUnreach}
	for _, s := range terminal {
		assert.True(t, s.IsTerminal(), s.String())
	}
	nonTerminal := []State{Inited, Queued, UriLookup, AddrLookup, Sent}
	for _, s := range nonTerminal {
		assert.False(t, s.IsTerminal(), s.String())
	}
}

func TestCompleteFiresCallbackExactlyOnce(t *testing.T) {
	var calls int
	var gotStatus error
	cb := func(req *Request, status error) {
		calls++
		gotStatus = status
	}
	req := NewRequest(1, Endpoint{Rank: 1}, nil, cb)

	wantErr := errors.New("boom")
	req.complete(Completed, wantErr)

	assert.Equal(t, 1, calls)
	assert.Equal(t, Completed, req.State())
	assert.Equal(t, wantErr, gotStatus)
}

func TestRefcountBalance(t *testing.T) {
	freed := make(chan struct{}, 1)
	req := NewRequest(1, Endpoint{}, nil, nil)
	req.onFree = func(r *Request) { freed <- struct{}{} }

	req.addRef()
	require.EqualValues(t, 2, req.RefCount())
	req.release()
	select {
	case <-freed:
		t.Fatal("request freed while refcount still positive")
	default:
	}
	req.release()
	select {
	case <-freed:
	default:
		t.Fatal("request not freed once refcount reached zero")
	}
}

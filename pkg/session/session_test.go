package session

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/outrun-sh/outrun/pkg/proto"
)

func TestTokens(t *testing.T) {
	t.Run("MintAndVerify", func(t *testing.T) {
		secret, err := NewSecret()
		require.NoError(t, err)
		id, err := NewID()
		require.NoError(t, err)

		token, err := MintToken(secret, id, time.Hour)
		require.NoError(t, err)

		got, err := VerifyToken(secret, token)
		require.NoError(t, err)
		assert.Equal(t, id, got)
	})

	t.Run("WrongSecretFails", func(t *testing.T) {
		s1, _ := NewSecret()
		s2, _ := NewSecret()
		token, err := MintToken(s1, "sid", time.Hour)
		require.NoError(t, err)

		_, err = VerifyToken(s2, token)
		require.Error(t, err)
		assert.ErrorIs(t, err, proto.ErrAuthFailed)
	})

	t.Run("GarbageFails", func(t *testing.T) {
		secret, _ := NewSecret()
		_, err := VerifyToken(secret, "definitely.not.ajwt")
		require.Error(t, err)
		assert.ErrorIs(t, err, proto.ErrAuthFailed)
	})

	t.Run("ExpiredFails", func(t *testing.T) {
		secret, _ := NewSecret()
		token, err := MintToken(secret, "sid", -time.Minute)
		require.NoError(t, err)

		_, err = VerifyToken(secret, token)
		require.Error(t, err)
	})
}

func TestLifecycle(t *testing.T) {
	t.Run("HappyPath", func(t *testing.T) {
		s := New("s1", "tok")
		assert.Equal(t, StateInit, s.State())

		require.NoError(t, s.Transition(StateHandshake))
		require.NoError(t, s.Transition(StateMounted))
		require.NoError(t, s.Transition(StateRunning))
		require.NoError(t, s.Transition(StateDraining))
		require.NoError(t, s.Transition(StateClosed))
	})

	t.Run("IllegalTransitionRefused", func(t *testing.T) {
		s := New("s2", "tok")
		err := s.Transition(StateRunning)
		require.Error(t, err)
		assert.Equal(t, StateInit, s.State())
	})

	t.Run("CloseRunsCleanupsInReverse", func(t *testing.T) {
		s := New("s3", "tok")
		require.NoError(t, s.Transition(StateHandshake))
		require.NoError(t, s.Transition(StateMounted))

		var order []string
		s.OnClose(func() error { order = append(order, "first-registered"); return nil })
		s.OnClose(func() error { order = append(order, "last-registered"); return nil })

		require.NoError(t, s.Close())
		assert.Equal(t, []string{"last-registered", "first-registered"}, order)
		assert.Equal(t, StateClosed, s.State())
	})

	t.Run("CloseIsIdempotent", func(t *testing.T) {
		s := New("s4", "tok")
		calls := 0
		s.OnClose(func() error { calls++; return nil })

		require.NoError(t, s.Close())
		require.NoError(t, s.Close())
		assert.Equal(t, 1, calls)
	})

	t.Run("CloseReportsFirstErrorButRunsAll", func(t *testing.T) {
		s := New("s5", "tok")
		ran := 0
		s.OnClose(func() error { ran++; return nil })
		s.OnClose(func() error { ran++; return errors.New("boom") })

		err := s.Close()
		require.Error(t, err)
		assert.Equal(t, 2, ran)
	})
}

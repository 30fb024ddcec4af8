package pushclient

import (
	"slices"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

// TestListenerSet はリスナー集合の登録・解除・呼び出しを検証する。
func TestListenerSet(t *testing.T) {
	t.Parallel()

	t.Run("登録順に呼ばれること", func(t *testing.T) {
		t.Parallel()

		var s listenerSet[int]
		var calls []string
		s.add(func(v int) { calls = append(calls, "a") })
		s.add(func(v int) { calls = append(calls, "b") })
		s.add(func(v int) { calls = append(calls, "c") })

		s.emit(1, zap.NewNop())
		if !slices.Equal(calls, []string{"a", "b", "c"}) {
			t.Errorf("calls = %v", calls)
		}
	})

	t.Run("解除したリスナーは呼ばれず解除は何度呼んでもよいこと", func(t *testing.T) {
		t.Parallel()

		var s listenerSet[int]
		var calls []string
		s.add(func(int) { calls = append(calls, "a") })
		unsubscribe := s.add(func(int) { calls = append(calls, "b") })
		s.add(func(int) { calls = append(calls, "c") })

		unsubscribe()
		unsubscribe()
		s.emit(1, zap.NewNop())

		if !slices.Equal(calls, []string{"a", "c"}) {
			t.Errorf("calls = %v", calls)
		}
		if s.len() != 2 {
			t.Errorf("len() = %d, want 2", s.len())
		}
	})

	t.Run("呼び出し中の解除は次回から反映されること", func(t *testing.T) {
		t.Parallel()

		var s listenerSet[int]
		count := 0
		var unsubscribe func()
		unsubscribe = s.add(func(int) {
			count++
			unsubscribe()
		})

		s.emit(1, zap.NewNop())
		s.emit(2, zap.NewNop())
		if count != 1 {
			t.Errorf("count = %d, want 1", count)
		}
	})

	t.Run("panicしたリスナーがあっても後続が呼ばれること", func(t *testing.T) {
		t.Parallel()

		core, logs := observer.New(zap.ErrorLevel)
		var s listenerSet[int]
		called := false
		s.add(func(int) { panic("boom") })
		s.add(func(int) { called = true })

		s.emit(1, zap.New(core))
		if !called {
			t.Error("後続のリスナーが呼ばれなかった")
		}
		if logs.FilterMessage("push listener panic recovered").Len() != 1 {
			t.Error("panicがログに記録されていない")
		}
	})
}

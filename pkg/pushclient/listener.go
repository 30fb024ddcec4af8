package pushclient

import (
	"sync"

	"go.uber.org/zap"
)

// listenerSet は登録順を保つリスナーの集合。
type listenerSet[T any] struct {
	mu      sync.Mutex
	nextID  uint64
	entries []listenerEntry[T]
}

type listenerEntry[T any] struct {
	id uint64
	fn func(T)
}

// add はリスナーを末尾に登録し、登録を解除する関数を返す。解除は何度呼んでもよい。
func (s *listenerSet[T]) add(fn func(T)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	id := s.nextID
	s.entries = append(s.entries, listenerEntry[T]{id: id, fn: fn})

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			for i, e := range s.entries {
				if e.id == id {
					s.entries = append(s.entries[:i:i], s.entries[i+1:]...)
					return
				}
			}
		})
	}
}

// len は登録中のリスナー数を返す。
func (s *listenerSet[T]) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// emit は登録順にリスナーを呼び出す。呼び出し中の登録・解除は次回のemitから反映される。
// リスナーのpanicは回収してログに残し、残りのリスナーの呼び出しを続ける。
func (s *listenerSet[T]) emit(v T, logger *zap.Logger) {
	s.mu.Lock()
	fns := make([]func(T), len(s.entries))
	for i, e := range s.entries {
		fns[i] = e.fn
	}
	s.mu.Unlock()

	for _, fn := range fns {
		call(fn, v, logger)
	}
}

func call[T any](fn func(T), v T, logger *zap.Logger) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("push listener panic recovered", zap.Any("panic", r))
		}
	}()
	fn(v)
}

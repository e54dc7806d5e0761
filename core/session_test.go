package core

import (
	"sync"
	"testing"
)

func TestSession_GuardIsSingleFlight(t *testing.T) {
	s := NewSession("s1")

	var wg sync.WaitGroup
	var mu sync.Mutex
	acquired := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if s.TryAcquire() {
				mu.Lock()
				acquired++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if acquired != 1 {
		t.Fatalf("expected exactly one acquisition, got %d", acquired)
	}
	if !s.Release() {
		t.Fatal("release should report a held guard")
	}
	if s.Release() {
		t.Fatal("second release should be a no-op")
	}
}

func TestSession_ResetKeepsIdentityAndBusy(t *testing.T) {
	s := NewSession("s2")
	s.CompleteTurn(NewTextMessage(RoleUser, "hi"), NewTextMessage(RoleAssistant, "hello"))
	s.UpdateUsage("gpt", func(u Usage) Usage { u.InputTokens = 10; u.Cost = 1; return u })
	s.TryAcquire()

	s.Reset()

	st := s.Stats()
	if len(s.Messages()) != 0 || !st.Usage.IsZero() || st.MessageCount != 0 {
		t.Fatalf("reset did not clear state: %+v", st)
	}
	if st.SessionID != "s2" || !st.Busy {
		t.Fatalf("reset must keep id and busy flag: %+v", st)
	}
}

func TestSession_MessagesAreCopied(t *testing.T) {
	s := NewSession("s3")
	s.AppendMessage(NewTextMessage(RoleUser, "one"))

	msgs := s.Messages()
	msgs[0] = NewTextMessage(RoleUser, "changed")

	if s.Messages()[0].Text() != "one" {
		t.Error("history slice should be copied on read")
	}
}

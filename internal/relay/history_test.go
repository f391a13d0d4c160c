package relay

import (
	"errors"
	"fmt"
	"math/rand"
	"testing"
	"time"
)

func TestHistoryAddMessageIsIdempotent(t *testing.T) {
	history := NewHistory("conv_dedup", NewInMemoryStateBackend())
	message := testMessage("SM1", 1, "alice", "hi")

	added, err := history.AddMessage(message)
	if err != nil || !added {
		t.Fatalf("expected first insert to add, got added=%v err=%v", added, err)
	}
	added, err = history.AddMessage(message)
	if err != nil {
		t.Fatalf("second insert failed: %v", err)
	}
	if added {
		t.Fatalf("expected duplicate sid to be ignored")
	}
	messages, err := history.Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if len(messages) != 1 || messages[0].SID != "SM1" {
		t.Fatalf("expected exactly one SM1, got %v", messageSIDs(messages))
	}
}

func TestHistoryDuplicateDoesNotReorderExisting(t *testing.T) {
	history := NewHistory("conv_reorder", NewInMemoryStateBackend())
	for i := 1; i <= 3; i++ {
		if _, err := history.AddMessage(testMessage(fmt.Sprintf("SM%d", i), i, "a", "b")); err != nil {
			t.Fatalf("add failed: %v", err)
		}
	}
	// Same sid with a different timestamp must not move the stored copy.
	moved := testMessage("SM1", 99, "a", "b")
	if added, err := history.AddMessage(moved); err != nil || added {
		t.Fatalf("expected duplicate to be ignored, got added=%v err=%v", added, err)
	}
	messages, _ := history.Load()
	got := messageSIDs(messages)
	want := []string{"SM1", "SM2", "SM3"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected order %v, got %v", want, got)
		}
	}
	if !messages[0].DateCreated.Equal(testEpoch.Add(time.Second)) {
		t.Fatalf("expected original SM1 to be kept, got %s", messages[0].DateCreated)
	}
}

func TestHistoryLoadIsSortedRegardlessOfInsertOrder(t *testing.T) {
	history := NewHistory("conv_order", NewInMemoryStateBackend())
	rng := rand.New(rand.NewSource(7))
	order := rng.Perm(50)
	for _, seq := range order {
		if _, err := history.AddMessage(testMessage(fmt.Sprintf("SM%d", seq), seq, "a", "b")); err != nil {
			t.Fatalf("add failed: %v", err)
		}
	}
	messages, err := history.Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if len(messages) != 50 {
		t.Fatalf("expected 50 messages, got %d", len(messages))
	}
	for i := 1; i < len(messages); i++ {
		if messages[i].DateCreated.Before(messages[i-1].DateCreated) {
			t.Fatalf("messages out of order at %d: %s before %s", i, messages[i].DateCreated, messages[i-1].DateCreated)
		}
	}
}

func TestHistoryCapDropsOldest(t *testing.T) {
	history := NewHistory("conv_cap", NewInMemoryStateBackend())
	for i := 0; i <= MaxStoredMessages; i++ {
		if _, err := history.AddMessage(testMessage(fmt.Sprintf("SM%d", i), i, "a", "b")); err != nil {
			t.Fatalf("add %d failed: %v", i, err)
		}
		messages, _ := history.Load()
		if len(messages) > MaxStoredMessages {
			t.Fatalf("cap exceeded after insert %d: %d", i, len(messages))
		}
	}
	messages, _ := history.Load()
	if len(messages) != MaxStoredMessages {
		t.Fatalf("expected %d messages, got %d", MaxStoredMessages, len(messages))
	}
	for _, message := range messages {
		if message.SID == "SM0" {
			t.Fatalf("expected oldest message SM0 to be dropped")
		}
	}
	if messages[0].SID != "SM1" || messages[len(messages)-1].SID != fmt.Sprintf("SM%d", MaxStoredMessages) {
		t.Fatalf("unexpected retained window %s..%s", messages[0].SID, messages[len(messages)-1].SID)
	}
}

func TestHistoryCapKeepsMostRecentUnderShuffledInserts(t *testing.T) {
	history := NewHistory("conv_cap_shuffle", NewInMemoryStateBackend())
	total := MaxStoredMessages + 120
	rng := rand.New(rand.NewSource(42))
	for _, seq := range rng.Perm(total) {
		if _, err := history.AddMessage(testMessage(fmt.Sprintf("SM%d", seq), seq, "a", "b")); err != nil {
			t.Fatalf("add failed: %v", err)
		}
	}
	messages, _ := history.Load()
	if len(messages) != MaxStoredMessages {
		t.Fatalf("expected %d messages, got %d", MaxStoredMessages, len(messages))
	}
	oldestKept := total - MaxStoredMessages
	for i, message := range messages {
		if want := fmt.Sprintf("SM%d", oldestKept+i); message.SID != want {
			t.Fatalf("expected %s at %d, got %s", want, i, message.SID)
		}
	}
}

func TestHistoryRejectsCandidateOlderThanFullWindow(t *testing.T) {
	history := NewHistory("conv_cap_old", NewInMemoryStateBackend())
	for i := 10; i < 10+MaxStoredMessages; i++ {
		if _, err := history.AddMessage(testMessage(fmt.Sprintf("SM%d", i), i, "a", "b")); err != nil {
			t.Fatalf("add %d failed: %v", i, err)
		}
	}
	added, err := history.AddMessage(testMessage("SMOLD", 1, "a", "old"))
	if err != nil {
		t.Fatalf("add old failed: %v", err)
	}
	if added {
		t.Fatalf("expected a message trimmed by the cap to be reported as not added")
	}
	messages, _ := history.Load()
	if len(messages) != MaxStoredMessages || messages[0].SID != "SM10" {
		t.Fatalf("expected window unchanged starting at SM10, got %d starting at %s", len(messages), messages[0].SID)
	}
}

func TestHistoryBindFirstWriterWins(t *testing.T) {
	history := NewHistory("conv_bind", NewInMemoryStateBackend())
	if sid, _ := history.BoundID(); sid != "" {
		t.Fatalf("expected unbound history, got %q", sid)
	}
	bound, err := history.Bind("CH1")
	if err != nil || !bound {
		t.Fatalf("expected first bind to succeed, got bound=%v err=%v", bound, err)
	}
	bound, err = history.Bind("CH2")
	if err != nil || bound {
		t.Fatalf("expected second bind to be a no-op, got bound=%v err=%v", bound, err)
	}
	if sid, _ := history.BoundID(); sid != "CH1" {
		t.Fatalf("expected binding CH1, got %q", sid)
	}
	if _, err := history.Bind("  "); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid input for blank sid, got %v", err)
	}
}

func TestHistoryRehydratesFromBackend(t *testing.T) {
	backend := NewInMemoryStateBackend()
	first := NewHistory("conv_rehydrate", backend)
	if _, err := first.Bind("CH1"); err != nil {
		t.Fatalf("bind failed: %v", err)
	}
	if _, err := first.AddMessage(testMessage("SM2", 2, "a", "two")); err != nil {
		t.Fatalf("add failed: %v", err)
	}
	if _, err := first.AddMessage(testMessage("SM1", 1, "a", "one")); err != nil {
		t.Fatalf("add failed: %v", err)
	}
	if err := first.RaiseLastIndex(2); err != nil {
		t.Fatalf("raise index failed: %v", err)
	}

	second := NewHistory("conv_rehydrate", backend)
	sid, err := second.BoundID()
	if err != nil || sid != "CH1" {
		t.Fatalf("expected rehydrated binding CH1, got %q err=%v", sid, err)
	}
	messages, _ := second.Load()
	if got := messageSIDs(messages); len(got) != 2 || got[0] != "SM1" || got[1] != "SM2" {
		t.Fatalf("expected [SM1 SM2], got %v", got)
	}
	if idx, _ := second.LastIndex(); idx != 2 {
		t.Fatalf("expected lastIndex 2, got %d", idx)
	}
}

func TestHistoryRehydrateNormalizesStoredState(t *testing.T) {
	backend := NewInMemoryStateBackend()
	stored := &ConversationState{ConversationSID: "CH1"}
	for i := MaxStoredMessages + 5; i >= 0; i-- {
		stored.Messages = append(stored.Messages, testMessage(fmt.Sprintf("SM%d", i), i, "a", "b"))
	}
	stored.Messages = append(stored.Messages, testMessage("SM3", 3, "a", "dup"))
	if err := backend.Save("conv_norm", stored); err != nil {
		t.Fatalf("seed failed: %v", err)
	}
	messages, err := NewHistory("conv_norm", backend).Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if len(messages) != MaxStoredMessages {
		t.Fatalf("expected %d messages, got %d", MaxStoredMessages, len(messages))
	}
	if messages[0].SID != "SM6" {
		t.Fatalf("expected oldest retained SM6, got %s", messages[0].SID)
	}
}

func TestHistorySaveFailureLeavesStateUntouched(t *testing.T) {
	backend := &failingStateBackend{saveErr: errors.New("disk full")}
	history := NewHistory("conv_fail", backend)
	if _, err := history.AddMessage(testMessage("SM1", 1, "a", "b")); err == nil {
		t.Fatalf("expected save failure to surface")
	}
	messages, err := history.Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if len(messages) != 0 {
		t.Fatalf("expected no messages after failed save, got %v", messageSIDs(messages))
	}
	if _, err := history.AddMessage(Message{}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid input for empty sid, got %v", err)
	}
}

func TestHistoryRaiseLastIndexIsMonotonic(t *testing.T) {
	history := NewHistory("conv_idx", NewInMemoryStateBackend())
	if err := history.RaiseLastIndex(5); err != nil {
		t.Fatalf("raise failed: %v", err)
	}
	if err := history.RaiseLastIndex(3); err != nil {
		t.Fatalf("raise failed: %v", err)
	}
	if idx, _ := history.LastIndex(); idx != 5 {
		t.Fatalf("expected lastIndex 5, got %d", idx)
	}
}

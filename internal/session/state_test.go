package session

import (
	"errors"
	"testing"
	"time"

	"github.com/yunhe-labs/tourguide/internal/domain"
	"github.com/yunhe-labs/tourguide/internal/persona"
	"github.com/yunhe-labs/tourguide/internal/shared"
)

// answered runs one question through the state machine.
func answered(t *testing.T, st State, q, a string) State {
	t.Helper()
	var err error
	if st, err = st.SubmitQuestion(q); err != nil {
		t.Fatalf("SubmitQuestion(%q): %v", q, err)
	}
	if st, err = st.BeginCompletion(); err != nil {
		t.Fatalf("BeginCompletion: %v", err)
	}
	if st, err = st.CompleteResponse(a); err != nil {
		t.Fatalf("CompleteResponse: %v", err)
	}
	return st
}

func withCategory(t *testing.T, category string) State {
	t.Helper()
	st, err := NewState("tok", persona.YunXiaoAn).SelectCategory(category)
	if err != nil {
		t.Fatal(err)
	}
	return st
}

func TestSelectCategoryResetsConversation(t *testing.T) {
	t.Parallel()

	st := withCategory(t, "运河文化")
	st = answered(t, st, "q1", "a1")
	st = answered(t, st, "q2", "a2")
	st, _ = st.SubmitQuestion("q3")
	st, _ = st.BeginCompletion()
	st, _ = st.CompleteResponse("a3")
	if len(st.Asked) != 3 {
		t.Fatalf("asked = %d, want 3", len(st.Asked))
	}

	next, err := st.SelectCategory("X")
	if err != nil {
		t.Fatalf("SelectCategory: %v", err)
	}
	if len(next.Transcript) != 0 || len(next.Asked) != 0 {
		t.Fatalf("expected empty conversation, got %d messages and %d asked", len(next.Transcript), len(next.Asked))
	}
	if next.Phase != PhaseCategorySelected || next.Category != "X" {
		t.Errorf("phase=%s category=%s", next.Phase, next.Category)
	}
	if len(st.Transcript) != 6 {
		t.Errorf("receiver was mutated: %d messages", len(st.Transcript))
	}
}

func TestSubmitQuestionRequiresCategory(t *testing.T) {
	t.Parallel()

	_, err := NewState("tok", persona.YunXiaoAn).SubmitQuestion("hello")
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}

	st := withCategory(t, "美食")
	if _, err := st.SubmitQuestion(""); !errors.Is(err, shared.ErrValidation) {
		t.Fatalf("expected validation error for empty question, got %v", err)
	}
}

func TestTurnPhases(t *testing.T) {
	t.Parallel()

	st := withCategory(t, "美食")
	st, _ = st.SubmitQuestion("软兜长鱼是什么？")
	if st.Phase != PhaseQuestionPending || st.Pending != "软兜长鱼是什么？" {
		t.Fatalf("after submit: %+v", st)
	}
	if _, err := st.SubmitQuestion("again"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("second submit while pending: %v", err)
	}
	if _, err := st.SelectCategory("X"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("topic switch while pending: %v", err)
	}

	st, _ = st.BeginCompletion()
	if st.Phase != PhaseAwaitingCompletion || st.Pending != "" {
		t.Fatalf("after begin: %+v", st)
	}
	if len(st.Transcript) != 1 || st.Transcript[0].Role != domain.RoleUser {
		t.Fatalf("user message not appended: %+v", st.Transcript)
	}
	if !st.HasAsked("软兜长鱼是什么？") {
		t.Fatal("question not recorded as asked")
	}

	st, _ = st.CompleteResponse("一道名菜")
	if st.Phase != PhaseIdle {
		t.Fatalf("phase = %s, want idle", st.Phase)
	}
	last := st.Transcript[len(st.Transcript)-1]
	if last.Role != domain.RoleAssistant || last.Persona != persona.YunXiaoAn {
		t.Errorf("assistant message = %+v", last)
	}

	// Asking again from Idle is legal and does not duplicate the asked entry.
	st = answered(t, st, "软兜长鱼是什么？", "again")
	if len(st.Asked) != 1 {
		t.Errorf("asked = %v", st.Asked)
	}
}

func TestRateOnce(t *testing.T) {
	t.Parallel()

	st := answered(t, withCategory(t, "美食"), "q", "a")

	rated, err := st.Rate(1, domain.RatingGood)
	if err != nil {
		t.Fatalf("Rate: %v", err)
	}
	again, err := rated.Rate(1, domain.RatingBad)
	if !errors.Is(err, ErrAlreadyRated) {
		t.Fatalf("second Rate error = %v", err)
	}
	if *again.Transcript[1].Rating != domain.RatingGood {
		t.Errorf("rating = %s, want good", *again.Transcript[1].Rating)
	}
	if st.Transcript[1].Rated() {
		t.Error("receiver was mutated")
	}
}

func TestRateRejectsInvalidTargets(t *testing.T) {
	t.Parallel()

	st := answered(t, withCategory(t, "美食"), "q", "a")
	for _, idx := range []int{-1, 0, 2} {
		if _, err := st.Rate(idx, domain.RatingGood); !errors.Is(err, shared.ErrValidation) {
			t.Errorf("Rate(%d) error = %v, want validation error", idx, err)
		}
	}
}

func TestClearKeepsPersonaAndIdentity(t *testing.T) {
	t.Parallel()

	st := withCategory(t, "美食")
	st.Identity = "alice"
	st, _ = st.SetPersona(persona.AHuai)
	st = answered(t, st, "q", "a")

	cleared := st.Clear()
	if cleared.Phase != PhaseNoCategory || cleared.Category != "" {
		t.Errorf("phase=%s category=%q", cleared.Phase, cleared.Category)
	}
	if len(cleared.Transcript) != 0 || len(cleared.Asked) != 0 {
		t.Error("conversation not discarded")
	}
	if cleared.Identity != "alice" || cleared.Persona != persona.AHuai {
		t.Errorf("identity=%s persona=%s", cleared.Identity, cleared.Persona)
	}
}

func TestLeaveCategoryKeepsTranscript(t *testing.T) {
	t.Parallel()

	st := answered(t, withCategory(t, "美食"), "q", "a")
	left, err := st.LeaveCategory()
	if err != nil {
		t.Fatal(err)
	}
	if left.Phase != PhaseNoCategory || len(left.Transcript) != 2 {
		t.Errorf("phase=%s transcript=%d", left.Phase, len(left.Transcript))
	}
}

func TestSetPersonaRejectsUnknown(t *testing.T) {
	t.Parallel()

	if _, err := NewState("tok", persona.YunXiaoAn).SetPersona("pirate"); !errors.Is(err, shared.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestSnapshotResumeRoundTrip(t *testing.T) {
	t.Parallel()

	st := withCategory(t, "运河文化")
	st.Identity, st.Role = "alice", "visitor"
	st = answered(t, st, "q", "a")
	st, _ = st.Rate(1, domain.RatingBad)

	now := time.Date(2026, 10, 1, 8, 0, 0, 0, time.UTC)
	rec := st.Snapshot(now)
	if rec.Identity != "alice" || !rec.Timestamp.Equal(now) || rec.SelectedCategory != "运河文化" {
		t.Fatalf("snapshot = %+v", rec)
	}

	resumed := NewState("other", persona.HuaiBoShi).Resume(rec)
	if resumed.Token != "other" || resumed.Identity != "alice" {
		t.Errorf("token=%s identity=%s", resumed.Token, resumed.Identity)
	}
	if resumed.Phase != PhaseIdle || resumed.Category != "运河文化" {
		t.Errorf("phase=%s category=%s", resumed.Phase, resumed.Category)
	}
	if resumed.Persona != persona.YunXiaoAn {
		t.Errorf("persona = %s", resumed.Persona)
	}
	if !resumed.Transcript[1].Rated() || !resumed.HasAsked("q") {
		t.Errorf("conversation not restored: %+v", resumed)
	}
}

package session

import "testing"

func TestFormatClock(t *testing.T) {
	tests := []struct {
		seconds int
		want    string
	}{
		{0, "00:00"},
		{59, "00:59"},
		{299, "04:59"},
		{3599, "59:59"},
		{3600, "1:00:00"},
		{5025, "1:23:45"},
		{-4, "00:00"},
	}
	for _, tt := range tests {
		if got := FormatClock(tt.seconds); got != tt.want {
			t.Errorf("FormatClock(%d) = %q, want %q", tt.seconds, got, tt.want)
		}
	}
}

func TestProgressNavigationGrid(t *testing.T) {
	c, _, _ := newExam(t, 3600, textQuestions(4))
	_ = c.SelectAnswer(1, TextAnswer("x"))
	_ = c.ToggleFlag(3)
	_ = c.Navigate(2)

	p := c.Progress()
	if p.AnsweredCount != 1 || p.UnansweredCount != 3 || p.FlaggedCount != 1 {
		t.Fatalf("counts = %d/%d/%d, want 1/3/1", p.AnsweredCount, p.UnansweredCount, p.FlaggedCount)
	}

	want := []QuestionStatus{
		{Index: 0},
		{Index: 1, Answered: true},
		{Index: 2, Current: true},
		{Index: 3, Flagged: true},
	}
	for i, qs := range p.Questions {
		if qs != want[i] {
			t.Errorf("question %d status = %+v, want %+v", i, qs, want[i])
		}
	}
	if p.Clock != "1:00:00" {
		t.Errorf("clock = %q, want 1:00:00", p.Clock)
	}
}

func TestProgressLowTime(t *testing.T) {
	c, _, _ := newExam(t, 302, textQuestions(1), WithLowTimeThreshold(300))

	c.Tick()
	if c.Progress().LowTime {
		t.Fatal("low time reported with 301s left")
	}
	c.Tick()
	c.Tick()
	if !c.Progress().LowTime {
		t.Fatal("low time not reported with 299s left")
	}
}

package routing

import (
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

var t0 = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

func attendant(id string, load int) Attendant {
	return Attendant{
		ID:                     id,
		Status:                 StatusOnline,
		AutoAcceptEnabled:      true,
		MaxConcurrentChats:     5,
		CurrentActiveChatCount: load,
		AvgResponseTimeSeconds: 30,
		SatisfactionScore:      4,
		CreatedAt:              t0,
	}
}

func ids(attendants []Attendant) []string {
	out := make([]string, 0, len(attendants))
	for _, a := range attendants {
		out = append(out, a.ID)
	}
	return out
}

func TestSelectBestAttendantPrefersLowerLoad(t *testing.T) {
	a := Attendant{ID: "a", Status: StatusOnline, AutoAcceptEnabled: true, MaxConcurrentChats: 5,
		CurrentActiveChatCount: 2, AvgResponseTimeSeconds: 30, SatisfactionScore: 4.5, CreatedAt: t0}
	b := Attendant{ID: "b", Status: StatusOnline, AutoAcceptEnabled: true, MaxConcurrentChats: 5,
		CurrentActiveChatCount: 1, AvgResponseTimeSeconds: 60, SatisfactionScore: 4.0, CreatedAt: t0.Add(time.Hour)}

	decision, err := SelectBestAttendant([]Attendant{a, b}, DefaultCriteria())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !decision.Selected || decision.AttendantID != "b" {
		t.Fatalf("expected b selected, got %+v", decision)
	}
	if decision.Reason != ReasonSelected {
		t.Fatalf("expected reason %s, got %s", ReasonSelected, decision.Reason)
	}
}

func TestSelectBestAttendantEqualLoadFallsToResponseTime(t *testing.T) {
	a := attendant("a", 2)
	a.AvgResponseTimeSeconds = 20
	a.SatisfactionScore = 4.0
	b := attendant("b", 2)
	b.AvgResponseTimeSeconds = 30
	b.SatisfactionScore = 5.0

	decision, err := SelectBestAttendant([]Attendant{b, a}, DefaultCriteria())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if decision.AttendantID != "a" {
		t.Fatalf("expected a selected, got %s", decision.AttendantID)
	}
}

func TestSelectBestAttendantTieBreakChain(t *testing.T) {
	criteria := DefaultCriteria()
	criteria.RequiredSkills = []string{"billing", "spanish"}

	tests := []struct {
		name   string
		mutate func(winner, loser *Attendant)
	}{
		{"load", func(w, l *Attendant) {
			w.CurrentActiveChatCount = 1
			l.CurrentActiveChatCount = 3
		}},
		{"response time", func(w, l *Attendant) {
			w.AvgResponseTimeSeconds = 10
			l.AvgResponseTimeSeconds = 40
		}},
		{"satisfaction", func(w, l *Attendant) {
			w.SatisfactionScore = 4.9
			l.SatisfactionScore = 3.1
		}},
		{"skill match", func(w, l *Attendant) {
			w.Skills = []string{"billing", "spanish"}
			l.Skills = []string{"billing"}
		}},
		{"created at", func(w, l *Attendant) {
			w.CreatedAt = t0.Add(time.Minute)
			l.CreatedAt = t0
		}},
		{"id", func(w, l *Attendant) {}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			winner := attendant("a-winner", 2)
			loser := attendant("z-loser", 2)
			tt.mutate(&winner, &loser)

			for _, order := range [][]Attendant{{winner, loser}, {loser, winner}} {
				decision, err := SelectBestAttendant(order, criteria)
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				if decision.AttendantID != winner.ID {
					t.Fatalf("expected %s, got %s", winner.ID, decision.AttendantID)
				}
			}
		})
	}
}

func TestSelectBestAttendantEarlierKeyDominatesLaterKeys(t *testing.T) {
	fast := attendant("fast", 2)
	fast.AvgResponseTimeSeconds = 5
	fast.SatisfactionScore = 1

	happy := attendant("happy", 2)
	happy.AvgResponseTimeSeconds = 50
	happy.SatisfactionScore = 5
	happy.Skills = []string{"billing"}
	happy.CreatedAt = t0.Add(24 * time.Hour)

	criteria := DefaultCriteria()
	criteria.RequiredSkills = []string{"billing"}

	decision, err := SelectBestAttendant([]Attendant{happy, fast}, criteria)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if decision.AttendantID != "fast" {
		t.Fatalf("expected fast, got %s", decision.AttendantID)
	}
}

func TestSelectBestAttendantFlagsDisableKeys(t *testing.T) {
	slowHappy := attendant("slow-happy", 1)
	slowHappy.AvgResponseTimeSeconds = 90
	slowHappy.SatisfactionScore = 5

	fastGrumpy := attendant("fast-grumpy", 1)
	fastGrumpy.AvgResponseTimeSeconds = 5
	fastGrumpy.SatisfactionScore = 2
	fastGrumpy.CreatedAt = t0.Add(-time.Hour)

	criteria := DefaultCriteria()
	criteria.PrioritizeByResponseTime = false

	decision, err := SelectBestAttendant([]Attendant{fastGrumpy, slowHappy}, criteria)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if decision.AttendantID != "slow-happy" {
		t.Fatalf("expected satisfaction to decide, got %s", decision.AttendantID)
	}

	criteria.PrioritizeBySatisfaction = false
	decision, err = SelectBestAttendant([]Attendant{fastGrumpy, slowHappy}, criteria)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if decision.AttendantID != "slow-happy" {
		t.Fatalf("expected newest record to decide, got %s", decision.AttendantID)
	}
}

func TestSelectBestAttendantSkillsAreNotAFilter(t *testing.T) {
	unskilled := attendant("unskilled", 0)
	skilled := attendant("skilled", 1)
	skilled.Skills = []string{"instagram"}

	criteria := DefaultCriteria()
	criteria.RequiredSkills = []string{"instagram"}

	decision, err := SelectBestAttendant([]Attendant{skilled, unskilled}, criteria)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if decision.AttendantID != "unskilled" {
		t.Fatalf("expected unskilled attendant to win on load, got %s", decision.AttendantID)
	}
}

func TestSelectBestAttendantSkillMatchIgnoresCaseAndDuplicates(t *testing.T) {
	dupes := attendant("dupes", 1)
	dupes.Skills = []string{"Billing", "billing ", "BILLING"}
	two := attendant("two", 1)
	two.Skills = []string{"billing", "vip"}
	two.CreatedAt = t0.Add(-time.Hour)

	criteria := DefaultCriteria()
	criteria.RequiredSkills = []string{"billing", "VIP"}

	decision, err := SelectBestAttendant([]Attendant{dupes, two}, criteria)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if decision.AttendantID != "two" {
		t.Fatalf("expected two, got %s", decision.AttendantID)
	}
}

func TestSelectBestAttendantRejectsEmptyCandidates(t *testing.T) {
	decision, err := SelectBestAttendant(nil, DefaultCriteria())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if decision.Selected || decision.Reason != ReasonNoCandidates {
		t.Fatalf("expected no-candidates, got %+v", decision)
	}
}

func TestSelectBestAttendantRevalidatesEligibility(t *testing.T) {
	offline := attendant("offline", 0)
	offline.Status = StatusOffline
	optedOut := attendant("opted-out", 0)
	optedOut.AutoAcceptEnabled = false
	onBreak := attendant("on-break", 0)
	onBreak.Status = StatusBreak

	decision, err := SelectBestAttendant([]Attendant{offline, optedOut, onBreak}, DefaultCriteria())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if decision.Selected || decision.Reason != ReasonNoCandidates {
		t.Fatalf("expected no-candidates, got %+v", decision)
	}

	online := attendant("online", 4)
	decision, err = SelectBestAttendant([]Attendant{offline, optedOut, online}, DefaultCriteria())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if decision.AttendantID != "online" {
		t.Fatalf("expected the only online attendant, got %+v", decision)
	}
	if decision.Considered != 3 || decision.Eligible != 1 {
		t.Fatalf("unexpected counts: considered=%d eligible=%d", decision.Considered, decision.Eligible)
	}
}

func TestSelectBestAttendantAllAtCapacity(t *testing.T) {
	a := attendant("a", 5)
	b := attendant("b", 7)

	decision, err := SelectBestAttendant([]Attendant{a, b}, DefaultCriteria())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if decision.Selected || decision.Reason != ReasonAllAtCapacity {
		t.Fatalf("expected all-at-capacity, got %+v", decision)
	}
}

func TestSelectBestAttendantOverrideCapacity(t *testing.T) {
	busy := attendant("busy", 3)
	busy.MaxConcurrentChats = 10

	override := 3
	criteria := DefaultCriteria()
	criteria.MaxConcurrentChatsOverride = &override

	decision, err := SelectBestAttendant([]Attendant{busy}, criteria)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if decision.Reason != ReasonAllAtCapacity {
		t.Fatalf("expected override to cap attendant, got %+v", decision)
	}

	override = 4
	decision, err = SelectBestAttendant([]Attendant{busy}, criteria)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if decision.AttendantID != "busy" {
		t.Fatalf("expected busy to fit under override, got %+v", decision)
	}
}

func TestSelectBestAttendantNeverExceedsCapacity(t *testing.T) {
	var pool []Attendant
	for i := 0; i < 40; i++ {
		a := attendant(string(rune('a'+i%26))+string(rune('0'+i/26)), i%7)
		a.MaxConcurrentChats = 1 + i%5
		a.AvgResponseTimeSeconds = float64((i * 13) % 17)
		a.SatisfactionScore = float64(i%6) * 0.8
		pool = append(pool, a)
	}

	for limit := 1; limit <= 6; limit++ {
		override := limit
		for _, criteria := range []Criteria{DefaultCriteria(), {MaxConcurrentChatsOverride: &override}} {
			decision, err := SelectBestAttendant(pool, criteria)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !decision.Selected {
				continue
			}
			if decision.Attendant.CurrentActiveChatCount >= criteria.EffectiveMax(decision.Attendant) {
				t.Fatalf("selected %s over capacity", decision.AttendantID)
			}
		}
	}
}

func TestSelectBestAttendantIsDeterministic(t *testing.T) {
	pool := []Attendant{attendant("c", 1), attendant("a", 1), attendant("b", 1)}

	first, err := SelectBestAttendant(pool, DefaultCriteria())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for i := 0; i < 25; i++ {
		next, callErr := SelectBestAttendant(pool, DefaultCriteria())
		if callErr != nil {
			t.Fatalf("unexpected error in iteration %d: %v", i, callErr)
		}
		if next.AttendantID != first.AttendantID {
			t.Fatalf("non-deterministic attendant: got %s want %s", next.AttendantID, first.AttendantID)
		}
	}
	if first.AttendantID != "a" {
		t.Fatalf("expected lowest id on a full tie, got %s", first.AttendantID)
	}
}

func TestSelectBestAttendantDoesNotMutateInput(t *testing.T) {
	pool := []Attendant{attendant("b", 3), attendant("a", 1)}
	before := ids(pool)

	if _, err := SelectBestAttendant(pool, DefaultCriteria()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if diff := cmp.Diff(before, ids(pool)); diff != "" {
		t.Fatalf("input reordered (-before +after):\n%s", diff)
	}
}

func TestSelectBestAttendantRejectsMalformedCriteria(t *testing.T) {
	zero := 0
	tests := []Criteria{
		{MaxConcurrentChatsOverride: &zero},
		{RequiredSkills: []string{"billing", "  "}},
	}
	for _, criteria := range tests {
		_, err := SelectBestAttendant([]Attendant{attendant("a", 0)}, criteria)
		if !errors.Is(err, ErrInvalidCriteria) {
			t.Fatalf("expected ErrInvalidCriteria, got %v", err)
		}
	}
}

func TestRankOrdersEligibleAttendants(t *testing.T) {
	full := attendant("full", 5)
	idle := attendant("idle", 0)
	one := attendant("one", 1)
	oneFast := attendant("one-fast", 1)
	oneFast.AvgResponseTimeSeconds = 10

	ranked, err := Rank([]Attendant{full, one, idle, oneFast}, DefaultCriteria())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []string{"idle", "one-fast", "one"}
	if diff := cmp.Diff(want, ids(ranked)); diff != "" {
		t.Fatalf("unexpected ranking (-want +got):\n%s", diff)
	}
}

func TestStatusValid(t *testing.T) {
	for _, status := range []Status{StatusOnline, StatusBusy, StatusAway, StatusOffline, StatusBreak, StatusTraining} {
		if !status.Valid() {
			t.Fatalf("expected %s to be valid", status)
		}
	}
	if Status("lunch").Valid() {
		t.Fatalf("expected unknown status to be invalid")
	}
}

package salvo

import (
	"errors"
	"testing"
)

func TestCreateAssignsIncrementingIDs(t *testing.T) {
	s := New()
	a := s.Create("preset-1", []Entry{{Destination: 1, Source: 2, Level: 0}})
	b := s.Create("preset-2", nil)

	if a.ID != 1 || b.ID != 2 {
		t.Fatalf("got ids %d, %d, want 1, 2", a.ID, b.ID)
	}
}

func TestGetReturnsCreatedSalvo(t *testing.T) {
	s := New()
	entries := []Entry{{Destination: 3, Source: 4, Level: 1}}
	created := s.Create("show-open", entries)

	got, err := s.Get(created.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Name != "show-open" || len(got.Entries) != 1 || got.Entries[0] != entries[0] {
		t.Fatalf("Get() = %+v, want name show-open with one matching entry", got)
	}
}

func TestGetUnknownIDReturnsErrNotFound(t *testing.T) {
	s := New()
	_, err := s.Get(99)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestAllReturnsEverySalvo(t *testing.T) {
	s := New()
	s.Create("a", nil)
	s.Create("b", nil)

	all := s.All()
	if len(all) != 2 {
		t.Fatalf("All() returned %d salvos, want 2", len(all))
	}
}

func TestSubscribeReceivesCreateEvent(t *testing.T) {
	s := New()
	ch := s.Subscribe(4)
	sv := s.Create("live", []Entry{{Destination: 1, Source: 1, Level: 0}})

	select {
	case ev := <-ch:
		if ev.Salvo.ID != sv.ID {
			t.Fatalf("event salvo id = %d, want %d", ev.Salvo.ID, sv.ID)
		}
	default:
		t.Fatal("subscriber received no event")
	}
}

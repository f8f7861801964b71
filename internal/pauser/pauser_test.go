package pauser_test

import (
	"errors"
	"testing"

	"github.com/veilex/venue-engine/internal/pauser"
)

func TestConstruction(t *testing.T) {
	if _, err := pauser.New(nil); !errors.Is(err, pauser.ErrNoPausersProvided) {
		t.Errorf("empty set: expected ErrNoPausersProvided, got %v", err)
	}
	if _, err := pauser.New([]string{"a", ""}); !errors.Is(err, pauser.ErrInvalidMember) {
		t.Errorf("empty member: expected ErrInvalidMember, got %v", err)
	}

	a, err := pauser.New([]string{"alice", "bob"})
	if err != nil {
		t.Fatalf("construct: %v", err)
	}
	if !a.IsMember("alice") || !a.IsMember("bob") {
		t.Error("members missing from set")
	}
	if a.IsMember("carol") {
		t.Error("non-member reported as member")
	}
}

func TestPauseGate(t *testing.T) {
	a, err := pauser.New([]string{"alice"})
	if err != nil {
		t.Fatalf("construct: %v", err)
	}

	if err := a.Gate(); err != nil {
		t.Errorf("gate should pass while unpaused: %v", err)
	}

	if err := a.Pause("mallory"); !errors.Is(err, pauser.ErrNotPauser) {
		t.Errorf("non-member pause: expected ErrNotPauser, got %v", err)
	}
	if a.Paused() {
		t.Error("paused after rejected call")
	}

	if err := a.Pause("alice"); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if err := a.Gate(); !errors.Is(err, pauser.ErrPaused) {
		t.Errorf("gate while paused: expected ErrPaused, got %v", err)
	}

	if err := a.Unpause("mallory"); !errors.Is(err, pauser.ErrNotPauser) {
		t.Errorf("non-member unpause: expected ErrNotPauser, got %v", err)
	}
	if err := a.Unpause("alice"); err != nil {
		t.Fatalf("unpause: %v", err)
	}
	if err := a.Gate(); err != nil {
		t.Errorf("gate after unpause: %v", err)
	}
}

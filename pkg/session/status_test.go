package session

import "testing"

func TestCanTransition(t *testing.T) {
	tests := []struct {
		name string
		from Status
		to   Status
		want bool
	}{
		{"creating to running", StatusCreating, StatusRunning, true},
		{"creating to error", StatusCreating, StatusError, true},
		{"creating to stopped", StatusCreating, StatusStopped, false},
		{"creating to archived", StatusCreating, StatusArchived, false},
		{"running to stopped", StatusRunning, StatusStopped, true},
		{"running to archived", StatusRunning, StatusArchived, true},
		{"running to creating", StatusRunning, StatusCreating, false},
		{"running to error", StatusRunning, StatusError, false},
		{"stopped to running", StatusStopped, StatusRunning, true},
		{"stopped to archived", StatusStopped, StatusArchived, true},
		{"stopped to error", StatusStopped, StatusError, false},
		{"error is terminal for commands", StatusError, StatusRunning, false},
		{"error cannot archive", StatusError, StatusArchived, false},
		{"archived is terminal", StatusArchived, StatusRunning, false},
		{"archived cannot stop", StatusArchived, StatusStopped, false},
		{"self transition rejected", StatusRunning, StatusRunning, false},
		{"unknown status rejected", Status("bogus"), StatusRunning, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CanTransition(tt.from, tt.to); got != tt.want {
				t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
			}
		})
	}
}

func TestValidateTransition(t *testing.T) {
	if err := ValidateTransition(StatusRunning, StatusStopped); err != nil {
		t.Errorf("ValidateTransition(running, stopped) = %v, want nil", err)
	}

	err := ValidateTransition(StatusArchived, StatusRunning)
	if err == nil {
		t.Fatal("ValidateTransition(archived, running) = nil, want error")
	}
	if !IsPreconditionFailed(err) {
		t.Errorf("ValidateTransition error kind = %v, want precondition_failed", KindOf(err))
	}
}

func TestStatusValid(t *testing.T) {
	for _, s := range []Status{StatusCreating, StatusRunning, StatusStopped, StatusError, StatusArchived} {
		if !s.Valid() {
			t.Errorf("%s.Valid() = false, want true", s)
		}
	}
	if Status("paused").Valid() {
		t.Error(`Status("paused").Valid() = true, want false`)
	}
}

func TestStatusTerminal(t *testing.T) {
	if !StatusArchived.Terminal() {
		t.Error("archived should be terminal")
	}
	for _, s := range []Status{StatusCreating, StatusRunning, StatusStopped, StatusError} {
		if s.Terminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}

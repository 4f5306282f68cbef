package app

import (
	"strings"
	"testing"
)

func TestParseCommand(t *testing.T) {
	tests := []struct {
		args []string
		want Command
	}{
		{nil, CommandServe},
		{[]string{}, CommandServe},
		{[]string{"serve"}, CommandServe},
		{[]string{"migrate"}, CommandMigrate},
		{[]string{"healthcheck"}, CommandHealthcheck},
		{[]string{" Migrate "}, CommandMigrate},
		{[]string{"migrate", "--flag", "value"}, CommandMigrate},
	}

	for _, tt := range tests {
		got, err := ParseCommand(tt.args)
		if err != nil {
			t.Errorf("ParseCommand(%v) error = %v", tt.args, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseCommand(%v) = %q, want %q", tt.args, got, tt.want)
		}
	}
}

func TestParseCommand_Unknown(t *testing.T) {
	_, err := ParseCommand([]string{"worker"})
	if err == nil {
		t.Fatal("expected error for unknown command")
	}
	msg := err.Error()
	if !strings.Contains(msg, `"worker"`) {
		t.Errorf("error %q should name the command", msg)
	}
	if !strings.Contains(msg, "healthcheck, migrate, serve") {
		t.Errorf("error %q should list available commands", msg)
	}
}

func TestCommand_NeedsConfig(t *testing.T) {
	tests := []struct {
		cmd  Command
		want bool
	}{
		{CommandServe, true},
		{CommandMigrate, true},
		{CommandHealthcheck, false},
	}

	for _, tt := range tests {
		if got := tt.cmd.NeedsConfig(); got != tt.want {
			t.Errorf("%s.NeedsConfig() = %v, want %v", tt.cmd, got, tt.want)
		}
	}
}

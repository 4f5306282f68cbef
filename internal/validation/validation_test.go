package validation

import "testing"

func TestIsStrongPassword(t *testing.T) {
	tests := []struct {
		password string
		want     bool
	}{
		{"short1A!", false},
		{"LongEnough1!", true},
		{"Abcdef1!2345", true},
		{"alllowercase1!", false},
		{"ALLUPPERCASE1!", false},
		{"NoDigitsHere!!", false},
		{"NoSpecials1234", false},
		{"", false},
	}

	for _, tt := range tests {
		if got := IsStrongPassword(tt.password); got != tt.want {
			t.Errorf("IsStrongPassword(%q) = %v, want %v", tt.password, got, tt.want)
		}
	}
}

func TestIsValidEmail(t *testing.T) {
	tests := []struct {
		email string
		want  bool
	}{
		{"a@b.com", true},
		{"first.last+tag@example.co.jp", true},
		{"user@例え.jp", true},
		{"", false},
		{"no-at-sign", false},
		{"@example.com", false},
		{"user@", false},
		{"user@localhost", false},
		{"user@exa..mple.com", false},
		{".user@example.com", false},
		{"us..er@example.com", false},
		{"us er@example.com", false},
	}

	for _, tt := range tests {
		if got := IsValidEmail(tt.email); got != tt.want {
			t.Errorf("IsValidEmail(%q) = %v, want %v", tt.email, got, tt.want)
		}
	}
}

func TestIsValidName(t *testing.T) {
	tests := []struct {
		name string
		want bool
	}{
		{"Alice", true},
		{"Mary-Jane O'Neil", true},
		{"山田 太郎", true},
		{"", false},
		{"   ", false},
		{"Alice1", false},
		{"<script>", false},
	}

	for _, tt := range tests {
		if got := IsValidName(tt.name); got != tt.want {
			t.Errorf("IsValidName(%q) = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestIsBlank(t *testing.T) {
	if !IsBlank("  \t") {
		t.Error("expected whitespace to be blank")
	}
	if IsBlank(" a ") {
		t.Error("expected non-empty string not to be blank")
	}
}

package providers

import (
	"errors"
	"testing"
)

func TestFactoryKnownProviders(t *testing.T) {
	for _, name := range Known() {
		inv, err := New(name, Settings{APIKey: "k", Region: "us-east-1"})
		if err != nil {
			t.Fatalf("New(%s): %v", name, err)
		}
		if inv.Name() != name {
			t.Errorf("Name() = %q, want %q", inv.Name(), name)
		}
	}
}

func TestFactoryUnknownProvider(t *testing.T) {
	_, err := New("skynet", Settings{})
	if err == nil {
		t.Fatal("expected error for unknown provider")
	}
	var unknown *ErrUnknownProvider
	if !errors.As(err, &unknown) {
		t.Fatalf("error type = %T, want *ErrUnknownProvider", err)
	}
	if unknown.Name != "skynet" {
		t.Errorf("Name = %q", unknown.Name)
	}
	if !IsKnown("ollama") || IsKnown("skynet") {
		t.Error("IsKnown misclassifies")
	}
}

func TestCredentialReady(t *testing.T) {
	tests := []struct {
		name     string
		settings Settings
		want     bool
	}{
		{"openai", Settings{APIKey: "sk-x"}, true},
		{"openai", Settings{}, false},
		{"anthropic", Settings{}, false},
		{"gemini", Settings{APIKey: "g"}, true},
		{"ollama", Settings{}, true},
		{"bedrock", Settings{Region: "us-west-2"}, true},
		{"bedrock", Settings{APIKey: "ignored"}, false},
	}
	for _, tt := range tests {
		if got := CredentialReady(tt.name, tt.settings); got != tt.want {
			t.Errorf("CredentialReady(%s, %+v) = %v, want %v", tt.name, tt.settings, got, tt.want)
		}
	}
}

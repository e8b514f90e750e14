package agent

import (
	"context"
	"testing"
)

type nopProvider struct{}

func (nopProvider) Name() string { return "nop" }
func (nopProvider) Start(ctx context.Context, cfg StartConfig) (Session, error) {
	return nil, ErrSessionClosed
}

func TestRegistry(t *testing.T) {
	Register("nop-test", func(s Settings) (Provider, error) {
		return nopProvider{}, nil
	})

	p, err := New("nop-test", Settings{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if p.Name() != "nop" {
		t.Errorf("Name = %q", p.Name())
	}

	if _, err := New("no-such-provider", Settings{}); err == nil {
		t.Error("expected error for unknown provider")
	}

	found := false
	for _, n := range Names() {
		if n == "nop-test" {
			found = true
		}
	}
	if !found {
		t.Error("registered provider missing from Names()")
	}
}

func TestRegisterDuplicatePanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected panic on duplicate registration")
		}
	}()
	Register("dup-test", func(s Settings) (Provider, error) { return nopProvider{}, nil })
	Register("dup-test", func(s Settings) (Provider, error) { return nopProvider{}, nil })
}

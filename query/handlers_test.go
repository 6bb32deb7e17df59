package query

import (
	"context"
	"testing"

	"github.com/goliatone/go-authsession/core"
	"github.com/goliatone/go-authsession/providers/devkit"
)

func TestSessionSnapshotQuery_QueryDelegates(t *testing.T) {
	expected := core.SessionSnapshot{
		Status:   core.SessionStatusAuthenticated,
		Session:  &core.NormalizedSession{AccessToken: "tok-1", Provider: "backend"},
		Provider: "backend",
		Healthy:  true,
	}
	qry := NewSessionSnapshotQuery(stubSnapshotReader{snapshot: expected})

	result, err := qry.Query(context.Background(), SessionSnapshotMessage{})
	if err != nil {
		t.Fatalf("query snapshot: %v", err)
	}
	if result.Status != core.SessionStatusAuthenticated || result.Token() != "tok-1" {
		t.Fatalf("unexpected snapshot result: %#v", result)
	}
}

func TestListProviderMetadataQuery_FiltersConfiguredProviders(t *testing.T) {
	registry := core.NewProviderRegistry()
	for _, name := range []string{"local", "google", "backend"} {
		if err := registry.Register(devkit.NewFakeProvider(name)); err != nil {
			t.Fatalf("register %s: %v", name, err)
		}
		registry.SetConfigured(name, true)
	}
	registry.SetConfigured("google", false)

	qry := NewListProviderMetadataQuery(registry)
	all, err := qry.Query(context.Background(), ListProviderMetadataMessage{})
	if err != nil {
		t.Fatalf("list metadata: %v", err)
	}
	if len(all) != 2 || all[0].Name != "local" || all[1].Name != "backend" {
		t.Fatalf("expected configured providers in registration order, got %#v", all)
	}

	filtered, err := qry.Query(context.Background(), ListProviderMetadataMessage{Names: []string{" backend ", "google"}})
	if err != nil {
		t.Fatalf("list filtered metadata: %v", err)
	}
	if len(filtered) != 1 || filtered[0].Name != "backend" {
		t.Fatalf("expected only backend, got %#v", filtered)
	}
}

func TestCreateLinkingSnapshotQuery_QueryDelegates(t *testing.T) {
	qry := NewCreateLinkingSnapshotQuery(stubLinkingReader{})
	snapshot, err := qry.Query(context.Background(), CreateLinkingSnapshotMessage{})
	if err != nil {
		t.Fatalf("query linking snapshot: %v", err)
	}
	if !snapshot.Empty() {
		t.Fatalf("expected empty snapshot from empty reader")
	}
}

type stubSnapshotReader struct {
	snapshot core.SessionSnapshot
}

func (s stubSnapshotReader) Snapshot() core.SessionSnapshot { return s.snapshot }

type stubLinkingReader struct{}

func (stubLinkingReader) CreateLinkingSnapshot() core.LinkingSnapshot { return core.LinkingSnapshot{} }

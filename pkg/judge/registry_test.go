package judge

import (
	"context"
	"strings"
	"testing"

	"github.com/tombee/grinder/pkg/problem"
)

// fakeAdapter is a minimal adapter for registry tests.
type fakeAdapter struct {
	name string
	caps []Capability
	urls []string
}

func (f *fakeAdapter) Name() string                { return f.name }
func (f *fakeAdapter) DisplayName() string         { return strings.ToUpper(f.name) }
func (f *fakeAdapter) Version() string             { return "0.0.1" }
func (f *fakeAdapter) Capabilities() []Capability  { return f.caps }
func (f *fakeAdapter) ConfigSchema() []ConfigField { return nil }

func (f *fakeAdapter) SupportsURL(raw string) bool {
	for _, u := range f.urls {
		if strings.Contains(raw, u) {
			return true
		}
	}
	return false
}

func (f *fakeAdapter) FetchProblem(ctx context.Context, cx Context, id string) (*problem.Statement, error) {
	return &problem.Statement{Title: "stub " + id}, nil
}

func TestRegistry_RegisterAndGet(t *testing.T) {
	reg := NewRegistry()

	a := &fakeAdapter{name: "alpha", caps: []Capability{CapFetch}}
	if err := reg.Register(a); err != nil {
		t.Fatalf("failed to register adapter: %v", err)
	}

	got, err := reg.Get("alpha")
	if err != nil {
		t.Fatalf("failed to get adapter: %v", err)
	}
	if got.Name() != "alpha" {
		t.Errorf("expected adapter name 'alpha', got '%s'", got.Name())
	}
}

func TestRegistry_DuplicateRegistration(t *testing.T) {
	reg := NewRegistry()

	a := &fakeAdapter{name: "alpha"}
	if err := reg.Register(a); err != nil {
		t.Fatalf("first registration failed: %v", err)
	}
	if err := reg.Register(a); err == nil {
		t.Error("expected error when registering duplicate adapter, got nil")
	}
}

func TestRegistry_GetNonExistent(t *testing.T) {
	reg := NewRegistry()

	_, err := reg.Get("missing")
	if err == nil {
		t.Fatal("expected error for missing adapter, got nil")
	}
	if !strings.Contains(err.Error(), "missing") {
		t.Errorf("error should name the adapter, got: %v", err)
	}
}

func TestRegistry_DefaultIsFirstRegistered(t *testing.T) {
	reg := NewRegistry()

	if err := reg.Register(&fakeAdapter{name: "alpha"}); err != nil {
		t.Fatal(err)
	}
	if err := reg.Register(&fakeAdapter{name: "beta"}); err != nil {
		t.Fatal(err)
	}

	def, err := reg.Default()
	if err != nil {
		t.Fatalf("Default: %v", err)
	}
	if def.Name() != "alpha" {
		t.Errorf("expected default 'alpha', got '%s'", def.Name())
	}

	if err := reg.SetDefault("beta"); err != nil {
		t.Fatalf("SetDefault: %v", err)
	}
	def, _ = reg.Default()
	if def.Name() != "beta" {
		t.Errorf("expected default 'beta' after SetDefault, got '%s'", def.Name())
	}
}

func TestRegistry_ByCapabilityRegistrationOrder(t *testing.T) {
	reg := NewRegistry()

	// beta registered before alpha; both fetch. Resolution must follow
	// registration order, not name order.
	if err := reg.Register(&fakeAdapter{name: "beta", caps: []Capability{CapFetch, CapUpload}}); err != nil {
		t.Fatal(err)
	}
	if err := reg.Register(&fakeAdapter{name: "alpha", caps: []Capability{CapFetch}}); err != nil {
		t.Fatal(err)
	}

	a, err := reg.ByCapability(CapFetch)
	if err != nil {
		t.Fatalf("ByCapability(fetch): %v", err)
	}
	if a.Name() != "beta" {
		t.Errorf("expected first-registered 'beta', got '%s'", a.Name())
	}

	all := reg.WithCapability(CapFetch)
	if len(all) != 2 || all[0].Name() != "beta" || all[1].Name() != "alpha" {
		t.Errorf("WithCapability order wrong: %v", names(all))
	}

	if _, err := reg.ByCapability(CapSubmit); err == nil {
		t.Error("expected error for capability nobody declares")
	}
}

func TestRegistry_Resolve(t *testing.T) {
	reg := NewRegistry()

	if err := reg.Register(&fakeAdapter{name: "alpha", caps: []Capability{CapFetch}}); err != nil {
		t.Fatal(err)
	}
	if err := reg.Register(&fakeAdapter{name: "beta", caps: []Capability{CapUpload}}); err != nil {
		t.Fatal(err)
	}

	a, err := reg.Resolve("", CapUpload)
	if err != nil {
		t.Fatalf("Resolve by capability: %v", err)
	}
	if a.Name() != "beta" {
		t.Errorf("expected 'beta', got '%s'", a.Name())
	}

	a, err = reg.Resolve("alpha", CapFetch)
	if err != nil {
		t.Fatalf("Resolve by name: %v", err)
	}
	if a.Name() != "alpha" {
		t.Errorf("expected 'alpha', got '%s'", a.Name())
	}

	// Named adapter lacking the capability is an error even though another
	// adapter could serve it.
	if _, err := reg.Resolve("alpha", CapUpload); err == nil {
		t.Error("expected capability mismatch error")
	}
}

func TestRegistry_MatchURL(t *testing.T) {
	reg := NewRegistry()

	if err := reg.Register(&fakeAdapter{name: "alpha", urls: []string{"alpha.example"}}); err != nil {
		t.Fatal(err)
	}
	if err := reg.Register(&fakeAdapter{name: "beta", urls: []string{"beta.example"}}); err != nil {
		t.Fatal(err)
	}

	a, err := reg.MatchURL("https://beta.example/problem/42")
	if err != nil {
		t.Fatalf("MatchURL: %v", err)
	}
	if a.Name() != "beta" {
		t.Errorf("expected 'beta', got '%s'", a.Name())
	}

	if _, err := reg.MatchURL("https://nowhere.invalid/p/1"); err == nil {
		t.Error("expected error for unclaimed URL")
	}
}

func TestRegistry_UnregisterPromotesDefault(t *testing.T) {
	reg := NewRegistry()

	if err := reg.Register(&fakeAdapter{name: "alpha"}); err != nil {
		t.Fatal(err)
	}
	if err := reg.Register(&fakeAdapter{name: "beta"}); err != nil {
		t.Fatal(err)
	}

	if err := reg.Unregister("alpha"); err != nil {
		t.Fatalf("Unregister: %v", err)
	}
	def, err := reg.Default()
	if err != nil {
		t.Fatalf("Default after unregister: %v", err)
	}
	if def.Name() != "beta" {
		t.Errorf("expected promoted default 'beta', got '%s'", def.Name())
	}

	if err := reg.Unregister("missing"); err == nil {
		t.Error("expected error unregistering unknown adapter")
	}
}

func TestHas(t *testing.T) {
	a := &fakeAdapter{name: "alpha", caps: []Capability{CapFetch, CapJudgeStatus}}
	if !Has(a, CapFetch) {
		t.Error("expected fetch capability")
	}
	if Has(a, CapUpload) {
		t.Error("did not expect upload capability")
	}
}

func TestContext_ConfigNilSource(t *testing.T) {
	cx := Context{UserID: 7}
	cfg, err := cx.Config(context.Background(), "alpha")
	if err != nil {
		t.Fatalf("Config with nil source: %v", err)
	}
	if len(cfg) != 0 {
		t.Errorf("expected empty config, got %v", cfg)
	}
}

func names(as []Adapter) []string {
	out := make([]string, len(as))
	for i, a := range as {
		out[i] = a.Name()
	}
	return out
}

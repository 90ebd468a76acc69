package directory

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
)

func TestCheckExecable(t *testing.T) {
	cases := []struct {
		name  string
		brand string
		state string
		want  error
	}{
		{"running joyent", BrandJoyent, StateRunning, nil},
		{"running lx", BrandLX, StateRunning, nil},
		{"running kvm", BrandKVM, StateRunning, ErrUnsupportedRuntime},
		{"running bhyve", BrandBhyve, StateRunning, ErrUnsupportedRuntime},
		{"stopped joyent", BrandJoyent, StateStopped, ErrNotRunning},
		{"provisioning lx", BrandLX, StateProvisioning, ErrNotRunning},
		// brand outranks state: a stopped HVM machine is reported as
		// unsupported, not merely stopped
		{"stopped kvm", BrandKVM, StateStopped, ErrUnsupportedRuntime},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m := &Machine{ID: "m1", Brand: tc.brand, State: tc.state}
			if err := CheckExecable(m); !errors.Is(err, tc.want) {
				t.Fatalf("CheckExecable(%s/%s) = %v, want %v", tc.brand, tc.state, err, tc.want)
			}
		})
	}
}

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "machines.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	m := &Machine{ID: "mach-1", Alias: "build", Brand: BrandJoyent, State: StateRunning, Node: "cn0"}
	if err := s.Put(ctx, m); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if m.CreatedAt.IsZero() || m.UpdatedAt.IsZero() {
		t.Fatal("Put did not stamp timestamps")
	}

	got, err := s.Get(ctx, "mach-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Alias != "build" || got.Brand != BrandJoyent || got.State != StateRunning || got.Node != "cn0" {
		t.Fatalf("Get returned %+v", got)
	}

	if err := s.SetState(ctx, "mach-1", StateStopped); err != nil {
		t.Fatalf("SetState: %v", err)
	}
	got, err = s.Get(ctx, "mach-1")
	if err != nil {
		t.Fatalf("Get after SetState: %v", err)
	}
	if got.State != StateStopped {
		t.Fatalf("state = %q, want stopped", got.State)
	}

	if err := s.Delete(ctx, "mach-1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Get(ctx, "mach-1"); !errors.Is(err, ErrMachineNotFound) {
		t.Fatalf("Get after Delete = %v, want ErrMachineNotFound", err)
	}
}

func TestStoreMissingMachine(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	if _, err := s.Get(ctx, "nope"); !errors.Is(err, ErrMachineNotFound) {
		t.Fatalf("Get = %v, want ErrMachineNotFound", err)
	}
	if err := s.SetState(ctx, "nope", StateRunning); !errors.Is(err, ErrMachineNotFound) {
		t.Fatalf("SetState = %v, want ErrMachineNotFound", err)
	}
	if err := s.Delete(ctx, "nope"); !errors.Is(err, ErrMachineNotFound) {
		t.Fatalf("Delete = %v, want ErrMachineNotFound", err)
	}
}

func TestStoreRejectsInvalid(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	bad := []*Machine{
		{ID: "", Brand: BrandJoyent, State: StateRunning},
		{ID: "m", Brand: "docker", State: StateRunning},
		{ID: "m", Brand: BrandLX, State: "paused"},
	}
	for _, m := range bad {
		if err := s.Put(ctx, m); !errors.Is(err, ErrInvalidMachine) {
			t.Fatalf("Put(%+v) = %v, want ErrInvalidMachine", m, err)
		}
	}
}

func TestStoreListOrder(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	for _, id := range []string{"a", "b", "c"} {
		if err := s.Put(ctx, &Machine{ID: id, Brand: BrandLX, State: StateRunning}); err != nil {
			t.Fatalf("Put %s: %v", id, err)
		}
	}
	list, err := s.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 3 {
		t.Fatalf("List returned %d machines", len(list))
	}
	for i, id := range []string{"a", "b", "c"} {
		if list[i].ID != id {
			t.Fatalf("list[%d].ID = %q, want %q", i, list[i].ID, id)
		}
	}
}

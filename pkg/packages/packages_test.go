package packages

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/rs/zerolog"

	"github.com/canonical/concierge/pkg/engine"
	"github.com/canonical/concierge/pkg/snapd/snapdtest"
	"github.com/canonical/concierge/pkg/system"
)

func TestSnapInstall(t *testing.T) {
	tests := []struct {
		name        string
		installed   map[string]string
		classic     bool
		pkg         Package
		wantCalls   []string
		wantAction  string
		preExisting bool
	}{
		{
			name:       "fresh install",
			pkg:        Package{Name: "jq", Channel: "latest/stable"},
			wantCalls:  []string{"install jq"},
			wantAction: ActionInstalled,
		},
		{
			name:        "same channel is unchanged",
			installed:   map[string]string{"jq": "latest/stable"},
			pkg:         Package{Name: "jq", Channel: "latest/stable"},
			wantAction:  ActionUnchanged,
			preExisting: true,
		},
		{
			name:        "no channel accepts any installed revision",
			installed:   map[string]string{"jq": "latest/edge"},
			pkg:         Package{Name: "jq"},
			wantAction:  ActionUnchanged,
			preExisting: true,
		},
		{
			name:        "channel change refreshes",
			installed:   map[string]string{"charmcraft": "2.x/stable"},
			pkg:         Package{Name: "charmcraft", Channel: "latest/stable"},
			wantCalls:   []string{"refresh charmcraft"},
			wantAction:  ActionRefreshed,
			preExisting: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := snapdtest.New()
			for k, v := range tt.installed {
				api.Tracking[k] = v
			}
			h := NewSnapHandler(api, zerolog.Nop())

			res, err := h.Install(context.Background(), tt.pkg)
			if err != nil {
				t.Fatalf("Install failed: %v", err)
			}
			if res.Action != tt.wantAction {
				t.Errorf("Expected action %q, got %q", tt.wantAction, res.Action)
			}
			if res.PreExisting != tt.preExisting {
				t.Errorf("Expected PreExisting=%v, got %v", tt.preExisting, res.PreExisting)
			}

			calls := api.CallLog()
			if len(calls) != len(tt.wantCalls) {
				t.Fatalf("Expected calls %v, got %v", tt.wantCalls, calls)
			}
			for i := range calls {
				if calls[i] != tt.wantCalls[i] {
					t.Errorf("call[%d] = %q, want %q", i, calls[i], tt.wantCalls[i])
				}
			}
		})
	}
}

func TestSnapInstall_KeepsClassicConfinement(t *testing.T) {
	api := snapdtest.New()
	api.Classic["charmcraft"] = true
	h := NewSnapHandler(api, zerolog.Nop())

	if _, err := h.Install(context.Background(), Package{Name: "charmcraft", Channel: "latest/stable"}); err != nil {
		t.Fatalf("Install failed: %v", err)
	}
	if !api.Classic["charmcraft"] {
		t.Error("Expected charmcraft to be installed with classic confinement")
	}
	if api.Tracking["charmcraft"] != "latest/stable" {
		t.Errorf("Expected latest/stable, got %q", api.Tracking["charmcraft"])
	}
}

func TestSnapInstall_ClassicOverride(t *testing.T) {
	yes, no := true, false
	tests := []struct {
		name         string
		storeClassic bool
		override     *bool
		want         bool
	}{
		{name: "store decides", storeClassic: true, want: true},
		{name: "forced classic", storeClassic: false, override: &yes, want: true},
		{name: "forced strict", storeClassic: true, override: &no, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := snapdtest.New()
			api.Classic["juju"] = tt.storeClassic
			h := NewSnapHandler(api, zerolog.Nop())

			if _, err := h.Install(context.Background(), Package{Name: "juju", Classic: tt.override}); err != nil {
				t.Fatalf("Install failed: %v", err)
			}
			if got := api.Options["juju"].Classic; got != tt.want {
				t.Errorf("Expected classic=%v, got %v", tt.want, got)
			}
		})
	}
}

func TestSnapInstall_PropagatesDaemonError(t *testing.T) {
	api := snapdtest.New()
	denied := errors.New("snapd API error: access denied")
	api.Fail("install jq", denied)
	h := NewSnapHandler(api, zerolog.Nop())

	_, err := h.Install(context.Background(), Package{Name: "jq"})
	if !errors.Is(err, denied) {
		t.Fatalf("Expected the daemon error to be wrapped, got: %v", err)
	}
}

func TestSnapRemove(t *testing.T) {
	api := snapdtest.New()
	api.Tracking["jq"] = "latest/stable"
	h := NewSnapHandler(api, zerolog.Nop())

	if err := h.Remove(context.Background(), "jq"); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if api.IsInstalled("jq") {
		t.Error("Expected jq to be removed")
	}

	// a second removal has nothing to do
	if err := h.Remove(context.Background(), "jq"); err != nil {
		t.Fatalf("Second remove failed: %v", err)
	}
	if n := len(api.CallLog()); n != 1 {
		t.Errorf("Expected a single remove call, got %d", n)
	}
}

func TestSnapConnect(t *testing.T) {
	api := snapdtest.New()
	h := NewSnapHandler(api, zerolog.Nop())

	conn, err := engine.ParseConnection("charmcraft:lxd lxd:lxd")
	if err != nil {
		t.Fatalf("ParseConnection failed: %v", err)
	}
	if err := h.Connect(context.Background(), conn); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if calls := api.CallLog(); len(calls) != 1 || calls[0] != "connect charmcraft:lxd lxd:lxd" {
		t.Errorf("Unexpected calls: %v", calls)
	}

	if err := h.Connect(context.Background(), engine.ConnectParams{}); !engine.IsConfiguration(err) {
		t.Errorf("Expected a configuration error for an empty plug, got: %v", err)
	}
}

func TestDebInstall(t *testing.T) {
	sys := system.NewMockSystem()
	h := NewDebHandler(sys, zerolog.Nop())

	res, err := h.Install(context.Background(), Package{Name: "python3-venv"})
	if err != nil {
		t.Fatalf("Install failed: %v", err)
	}
	if res.PreExisting {
		t.Error("Expected a fresh install")
	}

	want := []string{
		"dpkg-query -W -f=${Status} python3-venv",
		"apt-get update",
		"apt-get install -y python3-venv",
	}
	got := sys.Commands()
	if len(got) != len(want) {
		t.Fatalf("Expected commands %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("command[%d] = %q, want %q", i, got[i], want[i])
		}
	}

	// the cache is refreshed once per handler
	if _, err := h.Install(context.Background(), Package{Name: "python3-pip"}); err != nil {
		t.Fatalf("Install failed: %v", err)
	}
	updates := 0
	for _, c := range sys.Commands() {
		if c == "apt-get update" {
			updates++
		}
	}
	if updates != 1 {
		t.Errorf("Expected 1 apt-get update, got %d", updates)
	}
}

func TestDebInstall_AlreadyInstalled(t *testing.T) {
	sys := system.NewMockSystem()
	sys.MockCommandReturn("dpkg-query -W -f=${Status} iptables", "install ok installed")
	h := NewDebHandler(sys, zerolog.Nop())

	res, err := h.Install(context.Background(), Package{Name: "iptables"})
	if err != nil {
		t.Fatalf("Install failed: %v", err)
	}
	if !res.PreExisting || res.Action != ActionUnchanged {
		t.Errorf("Expected an unchanged pre-existing package, got %+v", res)
	}
	if sys.Ran("apt-get install -y iptables") {
		t.Error("apt-get install must not run for an installed package")
	}
}

func TestDebInstall_Debconf(t *testing.T) {
	sys := system.NewMockSystem()
	h := NewDebHandler(sys, zerolog.Nop())

	pkg := Package{Name: "postfix", Debconf: []string{
		"postfix postfix/main_mailer_type select No configuration",
	}}
	if _, err := h.Install(context.Background(), pkg); err != nil {
		t.Fatalf("Install failed: %v", err)
	}
	if got := sys.Inputs["debconf-set-selections"]; got != "postfix postfix/main_mailer_type select No configuration\n" {
		t.Errorf("Unexpected debconf input: %q", got)
	}
}

func TestDebInstall_LockFailureHasHint(t *testing.T) {
	sys := system.NewMockSystem()
	sys.MockCommandError("apt-get install -y jq", &system.CommandError{
		Command:  "apt-get install -y jq",
		ExitCode: 100,
		Output:   "E: Could not open lock file /var/lib/dpkg/lock-frontend",
	})
	h := NewDebHandler(sys, zerolog.Nop())

	_, err := h.Install(context.Background(), Package{Name: "jq"})
	var ce *system.CommandError
	if !errors.As(err, &ce) {
		t.Fatalf("Expected a CommandError, got: %v", err)
	}
	if ce.Hint() == "" {
		t.Error("Expected a permission hint")
	}
}

func TestDebRemove(t *testing.T) {
	sys := system.NewMockSystem()
	sys.MockCommandReturn("dpkg-query -W -f=${Status} jq", "install ok installed")
	h := NewDebHandler(sys, zerolog.Nop())

	if err := h.Remove(context.Background(), "jq"); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if !sys.Ran("apt-get remove -y jq") || !sys.Ran("apt-get autoremove -y") {
		t.Errorf("Expected remove and autoremove, got %v", sys.Commands())
	}
}

func TestDebIsInstalled_UnknownPackage(t *testing.T) {
	sys := system.NewMockSystem()
	sys.MockCommandError("dpkg-query -W -f=${Status} nope", &system.CommandError{ExitCode: 1})
	h := NewDebHandler(sys, zerolog.Nop())

	installed, err := h.IsInstalled(context.Background(), "nope")
	if err != nil {
		t.Fatalf("IsInstalled failed: %v", err)
	}
	if installed {
		t.Error("Expected an unknown package to be reported absent")
	}
}

func TestSnapRemove_StoreUnreachable(t *testing.T) {
	api := snapdtest.New()
	api.Fail("info jq", errors.New("snapd API error: unable to contact snap store"))
	h := NewSnapHandler(api, zerolog.Nop())

	if err := h.Remove(context.Background(), "jq"); err != nil {
		t.Fatalf("Removing an absent snap should succeed offline, got: %v", err)
	}
	if n := len(api.CallLog()); n != 0 {
		t.Errorf("Expected no mutating calls, got %v", api.CallLog())
	}
}

func TestParsePackage(t *testing.T) {
	pkg, err := ParsePackage("jq", json.RawMessage(`{"channel":"latest/edge"}`))
	if err != nil {
		t.Fatalf("ParsePackage failed: %v", err)
	}
	if pkg.Channel != "latest/edge" {
		t.Errorf("Expected channel latest/edge, got %q", pkg.Channel)
	}
	if pkg.Classic != nil {
		t.Errorf("Expected no classic override, got %v", *pkg.Classic)
	}

	pkg, err = ParsePackage("juju", json.RawMessage(`{"classic":true}`))
	if err != nil {
		t.Fatalf("ParsePackage failed: %v", err)
	}
	if pkg.Classic == nil || !*pkg.Classic {
		t.Error("Expected a classic override")
	}

	if _, err := ParsePackage("jq", json.RawMessage(`{"channel":`)); !engine.IsConfiguration(err) {
		t.Errorf("Expected a configuration error, got: %v", err)
	}
}

func TestParseSnapRef(t *testing.T) {
	tests := []struct {
		ref, name, channel string
	}{
		{"jq", "jq", ""},
		{"jq/latest/edge", "jq", "latest/edge"},
		{"juju/3.6/stable", "juju", "3.6/stable"},
	}
	for _, tt := range tests {
		got := ParseSnapRef(tt.ref)
		if got.Name != tt.name || got.Channel != tt.channel {
			t.Errorf("ParseSnapRef(%q) = %+v, want %s %s", tt.ref, got, tt.name, tt.channel)
		}
	}
}

func TestSetFor(t *testing.T) {
	set := Set{Snap: NewSnapHandler(snapdtest.New(), zerolog.Nop())}

	h, err := set.For(KindSnap)
	if err != nil || h.Kind() != KindSnap {
		t.Errorf("Expected the snap handler, got %v, %v", h, err)
	}
	if _, err := set.For(KindDeb); err == nil {
		t.Error("Expected an error for a missing deb handler")
	}
	if _, err := set.For(Kind("rpm")); !engine.IsConfiguration(err) {
		t.Errorf("Expected a configuration error for an unknown kind, got: %v", err)
	}
}

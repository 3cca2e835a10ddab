package providers

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/canonical/concierge/pkg/engine"
	"github.com/canonical/concierge/pkg/packages"
	"github.com/canonical/concierge/pkg/snapd/snapdtest"
	"github.com/canonical/concierge/pkg/system"
)

type fakeProbe struct {
	mu       sync.Mutex
	failures int
	calls    int
	seen     []string
}

func (p *fakeProbe) Probe(ctx context.Context, kubeconfig []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	p.seen = append(p.seen, string(kubeconfig))
	if p.calls <= p.failures {
		return errors.New("connection refused")
	}
	return nil
}

type fixture struct {
	sys   *system.MockSystem
	snapd *snapdtest.Fake
	probe *fakeProbe
	deps  Deps
}

func newFixture() *fixture {
	sys := system.NewMockSystem()
	api := snapdtest.New()
	probe := &fakeProbe{}
	return &fixture{
		sys:   sys,
		snapd: api,
		probe: probe,
		deps: Deps{
			Worker: sys,
			Snaps:  packages.NewSnapHandler(api, zerolog.Nop()),
			Debs:   packages.NewDebHandler(sys, zerolog.Nop()),
			Probe:  probe,
			Logger: zerolog.Nop(),
		},
	}
}

func (f *fixture) provider(t *testing.T, kind Kind, cfg Config) Provider {
	t.Helper()
	p, err := New(kind, cfg, f.deps)
	if err != nil {
		t.Fatalf("New(%s) failed: %v", kind, err)
	}
	return p
}

func countCalls(calls []string, call string) int {
	n := 0
	for _, c := range calls {
		if c == call {
			n++
		}
	}
	return n
}

func TestNew_UnknownKind(t *testing.T) {
	_, err := New(Kind("openstack"), Config{}, newFixture().deps)
	if !engine.IsConfiguration(err) {
		t.Fatalf("Expected a configuration error, got: %v", err)
	}
}

func TestProviderIdentity(t *testing.T) {
	f := newFixture()
	tests := []struct {
		kind  Kind
		cfg   Config
		cloud string
		group string
	}{
		{KindLXD, Config{}, "localhost", "lxd"},
		{KindMicroK8s, Config{}, "microk8s", "snap_microk8s"},
		{KindMicroK8s, Config{Channel: "1.31/stable"}, "microk8s", "microk8s"},
		{KindK8s, Config{}, "k8s", ""},
		{KindGoogle, Config{}, "google", ""},
	}
	for _, tt := range tests {
		t.Run(string(tt.kind)+"/"+tt.cfg.Channel, func(t *testing.T) {
			p := f.provider(t, tt.kind, tt.cfg)
			if p.Name() != string(tt.kind) {
				t.Errorf("Name() = %q", p.Name())
			}
			if p.CloudName() != tt.cloud {
				t.Errorf("CloudName() = %q, want %q", p.CloudName(), tt.cloud)
			}
			if p.GroupName() != tt.group {
				t.Errorf("GroupName() = %q, want %q", p.GroupName(), tt.group)
			}
		})
	}
}

func TestLXD_PrepareFresh(t *testing.T) {
	f := newFixture()
	p := f.provider(t, KindLXD, Config{Channel: "5.21/stable"})

	out, err := Prepare(context.Background(), p, time.Second)
	if err != nil {
		t.Fatalf("Prepare failed: %v", err)
	}
	if out.PreExisting {
		t.Error("A fresh LXD must not be reported pre-existing")
	}
	if f.snapd.Tracking["lxd"] != "5.21/stable" {
		t.Errorf("Expected lxd on 5.21/stable, got %q", f.snapd.Tracking["lxd"])
	}

	for _, cmd := range []string{
		"lxd waitready --timeout 270",
		"lxd init --minimal",
		"lxc network set lxdbr0 ipv6.address none",
		"chmod a+wr /var/snap/lxd/common/lxd/unix.socket",
		"usermod -a -G lxd ubuntu",
		"iptables -F FORWARD",
		"iptables -P FORWARD ACCEPT",
	} {
		if !f.sys.Ran(cmd) {
			t.Errorf("Expected %q to run", cmd)
		}
	}
	if n := countCalls(f.snapd.CallLog(), "start lxd.daemon"); n != 1 {
		t.Errorf("Expected the daemon to be started once, got %d", n)
	}
}

func TestLXD_AdoptsMatchingChannel(t *testing.T) {
	f := newFixture()
	f.snapd.Tracking["lxd"] = "5.21/stable"
	f.snapd.Active["lxd.daemon"] = true
	p := f.provider(t, KindLXD, Config{Channel: "5.21/stable"})

	out, err := Prepare(context.Background(), p, time.Second)
	if err != nil {
		t.Fatalf("Prepare failed: %v", err)
	}
	if !out.PreExisting {
		t.Error("Expected LXD on the requested channel to be adopted")
	}
	for _, c := range f.snapd.CallLog() {
		if strings.HasPrefix(c, "install") || strings.HasPrefix(c, "refresh") || strings.HasPrefix(c, "st") {
			t.Errorf("Unexpected snapd call for an adopted LXD: %s", c)
		}
	}
}

func TestLXD_ChannelChangeRestartsOnce(t *testing.T) {
	f := newFixture()
	f.snapd.Tracking["lxd"] = "5.0/stable"
	f.snapd.Active["lxd.daemon"] = true
	p := f.provider(t, KindLXD, Config{Channel: "5.21/stable"})

	out, err := Prepare(context.Background(), p, time.Second)
	if err != nil {
		t.Fatalf("Prepare failed: %v", err)
	}
	if out.PreExisting {
		t.Error("An LXD on another channel is not adopted")
	}

	want := []string{"stop lxd.daemon", "refresh lxd", "start lxd.daemon"}
	calls := f.snapd.CallLog()
	if len(calls) != len(want) {
		t.Fatalf("Expected calls %v, got %v", want, calls)
	}
	for i := range want {
		if calls[i] != want[i] {
			t.Errorf("call[%d] = %q, want %q", i, calls[i], want[i])
		}
	}
}

func TestLXD_ConfigureFailureIsFatal(t *testing.T) {
	f := newFixture()
	f.sys.MockCommandError("lxd init --minimal", &system.CommandError{Command: "lxd init --minimal", ExitCode: 1})
	p := f.provider(t, KindLXD, Config{})

	err := p.Configure(context.Background())
	if !engine.IsFatal(err) {
		t.Fatalf("Expected a fatal error, got: %v", err)
	}
	var ee *engine.EngineError
	if !errors.As(err, &ee) || ee.Code != engine.ErrCodeProviderFailed {
		t.Errorf("Expected code %s, got %v", engine.ErrCodeProviderFailed, err)
	}
	if f.sys.Ran("usermod -a -G lxd ubuntu") {
		t.Error("Configuration must stop at the first failure")
	}
}

func TestLXD_Teardown(t *testing.T) {
	f := newFixture()
	f.snapd.Tracking["lxd"] = "latest/stable"
	p := f.provider(t, KindLXD, Config{})

	if err := p.Teardown(context.Background()); err != nil {
		t.Fatalf("Teardown failed: %v", err)
	}
	if f.snapd.IsInstalled("lxd") {
		t.Error("Expected lxd to be removed")
	}
}

func TestMicroK8s_Prepare(t *testing.T) {
	f := newFixture()
	f.snapd.StoreChannels["microk8s"] = []string{"1.30-strict/stable", "1.31-strict/stable", "1.31/stable", "1.32-strict/edge"}
	f.sys.MockCommandReturn("microk8s config", "apiVersion: v1\nkind: Config\n")
	f.probe.failures = 1
	p := f.provider(t, KindMicroK8s, Config{Addons: []string{"dns", "metallb"}})

	out, err := Prepare(context.Background(), p, 10*time.Second)
	if err != nil {
		t.Fatalf("Prepare failed: %v", err)
	}
	if out.PreExisting {
		t.Error("A fresh MicroK8s must not be reported pre-existing")
	}
	if f.snapd.Tracking["microk8s"] != "1.31-strict/stable" {
		t.Errorf("Expected the newest strict stable channel, got %q", f.snapd.Tracking["microk8s"])
	}
	if f.snapd.Tracking["kubectl"] != "stable" {
		t.Errorf("Expected kubectl on stable, got %q", f.snapd.Tracking["kubectl"])
	}
	for _, cmd := range []string{
		"microk8s status --wait-ready --timeout 270",
		"microk8s enable dns",
		"microk8s enable metallb:10.64.140.43-10.64.140.49",
		"usermod -a -G snap_microk8s ubuntu",
	} {
		if !f.sys.Ran(cmd) {
			t.Errorf("Expected %q to run", cmd)
		}
	}
	if f.sys.CreatedFiles[".kube/config"] != "apiVersion: v1\nkind: Config\n" {
		t.Errorf("Unexpected kubeconfig: %q", f.sys.CreatedFiles[".kube/config"])
	}
	if f.probe.calls != 2 {
		t.Errorf("Expected the probe to be retried once, got %d calls", f.probe.calls)
	}
}

func TestMicroK8s_DefaultChannelWhenStoreUnavailable(t *testing.T) {
	f := newFixture()
	p := f.provider(t, KindMicroK8s, Config{}).(*MicroK8s)

	if ch := p.Channel(context.Background()); ch != DefaultMicroK8sChannel {
		t.Errorf("Expected %s, got %s", DefaultMicroK8sChannel, ch)
	}
}

func TestMicroK8s_AdoptsRunningRuntime(t *testing.T) {
	tests := []struct {
		name    string
		active  bool
		present bool
	}{
		{"runtime active", true, true},
		{"runtime stopped", false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			f.snapd.Tracking["microk8s"] = "1.32-strict/stable"
			f.snapd.Active["microk8s.daemon-containerd"] = tt.active
			p := f.provider(t, KindMicroK8s, Config{})

			present, err := p.Present(context.Background())
			if err != nil {
				t.Fatalf("Present failed: %v", err)
			}
			if present != tt.present {
				t.Errorf("Present() = %v, want %v", present, tt.present)
			}
		})
	}
}

func TestMicroK8s_Teardown(t *testing.T) {
	f := newFixture()
	f.snapd.Tracking["microk8s"] = "1.32-strict/stable"
	f.snapd.Tracking["kubectl"] = "stable"
	p := f.provider(t, KindMicroK8s, Config{})

	if err := p.Teardown(context.Background()); err != nil {
		t.Fatalf("Teardown failed: %v", err)
	}
	if f.snapd.IsInstalled("microk8s") || f.snapd.IsInstalled("kubectl") {
		t.Error("Expected both snaps to be removed")
	}
	if removed := f.sys.Removed(); len(removed) != 1 || removed[0] != ".kube" {
		t.Errorf("Expected .kube to be removed, got %v", removed)
	}
}

func TestKubernetes_KeepsPreinstalledKubectl(t *testing.T) {
	for _, kind := range []Kind{KindMicroK8s, KindK8s} {
		t.Run(string(kind), func(t *testing.T) {
			f := newFixture()
			f.snapd.Tracking["kubectl"] = "1.31/stable"
			p := f.provider(t, kind, Config{})

			if err := p.Install(context.Background()); err != nil {
				t.Fatalf("Install failed: %v", err)
			}
			cfg := p.Config()
			if len(cfg.KeepSnaps) != 1 || cfg.KeepSnaps[0] != "kubectl" {
				t.Fatalf("Expected kubectl to be kept, got %v", cfg.KeepSnaps)
			}

			// teardown runs from the recorded configuration
			restored := f.provider(t, kind, cfg)
			if err := restored.Teardown(context.Background()); err != nil {
				t.Fatalf("Teardown failed: %v", err)
			}
			if !f.snapd.IsInstalled("kubectl") {
				t.Error("Expected the pre-existing kubectl to survive teardown")
			}
			if f.snapd.IsInstalled(string(kind)) {
				t.Errorf("Expected %s to be removed", kind)
			}
		})
	}
}

func TestKubernetes_FreshKubectlIsNotKept(t *testing.T) {
	f := newFixture()
	p := f.provider(t, KindMicroK8s, Config{})

	if err := p.Install(context.Background()); err != nil {
		t.Fatalf("Install failed: %v", err)
	}
	if keep := p.Config().KeepSnaps; len(keep) != 0 {
		t.Errorf("Expected nothing kept, got %v", keep)
	}
	if ch := p.Config().Channel; ch != DefaultMicroK8sChannel {
		t.Errorf("Expected the resolved channel %s in the config, got %q", DefaultMicroK8sChannel, ch)
	}
}

func TestK8s_PrepareInstallsIptablesWhenMissing(t *testing.T) {
	f := newFixture()
	f.sys.MockCommandError("which iptables", &system.CommandError{Command: "which iptables", ExitCode: 1})
	f.sys.MockCommandError("k8s status", &system.CommandError{
		Command: "k8s status", ExitCode: 1,
		Output: "Error: The node is not part of a Kubernetes cluster.",
	})
	p := f.provider(t, KindK8s, Config{Features: map[string]map[string]string{
		"load-balancer": {"l2-mode": "true", "cidrs": "10.43.45.0/28"},
		"local-storage": {},
	}})

	if _, err := Prepare(context.Background(), p, time.Second); err != nil {
		t.Fatalf("Prepare failed: %v", err)
	}

	if !f.sys.Ran("apt-get install -y iptables") {
		t.Error("Expected iptables to be installed")
	}
	if f.snapd.Tracking["k8s"] != DefaultK8sChannel {
		t.Errorf("Expected k8s on %s, got %q", DefaultK8sChannel, f.snapd.Tracking["k8s"])
	}

	want := []string{
		"k8s bootstrap",
		"k8s status --wait-ready --timeout 270s",
		"k8s set load-balancer.cidrs=10.43.45.0/28",
		"k8s set load-balancer.l2-mode=true",
		"k8s enable load-balancer",
		"k8s enable local-storage",
		"k8s kubectl config view --raw",
	}
	var got []string
	for _, c := range f.sys.Commands() {
		if strings.HasPrefix(c, "k8s ") && c != "k8s status" {
			got = append(got, c)
		}
	}
	if len(got) != len(want) {
		t.Fatalf("Expected k8s commands %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("command[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestK8s_SkipsBootstrapWhenClustered(t *testing.T) {
	f := newFixture()
	p := f.provider(t, KindK8s, Config{Channel: "1.33-classic/stable"})

	if err := p.Configure(context.Background()); err != nil {
		t.Fatalf("Configure failed: %v", err)
	}
	if f.sys.Ran("k8s bootstrap") {
		t.Error("k8s bootstrap must not run on a clustered node")
	}
	if f.sys.Ran("apt-get install -y iptables") {
		t.Error("iptables must not be installed during Configure")
	}
}

func TestK8s_StatusErrorPropagates(t *testing.T) {
	f := newFixture()
	f.sys.MockCommandError("k8s status", &system.CommandError{Command: "k8s status", ExitCode: 1, Output: "daemon crashed"})
	p := f.provider(t, KindK8s, Config{})

	if err := p.Configure(context.Background()); err == nil {
		t.Fatal("Expected an error")
	}
	if f.sys.Ran("k8s bootstrap") {
		t.Error("Unknown status errors must not trigger a bootstrap")
	}
}

func TestGoogle_Credentials(t *testing.T) {
	f := newFixture()
	f.sys.Files["/creds/google.yaml"] = "auth-type: jsonfile\nfile: /creds/key.json\n"
	f.sys.Files["/creds/key.json"] = `{"type":"service_account","client_email":"ci@example.iam.gserviceaccount.com","private_key":"key","project_id":"ci"}`
	p := f.provider(t, KindGoogle, Config{CredentialsFile: "/creds/google.yaml", Bootstrap: true})

	if _, err := Prepare(context.Background(), p, time.Second); err != nil {
		t.Fatalf("Prepare failed: %v", err)
	}
	creds, err := p.Credentials(context.Background())
	if err != nil {
		t.Fatalf("Credentials failed: %v", err)
	}
	if creds["auth-type"] != "jsonfile" || creds["file"] != "/creds/key.json" {
		t.Errorf("Unexpected credentials: %v", creds)
	}
	if !p.Bootstrap() {
		t.Error("Expected bootstrap to be requested")
	}
}

func TestGoogle_InvalidCredentials(t *testing.T) {
	tests := []struct {
		name  string
		files map[string]string
	}{
		{"missing file", map[string]string{}},
		{"not a mapping", map[string]string{"/creds/google.yaml": "- a\n- b\n"}},
		{"bad key", map[string]string{
			"/creds/google.yaml": "auth-type: jsonfile\nfile: /creds/key.json\n",
			"/creds/key.json":    "{not json",
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			for k, v := range tt.files {
				f.sys.Files[k] = v
			}
			p := f.provider(t, KindGoogle, Config{CredentialsFile: "/creds/google.yaml"})

			if err := p.Configure(context.Background()); !engine.IsConfiguration(err) {
				t.Errorf("Expected a configuration error, got: %v", err)
			}
		})
	}
}

func TestGoogle_NoCredentialsFile(t *testing.T) {
	p := newFixture().provider(t, KindGoogle, Config{})

	creds, err := p.Credentials(context.Background())
	if err != nil {
		t.Fatalf("Credentials failed: %v", err)
	}
	if creds != nil {
		t.Errorf("Expected no credentials, got %v", creds)
	}
}

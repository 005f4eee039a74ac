package libvirt

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/cochaviz/crate/internal/cloud"
	"github.com/cochaviz/crate/internal/logging"
	"github.com/cochaviz/crate/internal/models"

	"github.com/kdomanski/iso9660"
	libvirt "libvirt.org/go/libvirt"
)

func stubQemuImg(t *testing.T) {
	t.Helper()

	script := filepath.Join(t.TempDir(), "qemu-img")
	body := "#!/bin/sh\nfor last; do :; done\ntouch \"$last\"\n"
	if err := os.WriteFile(script, []byte(body), 0o755); err != nil {
		t.Fatalf("write qemu-img stub: %v", err)
	}
	orig := qemuImgPath
	qemuImgPath = func() (string, error) { return script, nil }
	t.Cleanup(func() { qemuImgPath = orig })
}

func newProvider(t *testing.T) *Provider {
	t.Helper()

	imageDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(imageDir, "ubuntu-jammy.qcow2"), []byte("base"), 0o644); err != nil {
		t.Fatalf("write base image: %v", err)
	}
	return &Provider{
		ConnectionURI: "test:///default",
		ImageDir:      imageDir,
		BaseDir:       t.TempDir(),
		Network:       "crate",
		Flavors:       map[string]Flavor{"large": {VCPUs: 8, MemoryMB: 16384}},
		Logger:        logging.Discard(),
	}
}

func TestCreatePreparesDisksAndStartsDomain(t *testing.T) {
	stubQemuImg(t)
	provider := newProvider(t)

	var gotXML string
	orig := createDomain
	createDomain = func(uri, xml string) error {
		gotXML = xml
		return nil
	}
	t.Cleanup(func() { createDomain = orig })

	inst, err := provider.Create(context.Background(), models.InstanceSpec{
		Name:     "abc123-ubuntu-jammy-x86_64-default",
		Image:    "ubuntu-jammy",
		Flavor:   "large",
		OwnerTag: "10.0.0.1",
		UserData: []byte("#cloud-config\nruncmd: [echo READYTORUN]\n"),
	})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if inst.Name != "abc123-ubuntu-jammy-x86_64-default" || !cloud.IsActive(inst.Status) {
		t.Fatalf("unexpected instance: %+v", inst)
	}

	runDir := filepath.Join(provider.BaseDir, inst.Name)
	for _, name := range []string{"disk.qcow2", "seed.iso", "domain.xml"} {
		if _, err := os.Stat(filepath.Join(runDir, name)); err != nil {
			t.Fatalf("expected %s in run directory: %v", name, err)
		}
	}
	for _, want := range []string{
		"<name>abc123-ubuntu-jammy-x86_64-default</name>",
		"<crate:owner>10.0.0.1</crate:owner>",
		"<memory unit='MiB'>16384</memory>",
		"<vcpu>8</vcpu>",
		"<source network='crate'/>",
		filepath.Join(runDir, "seed.iso"),
	} {
		if !strings.Contains(gotXML, want) {
			t.Fatalf("domain xml missing %q:\n%s", want, gotXML)
		}
	}
}

func TestCreateFailsWithoutBaseImage(t *testing.T) {
	stubQemuImg(t)
	provider := newProvider(t)

	_, err := provider.Create(context.Background(), models.InstanceSpec{
		Name:  "missing",
		Image: "does-not-exist",
	})
	if !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("Create() error = %v, want os.ErrNotExist", err)
	}
}

func TestPrimaryAddressUsesLeases(t *testing.T) {
	provider := newProvider(t)

	orig := domainInterfaces
	domainInterfaces = func(uri, name string) ([]libvirt.DomainInterface, error) {
		return []libvirt.DomainInterface{
			{Name: "vnet0", Addrs: []libvirt.DomainIPAddress{
				{Addr: "fe80::5054:ff:fe12:3456"},
				{Addr: "192.168.122.44"},
			}},
		}, nil
	}
	t.Cleanup(func() { domainInterfaces = orig })

	addr, err := provider.PrimaryAddress(context.Background(), "build")
	if err != nil {
		t.Fatalf("PrimaryAddress() error = %v", err)
	}
	if addr != "192.168.122.44" {
		t.Fatalf("PrimaryAddress() = %q, want 192.168.122.44", addr)
	}
}

func TestPrimaryAddressWithoutLease(t *testing.T) {
	provider := newProvider(t)

	orig := domainInterfaces
	domainInterfaces = func(uri, name string) ([]libvirt.DomainInterface, error) {
		return []libvirt.DomainInterface{{Name: "vnet0"}}, nil
	}
	t.Cleanup(func() { domainInterfaces = orig })

	if _, err := provider.PrimaryAddress(context.Background(), "build"); !errors.Is(err, cloud.ErrNoAddressFound) {
		t.Fatalf("PrimaryAddress() error = %v, want ErrNoAddressFound", err)
	}
}

func TestStatusMapsDomainState(t *testing.T) {
	provider := newProvider(t)

	orig := domainState
	domainState = func(uri, name string) (libvirt.DomainState, error) {
		return libvirt.DOMAIN_RUNNING, nil
	}
	t.Cleanup(func() { domainState = orig })

	status, err := provider.Status(context.Background(), "build")
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if !cloud.IsActive(status) {
		t.Fatalf("Status() = %q, want an active status", status)
	}
}

func TestDestroyRemovesRunDirectoryWhenDomainIsGone(t *testing.T) {
	provider := newProvider(t)
	runDir := filepath.Join(provider.BaseDir, "build")
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	orig := destroyDomain
	destroyDomain = func(uri, name string) error {
		return fmt.Errorf("%w: %s", cloud.ErrInstanceNotFound, name)
	}
	t.Cleanup(func() { destroyDomain = orig })

	err := provider.Destroy(context.Background(), "build")
	if !errors.Is(err, cloud.ErrInstanceNotFound) {
		t.Fatalf("Destroy() error = %v, want ErrInstanceNotFound", err)
	}
	if _, err := os.Stat(runDir); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("run directory still present: %v", err)
	}
}

func TestWriteSeedISOContainsNoCloudFiles(t *testing.T) {
	t.Parallel()

	path, err := writeSeedISO(filepath.Join(t.TempDir(), "seed.iso"), models.InstanceSpec{
		Name:     "repo",
		UserData: []byte("#cloud-config\n"),
	})
	if err != nil {
		t.Fatalf("writeSeedISO() error = %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open iso file: %v", err)
	}
	defer f.Close()

	image, err := iso9660.OpenImage(f)
	if err != nil {
		t.Fatalf("open iso image: %v", err)
	}
	root, err := image.RootDir()
	if err != nil {
		t.Fatalf("get iso root: %v", err)
	}
	children, err := root.GetChildren()
	if err != nil {
		t.Fatalf("list iso root: %v", err)
	}

	found := map[string]bool{}
	for _, child := range children {
		name := strings.ToLower(child.Name())
		for _, want := range []string{"user-data", "meta-data"} {
			if strings.HasPrefix(name, want) {
				found[want] = true
			}
		}
	}
	if !found["user-data"] || !found["meta-data"] {
		t.Fatalf("seed iso is missing NoCloud files, found %v", found)
	}
}

func TestFlavorFallsBackToDefault(t *testing.T) {
	t.Parallel()

	p := &Provider{Flavors: map[string]Flavor{"broken": {VCPUs: 0, MemoryMB: 512}}}
	if got := p.flavor("broken"); got != DefaultFlavor {
		t.Fatalf("flavor(broken) = %+v, want default", got)
	}
	if got := p.flavor("unknown"); got != DefaultFlavor {
		t.Fatalf("flavor(unknown) = %+v, want default", got)
	}
}

func TestTemplateDataNormalizesArch(t *testing.T) {
	t.Parallel()

	for in, want := range map[string]string{"": "x86_64", "amd64": "x86_64", "arm64": "aarch64"} {
		p := &Provider{Arch: in}
		if got := p.templateData(models.InstanceSpec{Name: "n"}, "o.qcow2", "s.iso").Arch; got != want {
			t.Fatalf("templateData(arch %q).Arch = %q, want %q", in, got, want)
		}
	}
}

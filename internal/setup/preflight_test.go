package setup

import (
	"errors"
	"net"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"github.com/vishvananda/netlink"

	"github.com/cochaviz/crate/internal/config"
)

func stubLookPath(t *testing.T, present ...string) {
	t.Helper()
	orig := lookPath
	lookPath = func(name string) (string, error) {
		if slices.Contains(present, name) {
			return "/usr/bin/" + name, nil
		}
		return "", errors.New("not found")
	}
	t.Cleanup(func() { lookPath = orig })
}

func stubLink(t *testing.T, link netlink.Link, err error) {
	t.Helper()
	orig := linkByName
	linkByName = func(string) (netlink.Link, error) { return link, err }
	t.Cleanup(func() { linkByName = orig })
}

func TestRequirementsFor(t *testing.T) {
	cfg := config.Default(t.TempDir())
	req := RequirementsFor(cfg)
	if !slices.Contains(req.Binaries, "openstack") || slices.Contains(req.Binaries, "qemu-img") {
		t.Fatalf("openstack binaries = %v", req.Binaries)
	}
	if req.Bridge != "" {
		t.Fatalf("openstack must not require a bridge")
	}

	cfg.Provider = config.ProviderLibvirt
	cfg.Libvirt.Bridge = "virbr0"
	req = RequirementsFor(cfg)
	if !slices.Contains(req.Binaries, "qemu-img") || req.Bridge != "virbr0" {
		t.Fatalf("libvirt requirements = %+v", req)
	}
	if !slices.Contains(req.Dirs, cfg.Libvirt.RunDir) {
		t.Fatalf("libvirt run dir missing from %v", req.Dirs)
	}
}

func TestVerifyReportsAllMissingBinaries(t *testing.T) {
	stubLookPath(t, "ssh")

	err := Verify(Requirements{Binaries: []string{"ssh", "scp", "openstack"}})
	if err == nil {
		t.Fatal("Verify() error = nil with missing binaries")
	}
	for _, want := range []string{"scp", "openstack"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("Verify() error %q does not mention %s", err, want)
		}
	}
}

func TestVerifyCreatesDirectories(t *testing.T) {
	stubLookPath(t)

	dir := filepath.Join(t.TempDir(), "a", "b")
	if err := Verify(Requirements{Dirs: []string{dir}}); err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
}

func TestVerifyBridge(t *testing.T) {
	stubLookPath(t)

	up := &netlink.Bridge{LinkAttrs: netlink.LinkAttrs{Name: "virbr0", Flags: net.FlagUp}}
	stubLink(t, up, nil)
	if err := Verify(Requirements{Bridge: "virbr0"}); err != nil {
		t.Fatalf("Verify() error = %v", err)
	}

	down := &netlink.Bridge{LinkAttrs: netlink.LinkAttrs{Name: "virbr0"}}
	stubLink(t, down, nil)
	if err := Verify(Requirements{Bridge: "virbr0"}); err == nil || !strings.Contains(err.Error(), "down") {
		t.Fatalf("Verify() error = %v, want bridge down", err)
	}

	stubLink(t, nil, netlink.LinkNotFoundError{})
	if err := Verify(Requirements{Bridge: "virbr0"}); err == nil || !strings.Contains(err.Error(), "does not exist") {
		t.Fatalf("Verify() error = %v, want missing bridge", err)
	}
}

func TestLocalAddressSkipsLoopbackAndIPv6(t *testing.T) {
	orig := addrList
	t.Cleanup(func() { addrList = orig })

	mustAddr := func(cidr string) netlink.Addr {
		addr, err := netlink.ParseAddr(cidr)
		if err != nil {
			t.Fatalf("ParseAddr(%q) error = %v", cidr, err)
		}
		return *addr
	}
	addrList = func() ([]netlink.Addr, error) {
		return []netlink.Addr{
			mustAddr("127.0.0.1/8"),
			mustAddr("fe80::1/64"),
			mustAddr("192.168.10.4/24"),
			mustAddr("10.0.0.2/8"),
		}, nil
	}
	got, err := LocalAddress()
	if err != nil {
		t.Fatalf("LocalAddress() error = %v", err)
	}
	if got != "192.168.10.4" {
		t.Fatalf("LocalAddress() = %q, want 192.168.10.4", got)
	}

	addrList = func() ([]netlink.Addr, error) {
		return []netlink.Addr{mustAddr("127.0.0.1/8")}, nil
	}
	if _, err := LocalAddress(); err == nil {
		t.Fatal("LocalAddress() error = nil with only loopback")
	}
}

package setup

import (
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"syscall"

	"github.com/samber/lo"
	"github.com/vishvananda/netlink"

	"github.com/cochaviz/crate/internal/config"
)

// Requirements lists what the host must provide.
type Requirements struct {
	Binaries []string
	// Dirs must exist or be creatable.
	Dirs []string
	// Bridge, when set, must exist and be up.
	Bridge string
}

// Host lookups, replaced in tests.
var (
	lookPath   = exec.LookPath
	linkByName = netlink.LinkByName
	addrList   = func() ([]netlink.Addr, error) {
		return netlink.AddrList(nil, netlink.FAMILY_V4)
	}
)

// RequirementsFor derives the requirements of cfg.
func RequirementsFor(cfg config.Config) Requirements {
	req := Requirements{
		Binaries: []string{"ssh", "scp", "ssh-agent", "ssh-add"},
		Dirs:     []string{cfg.StampDir},
	}
	switch cfg.Provider {
	case config.ProviderOpenStack:
		req.Binaries = append(req.Binaries, cfg.OpenStack.Binary)
	case config.ProviderLibvirt:
		req.Binaries = append(req.Binaries, "qemu-img")
		req.Dirs = append(req.Dirs, cfg.Libvirt.RunDir)
		req.Bridge = cfg.Libvirt.Bridge
	}
	req.Binaries = lo.Uniq(lo.Compact(req.Binaries))
	req.Dirs = lo.Uniq(lo.Compact(req.Dirs))
	return req
}

// Verify reports every unmet requirement at once.
func Verify(req Requirements) error {
	var errs []error
	for _, bin := range req.Binaries {
		if _, err := lookPath(bin); err != nil {
			errs = append(errs, fmt.Errorf("required binary %s not found in PATH", bin))
		}
	}
	for _, dir := range req.Dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			errs = append(errs, fmt.Errorf("directory %s is not usable: %w", dir, err))
		}
	}
	if req.Bridge != "" {
		if err := checkBridge(req.Bridge); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}
	getLogger().Debug("preflight passed", "binaries", req.Binaries, "bridge", req.Bridge)
	return nil
}

func checkBridge(name string) error {
	link, err := linkByName(name)
	if err != nil {
		if isLinkNotFound(err) {
			return fmt.Errorf("bridge %s does not exist", name)
		}
		return fmt.Errorf("look up bridge %s: %w", name, err)
	}
	attrs := link.Attrs()
	if attrs.Flags&net.FlagUp == 0 {
		return fmt.Errorf("bridge %s is down", name)
	}
	return nil
}

func isLinkNotFound(err error) bool {
	if errors.Is(err, os.ErrNotExist) || errors.Is(err, syscall.ENOENT) || errors.Is(err, syscall.ENODEV) {
		return true
	}
	var notFound netlink.LinkNotFoundError
	return errors.As(err, &notFound)
}

// LocalAddress returns the first global unicast IPv4 address of the host.
// Instances are tagged with it so their owner can be traced.
func LocalAddress() (string, error) {
	addrs, err := addrList()
	if err != nil {
		return "", fmt.Errorf("list local addresses: %w", err)
	}
	usable := lo.Filter(addrs, func(a netlink.Addr, _ int) bool {
		return a.IPNet != nil && a.IP.To4() != nil && a.IP.IsGlobalUnicast()
	})
	if len(usable) == 0 {
		return "", errors.New("no global IPv4 address on this host")
	}
	return usable[0].IP.String(), nil
}

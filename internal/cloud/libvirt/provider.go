// Package libvirt runs build agents as transient domains on a local
// hypervisor. It is a drop-in for the OpenStack backend when no cloud is
// available: images are qcow2 files, user-data is delivered on a cloud-init
// NoCloud seed ISO, and addresses come from the network's DHCP leases.
package libvirt

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cochaviz/crate/internal/cloud"
	"github.com/cochaviz/crate/internal/models"

	libvirt "libvirt.org/go/libvirt"
)

var _ cloud.Provider = (*Provider)(nil)

//go:embed domain.xml.tmpl
var domainTemplate string

// Flavor is the hardware profile a flavor name resolves to.
type Flavor struct {
	VCPUs    int `yaml:"vcpus" json:"vcpus"`
	MemoryMB int `yaml:"memory_mb" json:"memory_mb"`
}

// DefaultFlavor is used when a flavor name is not configured.
var DefaultFlavor = Flavor{VCPUs: 2, MemoryMB: 4096}

// Provider implements cloud.Provider against a libvirt connection.
type Provider struct {
	ConnectionURI string
	// ImageDir holds base images named <image>.qcow2.
	ImageDir string
	// BaseDir receives one run directory per instance (overlay, seed, XML).
	BaseDir string
	Network string
	Arch    string
	Flavors map[string]Flavor
	Logger  *slog.Logger
}

// Indirections over the libvirt API so tests can stand in for a hypervisor.
var (
	createDomain = func(uri, xml string) error {
		conn, err := libvirt.NewConnect(uri)
		if err != nil {
			return fmt.Errorf("open libvirt connection %s: %w", uri, err)
		}
		defer conn.Close()
		dom, err := conn.DomainCreateXML(xml, libvirt.DOMAIN_NONE)
		if err != nil {
			return err
		}
		return dom.Free()
	}
	domainState = func(uri, name string) (libvirt.DomainState, error) {
		var state libvirt.DomainState
		err := withDomain(uri, name, func(dom *libvirt.Domain) error {
			s, _, err := dom.GetState()
			state = s
			return err
		})
		return state, err
	}
	domainInterfaces = func(uri, name string) ([]libvirt.DomainInterface, error) {
		var ifaces []libvirt.DomainInterface
		err := withDomain(uri, name, func(dom *libvirt.Domain) error {
			var err error
			ifaces, err = dom.ListAllInterfaceAddresses(libvirt.DOMAIN_INTERFACE_ADDRESSES_SRC_LEASE)
			return err
		})
		return ifaces, err
	}
	destroyDomain = func(uri, name string) error {
		return withDomain(uri, name, func(dom *libvirt.Domain) error {
			return dom.Destroy()
		})
	}
)

func withDomain(uri, name string, fn func(dom *libvirt.Domain) error) error {
	conn, err := libvirt.NewConnect(uri)
	if err != nil {
		return fmt.Errorf("open libvirt connection %s: %w", uri, err)
	}
	defer conn.Close()

	dom, err := conn.LookupDomainByName(name)
	if err != nil {
		if isLibvirtError(err, libvirt.ERR_NO_DOMAIN) {
			return fmt.Errorf("%w: %s", cloud.ErrInstanceNotFound, name)
		}
		return fmt.Errorf("lookup domain %s: %w", name, err)
	}
	defer dom.Free()
	return fn(dom)
}

func (p *Provider) logger() *slog.Logger {
	if p != nil && p.Logger != nil {
		return p.Logger
	}
	return slog.Default()
}

// Create prepares the instance's disks and starts a transient domain.
func (p *Provider) Create(ctx context.Context, spec models.InstanceSpec) (models.Instance, error) {
	if err := ctx.Err(); err != nil {
		return models.Instance{}, err
	}
	if strings.TrimSpace(spec.Name) == "" {
		return models.Instance{}, errors.New("instance name is required")
	}
	if p.BaseDir == "" || p.ConnectionURI == "" {
		return models.Instance{}, errors.New("libvirt provider BaseDir and ConnectionURI must be configured")
	}

	logger := p.logger().With("instance", spec.Name, "image", spec.Image, "flavor", spec.Flavor)

	runDir, err := ensureRunDirectory(filepath.Join(p.BaseDir, spec.Name))
	if err != nil {
		return models.Instance{}, err
	}

	base, err := p.baseImage(spec.Image)
	if err != nil {
		return models.Instance{}, err
	}
	overlay, err := createDiskOverlay(ctx, base, filepath.Join(runDir, "disk.qcow2"))
	if err != nil {
		return models.Instance{}, fmt.Errorf("prepare overlay for %s: %w", spec.Name, err)
	}
	seed, err := writeSeedISO(filepath.Join(runDir, "seed.iso"), spec)
	if err != nil {
		return models.Instance{}, fmt.Errorf("prepare seed for %s: %w", spec.Name, err)
	}

	xml, err := renderDomainXML(domainTemplate, p.templateData(spec, overlay, seed))
	if err != nil {
		return models.Instance{}, err
	}
	if err := os.WriteFile(filepath.Join(runDir, "domain.xml"), xml, 0o644); err != nil {
		return models.Instance{}, fmt.Errorf("write domain definition: %w", err)
	}

	logger.Info("starting transient domain", "run_dir", runDir)
	if err := createDomain(p.ConnectionURI, string(xml)); err != nil {
		return models.Instance{}, fmt.Errorf("create domain %s: %w", spec.Name, err)
	}

	return models.Instance{
		ID:        spec.Name,
		Name:      spec.Name,
		Status:    "running",
		CreatedAt: time.Now().UTC(),
	}, nil
}

// Status maps the domain state onto a status string.
func (p *Provider) Status(ctx context.Context, name string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	state, err := domainState(p.ConnectionURI, name)
	if err != nil {
		return "", fmt.Errorf("domain state of %s: %w", name, err)
	}
	return stateName(state), nil
}

// PrimaryAddress reads the DHCP leases of the domain's interfaces.
func (p *Provider) PrimaryAddress(ctx context.Context, name string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	ifaces, err := domainInterfaces(p.ConnectionURI, name)
	if err != nil {
		return "", fmt.Errorf("interface addresses of %s: %w", name, err)
	}
	addr, err := cloud.SelectPrimary(interfacesToNetworks(ifaces))
	if err != nil {
		return "", fmt.Errorf("instance %s: %w", name, err)
	}
	return addr, nil
}

// Destroy stops the domain and removes its run directory. A domain that is
// already gone still has its run directory removed.
func (p *Provider) Destroy(ctx context.Context, name string) error {
	p.logger().Info("destroying domain", "instance", name)

	var errs []error
	if err := destroyDomain(p.ConnectionURI, name); err != nil {
		errs = append(errs, fmt.Errorf("destroy domain %s: %w", name, err))
	}
	if p.BaseDir != "" && name != "" {
		if err := os.RemoveAll(filepath.Join(p.BaseDir, name)); err != nil {
			errs = append(errs, fmt.Errorf("remove run directory of %s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

func (p *Provider) baseImage(image string) (string, error) {
	if image == "" {
		return "", errors.New("image is required")
	}
	if filepath.IsAbs(image) {
		return image, nil
	}
	if p.ImageDir == "" {
		return "", fmt.Errorf("image %q is relative but no image directory is configured", image)
	}
	if !strings.HasSuffix(image, ".qcow2") {
		image += ".qcow2"
	}
	return filepath.Join(p.ImageDir, image), nil
}

func (p *Provider) flavor(name string) Flavor {
	if f, ok := p.Flavors[name]; ok && f.VCPUs > 0 && f.MemoryMB > 0 {
		return f
	}
	return DefaultFlavor
}

func (p *Provider) templateData(spec models.InstanceSpec, overlay, seed string) domainTemplateData {
	flavor := p.flavor(spec.Flavor)
	network := p.Network
	if network == "" {
		network = "default"
	}
	arch := models.NormalizeArch(p.Arch)
	if arch == "" {
		arch = models.X86_64
	}
	return domainTemplateData{
		Name:     spec.Name,
		OwnerTag: spec.OwnerTag,
		Image:    spec.Image,
		VirtType: "kvm",
		Arch:     string(arch),
		MemoryMB: flavor.MemoryMB,
		VCPUs:    flavor.VCPUs,
		Overlay:  overlay,
		Seed:     seed,
		Network:  network,
	}
}

func interfacesToNetworks(ifaces []libvirt.DomainInterface) []cloud.Network {
	networks := make([]cloud.Network, 0, len(ifaces))
	for _, iface := range ifaces {
		n := cloud.Network{Name: iface.Name}
		for _, addr := range iface.Addrs {
			n.Addresses = append(n.Addresses, addr.Addr)
		}
		networks = append(networks, n)
	}
	return networks
}

func stateName(state libvirt.DomainState) string {
	switch state {
	case libvirt.DOMAIN_RUNNING:
		return "running"
	case libvirt.DOMAIN_BLOCKED:
		return "blocked"
	case libvirt.DOMAIN_PAUSED:
		return "paused"
	case libvirt.DOMAIN_SHUTDOWN:
		return "shutdown"
	case libvirt.DOMAIN_SHUTOFF:
		return "shutoff"
	case libvirt.DOMAIN_CRASHED:
		return "crashed"
	case libvirt.DOMAIN_PMSUSPENDED:
		return "suspended"
	default:
		return "unknown"
	}
}

func isLibvirtError(err error, codes ...libvirt.ErrorNumber) bool {
	var lverr libvirt.Error
	if !errors.As(err, &lverr) {
		return false
	}
	for _, code := range codes {
		if lverr.Code == code {
			return true
		}
	}
	return false
}

package cloud

import (
	"fmt"
	"strings"

	"github.com/samber/lo"
)

// Network is one named network attached to an instance with its addresses in
// the order the backend listed them.
type Network struct {
	Name      string
	Addresses []string
}

// ParseAddressField parses the OpenStack text rendering of a server's
// addresses:
//
//	private-network=10.10.10.69, 2001:db8::fed1:d9f8;net2=2001:db8::1.2.3.4, 1.2.3.4
//
// Entries are separated by ';', each entry is name=addr[, addr...]. A trailing
// separator and surrounding whitespace are tolerated.
func ParseAddressField(field string) ([]Network, error) {
	var networks []Network
	for _, entry := range strings.Split(strings.TrimSpace(field), ";") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		name, list, ok := strings.Cut(entry, "=")
		if !ok {
			return nil, fmt.Errorf("malformed address entry %q", entry)
		}
		addrs := lo.FilterMap(strings.Split(list, ","), func(a string, _ int) (string, bool) {
			a = strings.TrimSpace(a)
			return a, a != ""
		})
		networks = append(networks, Network{Name: strings.TrimSpace(name), Addresses: addrs})
	}
	return networks, nil
}

// SelectPrimary applies the address policy: flatten every network's
// addresses in listed order, drop anything that looks like IPv6 (contains a
// colon, which also covers compressed and IPv4-mapped forms) and return the
// first remaining entry.
func SelectPrimary(networks []Network) (string, error) {
	all := lo.Flatten(lo.Map(networks, func(n Network, _ int) []string { return n.Addresses }))
	candidates := lo.Filter(all, func(a string, _ int) bool {
		return a != "" && !strings.Contains(a, ":")
	})
	if len(candidates) == 0 {
		return "", ErrNoAddressFound
	}
	return candidates[0], nil
}

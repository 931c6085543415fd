package services

import (
	"fmt"
	"net"
	"strings"

	"github.com/vishvananda/netlink"

	"iptablesd/internal/models"
)

// InterfaceService reads link state over netlink.
type InterfaceService struct {
	// linkNames is replaced in tests.
	linkNames func() ([]string, error)
}

func NewInterfaceService() *InterfaceService {
	return &InterfaceService{linkNames: netlinkNames}
}

func netlinkNames() ([]string, error) {
	links, err := netlink.LinkList()
	if err != nil {
		return nil, fmt.Errorf("failed to list links: %w", err)
	}
	names := make([]string, 0, len(links))
	for _, link := range links {
		names = append(names, link.Attrs().Name)
	}
	return names, nil
}

func (s *InterfaceService) List() ([]models.NetworkInterface, error) {
	links, err := netlink.LinkList()
	if err != nil {
		return nil, fmt.Errorf("failed to list links: %w", err)
	}

	interfaces := make([]models.NetworkInterface, 0, len(links))
	for _, link := range links {
		interfaces = append(interfaces, linkToInterface(link))
	}
	return interfaces, nil
}

func (s *InterfaceService) Get(name string) (*models.NetworkInterface, error) {
	link, err := netlink.LinkByName(name)
	if err != nil {
		return nil, fmt.Errorf("interface not found: %w", err)
	}
	iface := linkToInterface(link)
	return &iface, nil
}

// Exists reports whether name can be used with -i/-o. A leading "!" is
// ignored and a trailing "+" is a wildcard that always matches, since the
// interface may appear later.
func (s *InterfaceService) Exists(name string) bool {
	name = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(name), "!"))
	if name == "" {
		return false
	}
	if strings.HasSuffix(name, "+") {
		return true
	}

	names, err := s.linkNames()
	if err != nil {
		return false
	}
	for _, n := range names {
		if n == name {
			return true
		}
	}
	return false
}

func linkToInterface(link netlink.Link) models.NetworkInterface {
	attrs := link.Attrs()

	iface := models.NetworkInterface{
		Index:     attrs.Index,
		Name:      attrs.Name,
		MTU:       attrs.MTU,
		Type:      link.Type(),
		IPv4Addrs: []string{},
		IPv6Addrs: []string{},
	}

	if attrs.HardwareAddr != nil {
		iface.MAC = attrs.HardwareAddr.String()
	}

	switch {
	case attrs.OperState == netlink.OperUp:
		iface.State = "UP"
	case attrs.OperState == netlink.OperDown:
		iface.State = "DOWN"
	case attrs.Flags&net.FlagUp != 0:
		// Some drivers report "unknown"; fall back to the admin flag.
		iface.State = "UP"
	default:
		iface.State = "DOWN"
	}

	addrs, err := netlink.AddrList(link, netlink.FAMILY_ALL)
	if err == nil {
		for _, addr := range addrs {
			if addr.IP.To4() != nil {
				iface.IPv4Addrs = append(iface.IPv4Addrs, addr.IPNet.String())
			} else {
				iface.IPv6Addrs = append(iface.IPv6Addrs, addr.IPNet.String())
			}
		}
	}

	return iface
}

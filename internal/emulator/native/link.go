package native

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"path/filepath"
	"runtime"

	"github.com/containernetworking/plugins/pkg/ns"
	"github.com/vishvananda/netlink"
	"github.com/vishvananda/netns"

	"sdnlab/internal/topology"
	"sdnlab/internal/utils"
)

// LinkHandler performs the kernel side of the emulation.
type LinkHandler interface {
	CreateNamespace(name string) (string, error)
	DeleteNamespace(name string) error
	CreateVeth(name, peer string) error
	DeleteVeth(name string) error
	SetUp(name string) error
	MoveAndConfigure(nsPath string, iface topology.Interface) error
}

// hostLinks is the netlink implementation of LinkHandler.
type hostLinks struct{}

// CreateNamespace creates a named namespace and returns its path. The
// calling thread is returned to its original namespace.
func (hostLinks) CreateNamespace(name string) (string, error) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	orig, err := netns.Get()
	if err != nil {
		return "", err
	}
	defer orig.Close()

	h, err := netns.NewNamed(name)
	if err != nil {
		return "", err
	}
	h.Close()
	if err := netns.Set(orig); err != nil {
		return "", err
	}
	return filepath.Join(utils.NetnsRunDir, name), nil
}

func (hostLinks) DeleteNamespace(name string) error {
	return netns.DeleteNamed(name)
}

func (hostLinks) CreateVeth(name, peer string) error {
	attrs := netlink.NewLinkAttrs()
	attrs.Name = name
	attrs.MTU = 1500
	return netlink.LinkAdd(&netlink.Veth{LinkAttrs: attrs, PeerName: peer})
}

// DeleteVeth deletes the veth name from the host namespace. Deleting either
// end removes the pair; a name already gone is not an error.
func (hostLinks) DeleteVeth(name string) error {
	link, err := netlink.LinkByName(name)
	if err != nil {
		var notFound netlink.LinkNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return err
	}
	return netlink.LinkDel(link)
}

func (hostLinks) SetUp(name string) error {
	link, err := netlink.LinkByName(name)
	if err != nil {
		return err
	}
	return netlink.LinkSetUp(link)
}

// MoveAndConfigure moves the veth end iface.Name into the namespace at
// nsPath, assigns its address, brings it and loopback up and installs the
// default route.
func (hostLinks) MoveAndConfigure(nsPath string, iface topology.Interface) error {
	link, err := netlink.LinkByName(iface.Name)
	if err != nil {
		return err
	}
	target, err := ns.GetNS(nsPath)
	if err != nil {
		return fmt.Errorf("open %s: %w", nsPath, err)
	}
	defer target.Close()

	if err := netlink.LinkSetNsFd(link, int(target.Fd())); err != nil {
		return fmt.Errorf("move %s: %w", iface.Name, err)
	}

	return target.Do(func(_ ns.NetNS) error {
		inner, err := netlink.LinkByName(iface.Name)
		if err != nil {
			return err
		}
		if iface.Address.IsValid() {
			addr := &netlink.Addr{IPNet: toIPNet(iface.Address)}
			if err := netlink.AddrAdd(inner, addr); err != nil {
				return fmt.Errorf("add address %s: %w", iface.Address, err)
			}
		}
		if lo, err := netlink.LinkByName("lo"); err == nil {
			if err := netlink.LinkSetUp(lo); err != nil {
				return err
			}
		}
		if err := netlink.LinkSetUp(inner); err != nil {
			return err
		}
		if iface.DefaultRoute.IsValid() {
			route := &netlink.Route{
				LinkIndex: inner.Attrs().Index,
				Gw:        net.IP(iface.DefaultRoute.AsSlice()),
			}
			if err := netlink.RouteReplace(route); err != nil {
				return fmt.Errorf("default route via %s: %w", iface.DefaultRoute, err)
			}
		}
		return nil
	})
}

func toIPNet(p netip.Prefix) *net.IPNet {
	return &net.IPNet{
		IP:   net.IP(p.Addr().AsSlice()),
		Mask: net.CIDRMask(p.Bits(), p.Addr().BitLen()),
	}
}

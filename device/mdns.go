package device

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	mdns "github.com/grandcat/zeroconf"
	"github.com/rs/zerolog"

	"github.com/castengine/castengine/internal/log"
	"github.com/castengine/castengine/softbus"
)

const (
	MdnsServiceType = "_castengine._udp"
	MdnsDomain      = "local"
)

var ErrBackendClosed = errors.New("mdns backend closed")

type txtRecords map[string]string

func (r txtRecords) toSlice() []string {
	out := make([]string, 0, len(r))
	for key, value := range r {
		out = append(out, fmt.Sprintf("%s=%s", key, value))
	}
	return out
}

func txtFromSlice(in []string) (txtRecords, error) {
	r := txtRecords{}
	for _, pair := range in {
		n := strings.IndexRune(pair, '=')
		if n < 0 {
			return nil, errors.New("failed to find record key")
		}
		r[pair[:n]] = pair[n+1:]
	}
	return r, nil
}

// MDNSConfig configures the zeroconf discovery backend for one local
// device.
type MDNSConfig struct {
	// Local is advertised to peers; Local.ID and Local.NetworkID end up
	// in the TXT record.
	Local DeviceInfo
	// Identity provides the certificate fingerprint peers pin against.
	Identity *softbus.Identity
	// Port is the advertised transport port.
	Port  int
	Trust *TrustStore
}

func (c *MDNSConfig) normalize() error {
	if c.Local.ID == "" {
		return errors.New("local device id required")
	}
	if c.Local.Name == "" {
		c.Local.Name = c.Local.ID
	}
	if c.Trust == nil {
		c.Trust = NewTrustStore()
	}
	return nil
}

// MDNSBackend discovers and advertises cast devices over mDNS. Browsed
// entries become DeviceInfo callbacks; devices already in the trust
// store surface through OnDeviceReady instead of OnDeviceFound.
type MDNSBackend struct {
	mu sync.Mutex

	config   MDNSConfig
	listener DiscoveryListener

	advertiser   *mdns.Server
	browseCancel context.CancelFunc
	browsing     bool
	closed       bool

	logger zerolog.Logger
}

func NewMDNSBackend(config MDNSConfig) (*MDNSBackend, error) {
	if err := config.normalize(); err != nil {
		return nil, err
	}
	return &MDNSBackend{
		config: config,
		logger: log.WithComponent("mdns"),
	}, nil
}

func (b *MDNSBackend) RegisterListener(l DiscoveryListener) error {
	if l == nil {
		return errors.New("nil discovery listener")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrBackendClosed
	}
	b.listener = l
	return nil
}

func (b *MDNSBackend) UnregisterListener() {
	b.mu.Lock()
	b.listener = nil
	b.mu.Unlock()
}

func (b *MDNSBackend) TrustedDevices() []DeviceInfo {
	return b.config.Trust.List()
}

// StartDiscovery begins browsing for peers. Entries are delivered on a
// backend goroutine until StopDiscovery.
func (b *MDNSBackend) StartDiscovery() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrBackendClosed
	}
	if b.browsing {
		return nil
	}

	resolver, err := mdns.NewResolver(nil)
	if err != nil {
		return err
	}

	browseCtx, browseCancel := context.WithCancel(context.Background())
	entries := make(chan *mdns.ServiceEntry)
	if err := resolver.Browse(browseCtx, MdnsServiceType, MdnsDomain, entries); err != nil {
		browseCancel()
		return err
	}

	b.browseCancel = browseCancel
	b.browsing = true
	go b.browseLoop(entries)
	return nil
}

func (b *MDNSBackend) browseLoop(entries chan *mdns.ServiceEntry) {
	for e := range entries {
		if e == nil {
			continue
		}
		info, err := b.entryInfo(e)
		if err != nil {
			b.logger.Debug().Err(err).Str("instance", e.Instance).Msg("skip mdns entry")
			continue
		}
		if info.ID == b.config.Local.ID {
			continue
		}

		b.mu.Lock()
		l := b.listener
		b.mu.Unlock()
		if l == nil {
			continue
		}

		if e.TTL == 0 {
			l.OnDeviceOffline(info)
			continue
		}
		if b.config.Trust.IsTrusted(info.ID) {
			l.OnDeviceReady(info)
			continue
		}
		l.OnDeviceFound([]DeviceInfo{info})
	}
}

func (b *MDNSBackend) entryInfo(e *mdns.ServiceEntry) (DeviceInfo, error) {
	txt, err := txtFromSlice(e.Text)
	if err != nil {
		return DeviceInfo{}, err
	}
	id, ok := txt["id"]
	if !ok || id == "" {
		return DeviceInfo{}, errors.New("entry without id record")
	}

	info := DeviceInfo{
		ID:        id,
		Name:      e.Instance,
		Type:      txt["dt"],
		NetworkID: txt["nid"],
	}
	if len(e.AddrIPv4) > 0 {
		info.IP = e.AddrIPv4[0].String()
	}
	if info.NetworkID == "" && info.IP != "" {
		info.NetworkID = fmt.Sprintf("%s:%d", info.IP, e.Port)
	}
	return info, nil
}

func (b *MDNSBackend) StopDiscovery() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.browsing {
		return nil
	}
	b.browseCancel()
	b.browseCancel = nil
	b.browsing = false
	return nil
}

// Advertise publishes the local device so peers can find it. The fp
// record carries the certificate fingerprint peers pin on connect.
func (b *MDNSBackend) Advertise() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrBackendClosed
	}
	if b.advertiser != nil {
		return nil
	}

	txt := txtRecords{
		"id":  b.config.Local.ID,
		"dt":  b.config.Local.Type,
		"nid": b.config.Local.NetworkID,
	}
	if b.config.Identity != nil {
		fp, err := b.config.Identity.Fingerprint()
		if err != nil {
			return err
		}
		txt["fp"] = fp
	}

	advertiser, err := mdns.Register(b.config.Local.Name, MdnsServiceType, MdnsDomain, b.config.Port, txt.toSlice(), nil)
	if err != nil {
		return err
	}
	b.advertiser = advertiser
	return nil
}

func (b *MDNSBackend) StopAdvertise() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.advertiser == nil {
		return
	}
	b.advertiser.Shutdown()
	b.advertiser = nil
}

func (b *MDNSBackend) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	if b.browsing {
		b.browseCancel()
		b.browseCancel = nil
		b.browsing = false
	}
	advertiser := b.advertiser
	b.advertiser = nil
	b.listener = nil
	b.mu.Unlock()

	if advertiser != nil {
		advertiser.Shutdown()
	}
	return nil
}

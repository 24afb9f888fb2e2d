package keyrelease

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"

	"github.com/miekg/dns"
)

// DefaultResolver is the local stub resolver queried for SRV records.
const DefaultResolver = "127.0.0.53:53"

// Discoverer resolves key server endpoints from DNS SRV records.
type Discoverer struct {
	// Resolver is the host:port of the DNS server to query.
	Resolver string
	// Scheme is prepended to discovered targets, "https" unless set.
	Scheme string

	client *dns.Client
}

func NewDiscoverer(resolver string) *Discoverer {
	if resolver == "" {
		resolver = DefaultResolver
	}
	return &Discoverer{Resolver: resolver, Scheme: "https", client: new(dns.Client)}
}

// Discover queries the SRV records of name (for example
// _keyserver._tcp.example.org) and returns one Server per record ordered
// by priority, then by descending weight.
func (d *Discoverer) Discover(ctx context.Context, name string) ([]Server, error) {
	m := new(dns.Msg)
	m.Id = dns.Id()
	m.RecursionDesired = true
	m.Question = []dns.Question{{Name: dns.Fqdn(name), Qtype: dns.TypeSRV, Qclass: dns.ClassINET}}

	in, _, err := d.client.ExchangeContext(ctx, m, d.Resolver)
	if err != nil {
		return nil, fmt.Errorf("SRV lookup of %s failed: %w", name, err)
	}
	if in.Rcode != dns.RcodeSuccess {
		return nil, fmt.Errorf("SRV lookup of %s returned %s", name, dns.RcodeToString[in.Rcode])
	}

	records := make([]*dns.SRV, 0, len(in.Answer))
	for _, answer := range in.Answer {
		if srv, ok := answer.(*dns.SRV); ok {
			records = append(records, srv)
		}
	}
	if len(records) == 0 {
		return nil, errors.New("no SRV records found for " + name)
	}

	sort.SliceStable(records, func(i, j int) bool {
		if records[i].Priority != records[j].Priority {
			return records[i].Priority < records[j].Priority
		}
		return records[i].Weight > records[j].Weight
	})

	servers := make([]Server, 0, len(records))
	for _, srv := range records {
		host := strings.TrimSuffix(srv.Target, ".")
		hostPort := net.JoinHostPort(host, strconv.Itoa(int(srv.Port)))
		servers = append(servers, Server{
			Name: hostPort,
			URL:  d.Scheme + "://" + hostPort,
		})
	}
	return servers, nil
}

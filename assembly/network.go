/*
Copyright © 2025 OSImager Authors

Permission is hereby granted, free of charge, to any person obtaining a copy
of this software and associated documentation files (the "Software"), to deal
in the Software without restriction, including without limitation the rights
to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
copies of the Software, and to permit persons to whom the Software is
furnished to do so, subject to the following conditions:

The above copyright notice and this permission notice shall be included in
all copies or substantial portions of the Software.

THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
THE SOFTWARE.
*/

package assembly

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/osimager/osimager/errors"
)

// cidrDefs computes the network defs derived from a CIDR string like
// "10.20.30.0/24": the subnet address, prefix length, dotted netmask, and a
// default gateway of network+1.
func cidrDefs(cidr string) (map[string]interface{}, error) {
	_, ipnet, err := net.ParseCIDR(cidr)
	if err != nil {
		return nil, errors.E(errors.KindConfigParse, "invalid cidr %q: %v", cidr, err)
	}
	ones, _ := ipnet.Mask.Size()
	network := ipnet.IP.To4()
	if network == nil {
		return nil, errors.E(errors.KindConfigParse, "cidr %q is not IPv4", cidr)
	}

	gateway := make(net.IP, len(network))
	copy(gateway, network)
	gateway[3]++

	return map[string]interface{}{
		"subnet":  network.String(),
		"prefix":  ones,
		"netmask": net.IP(ipnet.Mask).String(),
		"gateway": gateway.String(),
	}, nil
}

// expandNumbered turns a server list def into numbered singular defs:
// dns = ["a", "b"] becomes dns1 = "a", dns2 = "b". String values are split
// on whitespace and commas first.
func expandNumbered(defs map[string]interface{}, key string) {
	var items []string
	switch v := defs[key].(type) {
	case []interface{}:
		for _, item := range v {
			if s, ok := item.(string); ok && s != "" {
				items = append(items, s)
			}
		}
	case []string:
		items = v
	case string:
		items = strings.FieldsFunc(v, func(r rune) bool {
			return r == ' ' || r == '\t' || r == ','
		})
	}
	for i, item := range items {
		defs[fmt.Sprintf("%s%d", key, i+1)] = item
	}
}

// dnsResolver returns an A-record lookup function using the given servers,
// falling back to the system resolver when none are configured. Lookup
// failures yield an empty string; callers that need the address validate it
// downstream.
func dnsResolver(servers []string, searchDomain string) func(name string) (string, error) {
	resolver := net.DefaultResolver
	if len(servers) > 0 {
		server := servers[0]
		if !strings.Contains(server, ":") {
			server += ":53"
		}
		resolver = &net.Resolver{
			PreferGo: true,
			Dial: func(ctx context.Context, network, _ string) (net.Conn, error) {
				d := net.Dialer{Timeout: 5 * time.Second}
				return d.DialContext(ctx, network, server)
			},
		}
	}

	return func(name string) (string, error) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		candidates := []string{name}
		if searchDomain != "" && !strings.Contains(name, ".") {
			candidates = append(candidates, name+"."+searchDomain)
		}
		for _, candidate := range candidates {
			addrs, err := resolver.LookupHost(ctx, candidate)
			if err != nil {
				continue
			}
			for _, addr := range addrs {
				if ip := net.ParseIP(addr); ip != nil && ip.To4() != nil {
					return addr, nil
				}
			}
		}
		return "", fmt.Errorf("no A record for %s", name)
	}
}

// serverList extracts a string list def (dns or ntp servers).
func serverList(defs map[string]interface{}, key string) []string {
	var out []string
	switch v := defs[key].(type) {
	case []interface{}:
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
	case []string:
		out = v
	case string:
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}

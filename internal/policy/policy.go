// Package policy answers which feeds a downstream peer may subscribe to.
// The allow table is a YAML file of host-pattern → feed-list entries; a
// peer's allowed feeds are the union over every entry matching its hostname
// or address literal.
package policy

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"

	"github.com/bsteffensmeier/goldm/internal/ldm7"
)

// Sentinel errors for the allow table.
var (
	// ErrNoEntries indicates an allow table with no usable entries.
	ErrNoEntries = errors.New("allow table has no entries")
)

// fileFormat is the YAML shape of the allow table.
type fileFormat struct {
	Allow []struct {
		Peer  string   `yaml:"peer"`
		Feeds []string `yaml:"feeds"`
	} `yaml:"allow"`
}

// entry is one compiled allow rule.
type entry struct {
	pattern *regexp.Regexp
	feed    ldm7.Feed
}

// Oracle is the read-only query API over a loaded allow table.
type Oracle struct {
	entries []entry
}

// Load reads and compiles the allow table at path.
func Load(path string) (*Oracle, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read allow table: %w", err)
	}
	o, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return o, nil
}

// Parse compiles an allow table from YAML bytes.
func Parse(data []byte) (*Oracle, error) {
	var ff fileFormat
	if err := yaml.Unmarshal(data, &ff); err != nil {
		return nil, fmt.Errorf("parse allow table: %w", err)
	}
	if len(ff.Allow) == 0 {
		return nil, ErrNoEntries
	}

	o := &Oracle{}
	for i, raw := range ff.Allow {
		pattern, err := regexp.Compile(raw.Peer)
		if err != nil {
			return nil, fmt.Errorf("allow entry %d: peer pattern: %w", i, err)
		}
		var feed ldm7.Feed
		for _, name := range raw.Feeds {
			f, err := ldm7.ParseFeed(name)
			if err != nil {
				return nil, fmt.Errorf("allow entry %d: %w", i, err)
			}
			feed |= f
		}
		o.entries = append(o.entries, entry{pattern: pattern, feed: feed})
	}
	return o, nil
}

// AllowedFeeds returns the union of feeds allowed for a peer, matching each
// entry's pattern against the hostname and the address literal. An empty
// result means the peer may subscribe to nothing.
func (o *Oracle) AllowedFeeds(hostname string, addr netip.Addr) ldm7.Feed {
	var allowed ldm7.Feed
	addrStr := ""
	if addr.IsValid() {
		addrStr = addr.String()
	}
	for _, e := range o.entries {
		if hostname != "" && e.pattern.MatchString(hostname) {
			allowed |= e.feed
			continue
		}
		if addrStr != "" && e.pattern.MatchString(addrStr) {
			allowed |= e.feed
		}
	}
	return allowed
}

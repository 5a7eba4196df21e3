package policy_test

import (
	"errors"
	"net/netip"
	"os"
	"path/filepath"
	"testing"

	"github.com/bsteffensmeier/goldm/internal/ldm7"
	"github.com/bsteffensmeier/goldm/internal/policy"
)

const allowTable = `
allow:
  - peer: '^ldm[0-9]+\.example\.edu$'
    feeds: [PPS, DDS]
  - peer: '^ldm1\.example\.edu$'
    feeds: [NGRID]
  - peer: '^10\.1\.2\.3$'
    feeds: [ANY]
`

func TestAllowedFeedsUnion(t *testing.T) {
	t.Parallel()

	o, err := policy.Parse([]byte(allowTable))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	tests := []struct {
		name string
		host string
		addr string
		want ldm7.Feed
	}{
		{"single match", "ldm2.example.edu", "10.9.9.9", ldm7.FeedPPS | ldm7.FeedDDS},
		{"union of matches", "ldm1.example.edu", "10.9.9.9", ldm7.FeedPPS | ldm7.FeedDDS | ldm7.FeedNGRID},
		{"address literal", "", "10.1.2.3", ldm7.FeedAny},
		{"no match", "other.example.com", "10.9.9.9", ldm7.FeedNone},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := o.AllowedFeeds(tt.host, netip.MustParseAddr(tt.addr))
			if got != tt.want {
				t.Errorf("AllowedFeeds(%q, %s) = %v, want %v", tt.host, tt.addr, got, tt.want)
			}
		})
	}
}

func TestParseErrors(t *testing.T) {
	t.Parallel()

	if _, err := policy.Parse([]byte("allow: []")); !errors.Is(err, policy.ErrNoEntries) {
		t.Errorf("empty table = %v, want ErrNoEntries", err)
	}
	if _, err := policy.Parse([]byte("allow:\n  - peer: '['\n    feeds: [PPS]")); err == nil {
		t.Error("bad pattern should fail")
	}
	if _, err := policy.Parse([]byte("allow:\n  - peer: '.*'\n    feeds: [BOGUS]")); err == nil {
		t.Error("unknown feed should fail")
	}
	if _, err := policy.Parse([]byte(":::")); err == nil {
		t.Error("invalid yaml should fail")
	}
}

func TestLoad(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "allow.yaml")
	if err := os.WriteFile(path, []byte(allowTable), 0o644); err != nil {
		t.Fatal(err)
	}
	o, err := policy.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := o.AllowedFeeds("ldm2.example.edu", netip.Addr{}); got != ldm7.FeedPPS|ldm7.FeedDDS {
		t.Errorf("AllowedFeeds after Load = %v", got)
	}

	if _, err := policy.Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("missing file should fail")
	}
}

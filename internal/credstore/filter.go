package credstore

import (
	"context"
	"fmt"
	"strings"

	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/anvil-platform/anvil-mgmt/internal/livestate"
)

// AliasFilter selects aliases of a source store.
//
// Accepted forms: "ALL", "NONE", "ALL:-a:-b" (everything but a and b),
// "NONE:+a:+b" (only a and b) and a plain comma list "a,b" (only a and b).
type AliasFilter struct {
	all     bool
	listed  sets.Set[string]
	display string
}

// ParseAliasFilter parses the filter syntax. The empty string means ALL.
func ParseAliasFilter(raw string) (AliasFilter, error) {
	raw = strings.TrimSpace(raw)
	f := AliasFilter{listed: sets.New[string](), display: raw}
	if raw == "" || raw == "ALL" {
		f.all = true
		return f, nil
	}
	if raw == "NONE" {
		return f, nil
	}

	parts := strings.Split(raw, ":")
	switch parts[0] {
	case "ALL", "NONE":
		f.all = parts[0] == "ALL"
		want := byte('+')
		if f.all {
			want = '-'
		}
		for _, p := range parts[1:] {
			if len(p) < 2 || p[0] != want {
				return AliasFilter{}, fmt.Errorf("invalid alias filter %q: segment %q must start with %q", raw, p, want)
			}
			f.listed.Insert(p[1:])
		}
		return f, nil
	}
	if len(parts) > 1 {
		return AliasFilter{}, fmt.Errorf("invalid alias filter %q: must start with ALL or NONE", raw)
	}
	for _, p := range strings.Split(raw, ",") {
		if p = strings.TrimSpace(p); p != "" {
			f.listed.Insert(p)
		}
	}
	return f, nil
}

// Accepts reports whether alias passes the filter.
func (f AliasFilter) Accepts(alias string) bool {
	if f.all {
		return !f.listed.Has(alias)
	}
	return f.listed.Has(alias)
}

func (f AliasFilter) String() string {
	return f.display
}

// SourceFunc returns the current source store, or false when none is live.
type SourceFunc func() (livestate.Store, bool)

// FilteredStore is a live view over another store. It holds no data; the source is
// looked up on every query so a rebuilt source instance is picked up.
type FilteredStore struct {
	source SourceFunc
	filter AliasFilter
}

func NewFilteredStore(source SourceFunc, filter AliasFilter) *FilteredStore {
	return &FilteredStore{source: source, filter: filter}
}

func (s *FilteredStore) Start(context.Context) error {
	if _, ok := s.source(); !ok {
		return fmt.Errorf("filtered store: source store is not available")
	}
	return nil
}

func (s *FilteredStore) Stop(context.Context) error {
	return nil
}

func (s *FilteredStore) Initialized() bool {
	src, ok := s.source()
	return ok && src.Initialized()
}

func (s *FilteredStore) Aliases(ctx context.Context) ([]string, error) {
	src, ok := s.source()
	if !ok {
		return nil, nil
	}
	all, err := src.Aliases(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(all))
	for _, a := range all {
		if s.filter.Accepts(a) {
			out = append(out, a)
		}
	}
	return out, nil
}

package libmount

import (
	"errors"
	"testing"
)

func TestParseIDMapSpec(t *testing.T) {
	for _, tc := range []struct {
		spec   string
		nsPath string
		uids   []IDMap
		gids   []IDMap
		bad    bool
	}{
		{spec: "/proc/1234/ns/user", nsPath: "/proc/1234/ns/user"},
		{
			spec: "uids=0:100000:65536",
			uids: []IDMap{{0, 100000, 65536}},
		},
		{
			spec: "uids=0:100000:65536 gids=0:200000:65536",
			uids: []IDMap{{0, 100000, 65536}},
			gids: []IDMap{{0, 200000, 65536}},
		},
		{
			spec: "b:0:100000:65536",
			uids: []IDMap{{0, 100000, 65536}},
			gids: []IDMap{{0, 100000, 65536}},
		},
		{
			spec: "uids=0:1000:1 uids=1000:2000:10",
			uids: []IDMap{{0, 1000, 1}, {1000, 2000, 10}},
		},
		{spec: "", bad: true},
		{spec: "frogs=0:1:2", bad: true},
		{spec: "uids=banana", bad: true},
	} {
		nsPath, mapping, err := parseIDMapSpec(tc.spec)
		if tc.bad {
			if !errors.Is(err, ErrIdmapSetup) {
				t.Errorf("parseIDMapSpec(%q) = %v, want ErrIdmapSetup", tc.spec, err)
			}
			continue
		}
		if err != nil {
			t.Errorf("parseIDMapSpec(%q): %v", tc.spec, err)
			continue
		}
		if nsPath != tc.nsPath {
			t.Errorf("parseIDMapSpec(%q) nsPath = %q, want %q", tc.spec, nsPath, tc.nsPath)
		}
		if len(mapping.UIDMappings) != len(tc.uids) || len(mapping.GIDMappings) != len(tc.gids) {
			t.Errorf("parseIDMapSpec(%q) mapping = %+v", tc.spec, mapping)
			continue
		}
		for i, im := range tc.uids {
			if mapping.UIDMappings[i] != im {
				t.Errorf("parseIDMapSpec(%q) uid %d = %+v, want %+v", tc.spec, i, mapping.UIDMappings[i], im)
			}
		}
		for i, im := range tc.gids {
			if mapping.GIDMappings[i] != im {
				t.Errorf("parseIDMapSpec(%q) gid %d = %+v, want %+v", tc.spec, i, mapping.GIDMappings[i], im)
			}
		}
	}
}

func TestIDMappingID(t *testing.T) {
	a := idMapping{
		UIDMappings: []IDMap{{0, 1000, 1}, {1, 2000, 5}},
		GIDMappings: []IDMap{{0, 1000, 1}},
	}
	b := idMapping{
		UIDMappings: []IDMap{{1, 2000, 5}, {0, 1000, 1}},
		GIDMappings: []IDMap{{0, 1000, 1}},
	}
	if a.id() != b.id() {
		t.Errorf("mapping order changed the identity: %q vs %q", a.id(), b.id())
	}
	c := idMapping{UIDMappings: []IDMap{{0, 1000, 2}}}
	if a.id() == c.id() {
		t.Error("different mappings share an identity")
	}
}

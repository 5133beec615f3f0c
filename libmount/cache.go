package libmount

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	securejoin "github.com/cyphar/filepath-securejoin"

	"github.com/mountctl/mountctl/internal/utils"
)

// Cache memoizes path canonicalization and LABEL=/UUID= tag resolution. One
// cache belongs to one mount namespace; results from one namespace are
// meaningless in another, which is why namespace switching hands the current
// cache over to the new handle instead of sharing it.
type Cache struct {
	paths map[string]string
	tags  map[string]string
}

// NewCache returns an empty cache.
func NewCache() *Cache {
	return &Cache{
		paths: make(map[string]string),
		tags:  make(map[string]string),
	}
}

// CanonicalPath resolves symlinks and cleans the path, caching the result.
func (c *Cache) CanonicalPath(path string) (string, error) {
	if res, ok := c.paths[path]; ok {
		return res, nil
	}
	res, err := filepath.EvalSymlinks(utils.CleanPath(path))
	if err != nil {
		return "", err
	}
	c.paths[path] = res
	return res, nil
}

// SecurePath resolves path inside root without following symlinks out of it.
// Used for hook-supplied subpaths that must not escape the mount target.
func (c *Cache) SecurePath(root, path string) (string, error) {
	return securejoin.SecureJoin(root, path)
}

// encodeTagValue mangles a tag value the way the kernel's /dev/disk links
// do: '/' becomes \x2f.
func encodeTagValue(v string) string {
	return strings.ReplaceAll(v, "/", `\x2f`)
}

// ResolveTag turns a LABEL=/UUID=/PARTLABEL=/PARTUUID= tag into a device
// path via the /dev/disk symlink trees, caching the result.
func (c *Cache) ResolveTag(name, value string) (string, error) {
	key := name + "=" + value
	if res, ok := c.tags[key]; ok {
		return res, nil
	}
	var dir string
	switch name {
	case "LABEL":
		dir = "/dev/disk/by-label"
	case "UUID":
		dir = "/dev/disk/by-uuid"
	case "PARTLABEL":
		dir = "/dev/disk/by-partlabel"
	case "PARTUUID":
		dir = "/dev/disk/by-partuuid"
	case "ID":
		dir = "/dev/disk/by-id"
	default:
		return "", fmt.Errorf("%w: unknown tag %q", ErrNoSourceMatch, name)
	}
	link := filepath.Join(dir, encodeTagValue(value))
	res, err := filepath.EvalSymlinks(link)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%w: %s=%q", ErrNoSourceMatch, name, value)
		}
		return "", err
	}
	c.tags[key] = res
	return res, nil
}

// ParseTag splits a "NAME=value" source spec into tag name and value.
// Returns ok=false for plain paths.
func ParseTag(source string) (name, value string, ok bool) {
	name, value, found := strings.Cut(source, "=")
	if !found {
		return "", "", false
	}
	switch name {
	case "LABEL", "UUID", "PARTLABEL", "PARTUUID", "ID":
		return name, value, true
	}
	return "", "", false
}

package libmount

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// DefaultFstabPath is where ParseFstab looks unless told otherwise.
const DefaultFstabPath = "/etc/fstab"

// unescapeFstab decodes the \040-style octal escapes fstab uses for
// whitespace in paths.
func unescapeFstab(s string) string {
	if !strings.ContainsRune(s, '\\') {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+3 < len(s) {
			if v, err := strconv.ParseUint(s[i+1:i+4], 8, 8); err == nil {
				b.WriteByte(byte(v))
				i += 3
				continue
			}
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

// ParseFstab reads an fstab-format file into a Table, keeping file order.
// Comment and blank lines are skipped; a malformed line is an error rather
// than being silently dropped, since a typo'd fstab should not make mounts
// quietly disappear.
func ParseFstab(path string) (*Table, error) {
	if path == "" {
		path = DefaultFstabPath
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	t := &Table{}
	scanner := bufio.NewScanner(f)
	lineno := 0
	for scanner.Scan() {
		lineno++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 3 {
			return nil, fmt.Errorf("%s:%d: malformed fstab line %q", path, lineno, line)
		}
		fs := &Fs{
			Source: unescapeFstab(fields[0]),
			Target: unescapeFstab(fields[1]),
			Fstype: fields[2],
		}
		if len(fields) > 3 {
			fs.Options = fields[3]
		} else {
			fs.Options = "defaults"
		}
		if len(fields) > 4 {
			fs.Freq, _ = strconv.Atoi(fields[4])
		}
		if len(fields) > 5 {
			fs.Passno, _ = strconv.Atoi(fields[5])
		}
		t.Add(fs)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return t, nil
}

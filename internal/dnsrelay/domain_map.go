package dnsrelay

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
)

// DomainMap is the blocklist. A plain entry matches the name itself and all of
// its subdomains; a "full:" entry matches only the exact name.
type DomainMap struct {
	suffix map[string]struct{}
	full   map[string]struct{}
}

func NewDomainMap() *DomainMap {
	return &DomainMap{
		suffix: make(map[string]struct{}),
		full:   make(map[string]struct{}),
	}
}

// LoadDomainMapFile reads one entry per line from path.
func LoadDomainMapFile(path string) (*DomainMap, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open blocklist: %w", err)
	}
	defer f.Close()
	return LoadDomainMap(f)
}

func LoadDomainMap(r io.Reader) (*DomainMap, error) {
	m := NewDomainMap()
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		m.Add(scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read blocklist: %w", err)
	}
	return m, nil
}

// Add parses one blocklist line. Blank lines and # comments are ignored.
func (m *DomainMap) Add(line string) {
	line = strings.TrimSpace(line)
	if i := strings.IndexByte(line, '#'); i >= 0 {
		line = strings.TrimSpace(line[:i])
	}
	if line == "" {
		return
	}
	line = strings.ToLower(line)

	if rest, ok := strings.CutPrefix(line, "full:"); ok {
		if name := normalize(rest); name != "" {
			m.full[name] = struct{}{}
		}
		return
	}
	line = strings.TrimPrefix(line, "domain:")
	line = strings.TrimPrefix(line, "*.")
	if name := normalize(line); name != "" {
		m.suffix[name] = struct{}{}
	}
}

func (m *DomainMap) Contains(name string) bool {
	name = normalize(strings.ToLower(name))
	if name == "" {
		return false
	}
	if _, ok := m.full[name]; ok {
		return true
	}
	for {
		if _, ok := m.suffix[name]; ok {
			return true
		}
		i := strings.IndexByte(name, '.')
		if i < 0 {
			return false
		}
		name = name[i+1:]
	}
}

func (m *DomainMap) Len() int { return len(m.suffix) + len(m.full) }

func normalize(name string) string {
	return strings.TrimSuffix(strings.TrimSpace(name), ".")
}

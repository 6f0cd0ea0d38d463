package proxyconf

import (
	"fmt"
	"os"
	"strings"

	"github.com/google/renameio/v2"
)

const hostsMarker = "# burrow-proxy"

// upsertHostsEntry adds or overwrites the loopback mapping for a hostname.
// Only lines carrying our marker are ever touched; a shared hosts file must
// survive this edit untouched otherwise.
func upsertHostsEntry(path, hostname string) error {
	lines, err := readHostsLines(path)
	if err != nil {
		return err
	}

	entry := fmt.Sprintf("127.0.0.1\t%s %s", hostname, hostsMarker)
	out := lines[:0]
	for _, line := range lines {
		if isManagedEntry(line, hostname) {
			continue
		}
		out = append(out, line)
	}
	out = append(out, entry)
	return writeHostsLines(path, out)
}

// removeHostsEntry is idempotent: a missing entry is success.
func removeHostsEntry(path, hostname string) error {
	lines, err := readHostsLines(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	out := lines[:0]
	changed := false
	for _, line := range lines {
		if isManagedEntry(line, hostname) {
			changed = true
			continue
		}
		out = append(out, line)
	}
	if !changed {
		return nil
	}
	return writeHostsLines(path, out)
}

func isManagedEntry(line, hostname string) bool {
	if !strings.Contains(line, hostsMarker) {
		return false
	}
	fields := strings.Fields(line)
	for _, f := range fields[1:] {
		if f == hostname {
			return true
		}
		if strings.HasPrefix(f, "#") {
			break
		}
	}
	return false
}

func readHostsLines(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return strings.Split(strings.TrimRight(string(data), "\n"), "\n"), nil
}

func writeHostsLines(path string, lines []string) error {
	content := strings.Join(lines, "\n") + "\n"
	return renameio.WriteFile(path, []byte(content), 0o644)
}

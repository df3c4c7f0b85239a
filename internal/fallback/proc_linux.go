//go:build linux

package fallback

import (
	"bufio"
	"os"
	"strconv"
	"strings"
)

// processRSSBytes reads VmRSS from /proc/self/status. ok is false when the
// file is missing or has no such line.
func processRSSBytes() (rss uint64, ok bool) {
	f, err := os.Open("/proc/self/status")
	if err != nil {
		return 0, false
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		name, value, found := strings.Cut(sc.Text(), ":")
		if !found || name != "VmRSS" {
			continue
		}
		// "VmRSS:    123456 kB"
		fields := strings.Fields(value)
		if len(fields) == 0 {
			return 0, false
		}
		kb, err := strconv.ParseUint(fields[0], 10, 64)
		if err != nil {
			return 0, false
		}
		return kb << 10, true
	}
	return 0, false
}

//go:build !linux

package fallback

func processRSSBytes() (rssBytes uint64, ok bool) { return 0, false }

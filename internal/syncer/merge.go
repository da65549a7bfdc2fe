package syncer

import "strings"

// mergeThreeWay performs a best-effort line-based three-way merge of
// Markdown. It succeeds when at most one side changed, or when both sides
// made the same change. When both sides changed, even in disjoint regions,
// it reports failure and lets the caller fall back.
func mergeThreeWay(base, local, remote string) (string, bool) {
	if local == remote {
		return local, true
	}

	if base == local {
		return remote, true
	}

	if base == remote {
		return local, true
	}

	baseLines := splitLines(base)
	localLines := splitLines(local)
	remoteLines := splitLines(remote)

	// Align on the longest common prefix and suffix all three share.
	prefix := commonPrefix3(baseLines, localLines, remoteLines)

	suffix := commonSuffix3(
		baseLines[prefix:], localLines[prefix:], remoteLines[prefix:])

	baseMid := baseLines[prefix : len(baseLines)-suffix]
	localMid := localLines[prefix : len(localLines)-suffix]
	remoteMid := remoteLines[prefix : len(remoteLines)-suffix]

	var mid []string

	switch {
	case equalLines(baseMid, localMid):
		mid = remoteMid
	case equalLines(baseMid, remoteMid):
		mid = localMid
	default:
		// Both sides touched the middle region: overlapping edits.
		return "", false
	}

	merged := make([]string, 0, prefix+len(mid)+suffix)
	merged = append(merged, baseLines[:prefix]...)
	merged = append(merged, mid...)
	merged = append(merged, localLines[len(localLines)-suffix:]...)

	return strings.Join(merged, "\n"), true
}

func splitLines(s string) []string {
	return strings.Split(s, "\n")
}

func equalLines(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}

	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}

	return true
}

func commonPrefix3(a, b, c []string) int {
	n := 0

	for n < len(a) && n < len(b) && n < len(c) && a[n] == b[n] && a[n] == c[n] {
		n++
	}

	return n
}

func commonSuffix3(a, b, c []string) int {
	n := 0

	for n < len(a) && n < len(b) && n < len(c) &&
		a[len(a)-1-n] == b[len(b)-1-n] && a[len(a)-1-n] == c[len(c)-1-n] {
		n++
	}

	return n
}

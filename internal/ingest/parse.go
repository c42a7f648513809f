package ingest

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/rerollkit/packtrack/internal/types"
)

// Message is an inbound telemetry message before classification.
type Message struct {
	ID        int64
	Timestamp string // RFC3339; zero value means "now"
	Body      string
	// Images is the number of image attachments; GP discovery requires at
	// least one.
	Images int
	// AuthorID, when known, is recorded as the discovering worker on GP
	// messages.
	AuthorID *int64
}

// WorkerRef is the parsed identity on a heartbeat's first line: either a
// resolved numeric ID or a name still to be looked up in the registry.
type WorkerRef struct {
	ID   int64
	Name string
}

// Resolved reports whether the reference already carries a numeric ID.
func (r WorkerRef) Resolved() bool { return r.ID != 0 }

var (
	mentionRe    = regexp.MustCompile(`^<@!?(\d+)>$`)
	timePacksRe  = regexp.MustCompile(`Time:\s*(\d+)m\b`)
	packsRe      = regexp.MustCompile(`Packs:\s*(\d+)\b`)
	friendParen  = regexp.MustCompile(`\((\d{9,})\)`)
	friendTrail  = regexp.MustCompile(`(\d{9,})\s*$`)
	slotPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\b(\d+)\s*packs\b`),
		regexp.MustCompile(`\[(\d+)P\]`),
		regexp.MustCompile(`\b(\d+)P\b`),
		regexp.MustCompile(`(?i)\bPack:\s*(\d+)\b`),
	}
	ratioPatterns = []*regexp.Regexp{
		regexp.MustCompile(`\[(\d+)/5\]`),
		regexp.MustCompile(`\((\d+)/5\)`),
		regexp.MustCompile(`\b(\d+)/5\b`),
		regexp.MustCompile(`(?i)\bratio:\s*(\d+)\b`),
	}
)

// gpKeywords classify a message as a god-pack discovery.
var gpKeywords = []string{
	"god pack found",
	"godpack found",
	"gp found",
	"rare pack found",
	"special pack found",
}

// IsHeartbeat reports whether the body matches the heartbeat shape: at
// least four lines carrying, in order, Online:, Offline:, Time: Nm and
// Packs: N.
func IsHeartbeat(body string) bool {
	lines := strings.Split(body, "\n")
	if len(lines) < 4 {
		return false
	}
	idx := 0
	for _, want := range []func(string) bool{
		func(l string) bool { return strings.Contains(l, "Online:") },
		func(l string) bool { return strings.Contains(l, "Offline:") },
		func(l string) bool { return timePacksRe.MatchString(l) },
		func(l string) bool { return packsRe.MatchString(l) },
	} {
		found := false
		for ; idx < len(lines); idx++ {
			if want(lines[idx]) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// IsGPDiscovery reports whether the message is a god-pack discovery: one
// of the recognition keywords plus at least one image attachment.
func IsGPDiscovery(msg *Message) bool {
	if msg.Images < 1 {
		return false
	}
	body := strings.ToLower(msg.Body)
	for _, kw := range gpKeywords {
		if strings.Contains(body, kw) {
			return true
		}
	}
	return false
}

// ParseWorkerRef interprets a heartbeat's identity line as a numeric ID, a
// mention, or a registry name.
func ParseWorkerRef(line string) WorkerRef {
	line = strings.TrimSpace(line)
	if id, err := strconv.ParseInt(line, 10, 64); err == nil && id > 0 {
		return WorkerRef{ID: id}
	}
	if m := mentionRe.FindStringSubmatch(line); m != nil {
		id, _ := strconv.ParseInt(m[1], 10, 64)
		return WorkerRef{ID: id}
	}
	return WorkerRef{Name: line}
}

// ParseHeartbeat extracts the telemetry fields from a heartbeat body. The
// worker id on the returned heartbeat is zero; the caller fills it after
// resolving the WorkerRef.
func ParseHeartbeat(body string) (WorkerRef, *types.Heartbeat, error) {
	lines := strings.Split(body, "\n")
	if len(lines) < 4 {
		return WorkerRef{}, nil, fmt.Errorf("heartbeat needs at least 4 lines, got %d", len(lines))
	}

	ref := ParseWorkerRef(lines[0])
	if !ref.Resolved() && ref.Name == "" {
		return WorkerRef{}, nil, fmt.Errorf("empty worker identity line")
	}

	hb := &types.Heartbeat{}
	var haveOnline, haveOffline, haveTime, havePacks bool
	for _, line := range lines[1:] {
		switch {
		case strings.Contains(line, "Online:"):
			n, main := countInstances(after(line, "Online:"))
			hb.InstancesOnline = n
			hb.MainActive = main
			haveOnline = true
		case strings.Contains(line, "Offline:"):
			hb.InstancesOffline, _ = countInstances(after(line, "Offline:"))
			haveOffline = true
		case strings.Contains(line, "Select:"):
			for _, tag := range strings.Split(after(line, "Select:"), ",") {
				if tag = strings.TrimSpace(tag); tag != "" {
					hb.SelectedPacks = append(hb.SelectedPacks, tag)
				}
			}
		}
		if m := timePacksRe.FindStringSubmatch(line); m != nil {
			hb.TimeRunningMin, _ = strconv.Atoi(m[1])
			haveTime = true
		}
		if m := packsRe.FindStringSubmatch(line); m != nil {
			packs, _ := strconv.ParseInt(m[1], 10, 64)
			hb.PacksCumulative = packs
			havePacks = true
		}
	}

	if !haveOnline || !haveOffline || !haveTime || !havePacks {
		return WorkerRef{}, nil, fmt.Errorf("heartbeat missing required fields (online=%v offline=%v time=%v packs=%v)",
			haveOnline, haveOffline, haveTime, havePacks)
	}
	return ref, hb, nil
}

// countInstances counts the comma-separated tokens that are numeric or the
// literal "main", reporting whether main was present.
func countInstances(list string) (int, bool) {
	n := 0
	main := false
	for _, tok := range strings.Split(list, ",") {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		if strings.EqualFold(tok, "main") {
			main = true
			n++
			continue
		}
		if _, err := strconv.Atoi(tok); err == nil {
			n++
		}
	}
	return n, main
}

func after(line, marker string) string {
	if i := strings.Index(line, marker); i >= 0 {
		return line[i+len(marker):]
	}
	return ""
}

// ParseGPDiscovery extracts the god-pack fields from a discovery body.
// Slot count defaults to 1 when absent and is clamped to [1,5]; ratio
// defaults to unknown and is clamped to [0,5].
func ParseGPDiscovery(body string) *types.GodPack {
	gp := &types.GodPack{
		PackSlotCount: 1,
		Ratio:         types.RatioUnknown,
	}

	for _, line := range strings.Split(body, "\n") {
		if m := friendParen.FindStringSubmatchIndex(line); m != nil {
			gp.FriendCode = line[m[2]:m[3]]
			gp.AccountName = cleanAccountName(line[:m[0]])
			break
		}
		if m := friendTrail.FindStringSubmatchIndex(line); m != nil {
			gp.FriendCode = line[m[2]:m[3]]
			gp.AccountName = cleanAccountName(line[:m[0]])
			break
		}
	}

	for _, re := range slotPatterns {
		if m := re.FindStringSubmatch(body); m != nil {
			n, _ := strconv.Atoi(m[1])
			gp.PackSlotCount = clamp(n, 1, 5)
			break
		}
	}
	for _, re := range ratioPatterns {
		if m := re.FindStringSubmatch(body); m != nil {
			n, _ := strconv.Atoi(m[1])
			gp.Ratio = clamp(n, 0, 5)
			break
		}
	}
	return gp
}

// cleanAccountName strips discovery keywords and markup remnants from the
// text preceding the friend code.
func cleanAccountName(s string) string {
	s = strings.TrimSpace(s)
	lower := strings.ToLower(s)
	for _, kw := range gpKeywords {
		if i := strings.Index(lower, kw); i >= 0 {
			s = s[i+len(kw):]
			lower = strings.ToLower(s)
		}
	}
	return strings.Trim(strings.TrimSpace(s), "-:[]()")
}

func clamp(n, lo, hi int) int {
	if n < lo {
		return lo
	}
	if n > hi {
		return hi
	}
	return n
}

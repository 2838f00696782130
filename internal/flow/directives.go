// Package flow implements the MENTIS guided tutoring dialogue.
//
// This file holds the metadata codec: the tutor model appends out-of-band directives to
// its visible reply as HTML comments, and DecodeReply strips them and reports what each
// one carried.
package flow

import (
	"bytes"
	"encoding/json"
	"errors"
	"regexp"
	"strconv"
	"strings"

	"github.com/mentis-edu/mentis/internal/models"
)

// Directive keys recognized in tutor replies.
const (
	DirectivePoints  = "MENTIS_ADD_POINTS"
	DirectivePhase   = "MENTIS_PHASE"
	DirectiveContext = "MENTIS_CONTEXT"
)

// Point award bounds.
const (
	MinPointsAward = 0
	MaxPointsAward = 10
)

// markerStart finds the opening of any MENTIS marker. Where a marker ends is decided in
// DecodeReply, since payloads may contain "-->" and truncated replies may never close it.
var markerStart = regexp.MustCompile(`<!--\s*(MENTIS_[A-Za-z_]+)`)

const markerClose = "-->"

// DirectiveStatus is the outcome of decoding one directive.
type DirectiveStatus int

const (
	// DirectiveAbsent means the reply carried no such directive.
	DirectiveAbsent DirectiveStatus = iota
	// DirectiveValid means the directive was present and its payload decoded.
	DirectiveValid
	// DirectiveMalformed means the directive was present but its payload was ignored.
	DirectiveMalformed
)

func (s DirectiveStatus) String() string {
	switch s {
	case DirectiveValid:
		return "valid"
	case DirectiveMalformed:
		return "malformed"
	default:
		return "absent"
	}
}

// PointsDirective is the decoded points award.
type PointsDirective struct {
	Status DirectiveStatus
	// Points is clamped to [MinPointsAward, MaxPointsAward]; zero unless Status is DirectiveValid.
	Points int
	// Clamped is set when the raw value was outside the allowed range.
	Clamped bool
}

// PhaseDirective is the decoded next phase.
type PhaseDirective struct {
	Status DirectiveStatus
	Phase  models.ConversationPhase
	Raw    string
}

// ContextDirective is the decoded partial context update.
type ContextDirective struct {
	Status DirectiveStatus
	Update models.ContextUpdate
}

// DecodedReply is the result of DecodeReply.
type DecodedReply struct {
	// Text is the visible reply with every directive removed.
	Text    string
	Points  PointsDirective
	Phase   PhaseDirective
	Context ContextDirective
	// Unknown counts markers with an unrecognized MENTIS_ key; they are stripped too.
	Unknown int
}

// DecodeReply strips all directives from a raw tutor reply. It never fails: malformed
// directives are reported as such and ignored. When a key appears more than once the
// last occurrence wins. Decoding is a pure function of raw.
//
// A marker runs from "<!-- MENTIS_" to its closing "-->", or to the next marker or the
// end of the reply when it is never closed. The key may be followed by "=", ":" or
// whitespace. A context payload that does not parse at the first "-->" is retried at
// each later "-->" before the next marker; one that never parses runs to the next
// marker or the end of the reply.
func DecodeReply(raw string) DecodedReply {
	var out DecodedReply

	starts := markerStart.FindAllStringSubmatchIndex(raw, -1)
	if len(starts) == 0 {
		out.Text = strings.TrimSpace(raw)
		return out
	}

	var visible strings.Builder
	last := 0
	for i, m := range starts {
		limit := len(raw)
		if i+1 < len(starts) {
			limit = starts[i+1][0]
		}

		visible.WriteString(raw[last:m[0]])
		key := strings.ToUpper(raw[m[2]:m[3]])
		closes := closeOffsets(raw, m[1], limit)

		switch key {
		case DirectivePoints:
			value, end := markerValue(raw, m[1], closes, limit, 0)
			out.Points = decodePoints(value)
			last = end
		case DirectivePhase:
			value, end := markerValue(raw, m[1], closes, limit, 0)
			out.Phase = decodePhase(value)
			last = end
		case DirectiveContext:
			out.Context, last = decodeContextMarker(raw, m[1], closes, limit)
		default:
			_, last = markerValue(raw, m[1], closes, limit, 0)
			out.Unknown++
		}
	}
	visible.WriteString(raw[last:])

	out.Text = tidyVisible(visible.String())
	return out
}

// closeOffsets returns the positions of every "-->" in raw[from:limit].
func closeOffsets(raw string, from, limit int) []int {
	var out []int
	for pos := from; pos < limit; {
		idx := strings.Index(raw[pos:limit], markerClose)
		if idx < 0 {
			break
		}
		out = append(out, pos+idx)
		pos += idx + len(markerClose)
	}
	return out
}

// markerValue returns the payload ending at closes[n] (or at limit for an unclosed
// marker) and the offset just past the marker.
func markerValue(raw string, from int, closes []int, limit, n int) (string, int) {
	if len(closes) == 0 {
		return cleanValue(raw[from:limit]), limit
	}
	end := closes[n]
	return cleanValue(raw[from:end]), end + len(markerClose)
}

func cleanValue(v string) string {
	v = strings.TrimSpace(v)
	if strings.HasPrefix(v, "=") || strings.HasPrefix(v, ":") {
		v = strings.TrimSpace(v[1:])
	}
	return v
}

func decodeContextMarker(raw string, from int, closes []int, limit int) (ContextDirective, int) {
	for n := range closes {
		value, end := markerValue(raw, from, closes, limit, n)
		if d := decodeContext(value); d.Status == DirectiveValid {
			return d, end
		}
	}
	// Directives trail the reply, so an unparseable payload is read through to the next
	// marker or the end, the same as an unclosed one.
	value := strings.TrimSpace(raw[from:limit])
	value = strings.TrimSpace(strings.TrimSuffix(value, markerClose))
	if d := decodeContext(cleanValue(value)); d.Status == DirectiveValid {
		return d, limit
	}
	return ContextDirective{Status: DirectiveMalformed}, limit
}

func decodePoints(value string) PointsDirective {
	n, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		var numErr *strconv.NumError
		if errors.As(err, &numErr) && errors.Is(numErr.Err, strconv.ErrRange) {
			if strings.HasPrefix(value, "-") {
				return PointsDirective{Status: DirectiveValid, Points: MinPointsAward, Clamped: true}
			}
			return PointsDirective{Status: DirectiveValid, Points: MaxPointsAward, Clamped: true}
		}
		return PointsDirective{Status: DirectiveMalformed}
	}
	switch {
	case n < MinPointsAward:
		return PointsDirective{Status: DirectiveValid, Points: MinPointsAward, Clamped: true}
	case n > MaxPointsAward:
		return PointsDirective{Status: DirectiveValid, Points: MaxPointsAward, Clamped: true}
	default:
		return PointsDirective{Status: DirectiveValid, Points: int(n)}
	}
}

func decodePhase(value string) PhaseDirective {
	p, err := models.ParsePhase(value)
	if err != nil {
		return PhaseDirective{Status: DirectiveMalformed, Raw: value}
	}
	return PhaseDirective{Status: DirectiveValid, Phase: p, Raw: value}
}

func decodeContext(value string) ContextDirective {
	data := []byte(value)
	if !bytes.HasPrefix(data, []byte("{")) {
		return ContextDirective{Status: DirectiveMalformed}
	}
	var update models.ContextUpdate
	if err := json.Unmarshal(data, &update); err != nil {
		return ContextDirective{Status: DirectiveMalformed}
	}
	return ContextDirective{Status: DirectiveValid, Update: update}
}

// tidyVisible trims the text and collapses the blank lines left behind by removed markers.
func tidyVisible(s string) string {
	lines := strings.Split(s, "\n")
	kept := lines[:0]
	blank := false
	for _, line := range lines {
		line = strings.TrimRight(line, " \t\r")
		if line == "" {
			if blank {
				continue
			}
			blank = true
		} else {
			blank = false
		}
		kept = append(kept, line)
	}
	return strings.TrimSpace(strings.Join(kept, "\n"))
}

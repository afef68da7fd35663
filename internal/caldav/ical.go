package caldav

import (
	"bytes"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/emersion/go-ical"
	"github.com/samber/mo"

	"github.com/bizblasts/calsync/internal/db"
	"github.com/bizblasts/calsync/internal/provider"
)

const (
	productID = "-//BizBlasts//Calendar Sync//EN"

	beginCalendar = "BEGIN:VCALENDAR"
	endCalendar   = "END:VCALENDAR"

	// Bounds for the marker scan over untrusted REPORT bodies.
	maxCalendarBlocks = 5000
	maxBlockBytes     = 1 << 20
)

var (
	ErrMalformedContent = errors.New("malformed calendar content")
	errMissingStart     = errors.New("event has no DTSTART")
)

// buildEvent encodes a booking as a single-VEVENT calendar.
func buildEvent(b *db.Booking, uid string, now time.Time) ([]byte, error) {
	cal := ical.NewCalendar()
	cal.Props.SetText(ical.PropVersion, "2.0")
	cal.Props.SetText(ical.PropProductID, productID)

	event := ical.NewEvent()
	event.Props.SetText(ical.PropUID, uid)
	event.Props.SetDateTime(ical.PropDateTimeStamp, now.UTC())
	event.Props.SetDateTime(ical.PropDateTimeStart, b.StartTime.UTC())
	event.Props.SetDateTime(ical.PropDateTimeEnd, b.EndTime.UTC())
	event.Props.SetText(ical.PropSummary, provider.EventSummary(b))
	event.Props.SetText(ical.PropStatus, "CONFIRMED")
	event.Props.SetText(ical.PropTransparency, "OPAQUE")
	if desc := provider.EventDescription(b); desc != "" {
		event.Props.SetText(ical.PropDescription, desc)
	}
	if b.BusinessAddress != "" {
		event.Props.SetText(ical.PropLocation, b.BusinessAddress)
	}

	cal.Children = append(cal.Children, event.Component)

	var buf bytes.Buffer
	if err := ical.NewEncoder(&buf).Encode(cal); err != nil {
		return nil, fmt.Errorf("failed to encode event: %w", err)
	}
	return buf.Bytes(), nil
}

// splitCalendarBlocks cuts data into BEGIN:VCALENDAR ... END:VCALENDAR
// blocks with a single forward scan. A block that hits the next BEGIN, the
// end of input or the size bound before its END marker is still returned so
// the caller reports it as malformed.
func splitCalendarBlocks(data string) []string {
	var blocks []string
	pos := 0

	for len(blocks) < maxCalendarBlocks {
		i := strings.Index(data[pos:], beginCalendar)
		if i < 0 {
			break
		}
		start := pos + i
		bodyStart := start + len(beginCalendar)

		window := data[bodyStart:]
		if len(window) > maxBlockBytes {
			window = window[:maxBlockBytes]
		}

		endIdx := strings.Index(window, endCalendar)
		nextBegin := strings.Index(window, beginCalendar)

		switch {
		case endIdx >= 0 && (nextBegin < 0 || endIdx < nextBegin):
			stop := bodyStart + endIdx + len(endCalendar)
			blocks = append(blocks, data[start:stop])
			pos = stop
		case nextBegin >= 0:
			blocks = append(blocks, data[start:bodyStart+nextBegin])
			pos = bodyStart + nextBegin
		default:
			stop := bodyStart + len(window)
			blocks = append(blocks, data[start:stop])
			pos = stop
		}
	}

	return blocks
}

// parseCalendarBlock decodes one VCALENDAR block into imported events.
// resourceID is the event's remote id when known; otherwise ids are derived
// from the calendar URL and event UID.
func parseCalendarBlock(block, resourceID, calendarURL string) mo.Result[[]provider.ImportedEvent] {
	cal, err := ical.NewDecoder(strings.NewReader(block)).Decode()
	if err != nil {
		return mo.Err[[]provider.ImportedEvent](fmt.Errorf("%w: %w", ErrMalformedContent, err))
	}

	var events []provider.ImportedEvent
	for _, ev := range cal.Events() {
		imported, err := importEvent(&ev, resourceID, calendarURL)
		if err != nil {
			return mo.Err[[]provider.ImportedEvent](fmt.Errorf("%w: %w", ErrMalformedContent, err))
		}
		events = append(events, imported)
	}

	return mo.Ok(events)
}

func importEvent(ev *ical.Event, resourceID, calendarURL string) (provider.ImportedEvent, error) {
	uid, _ := ev.Props.Text(ical.PropUID)
	summary, _ := ev.Props.Text(ical.PropSummary)

	startProp := ev.Props.Get(ical.PropDateTimeStart)
	if startProp == nil {
		return provider.ImportedEvent{}, errMissingStart
	}
	start, err := propTime(startProp)
	if err != nil {
		return provider.ImportedEvent{}, fmt.Errorf("invalid DTSTART: %w", err)
	}

	var end time.Time
	switch {
	case ev.Props.Get(ical.PropDateTimeEnd) != nil:
		end, err = propTime(ev.Props.Get(ical.PropDateTimeEnd))
		if err != nil {
			return provider.ImportedEvent{}, fmt.Errorf("invalid DTEND: %w", err)
		}
	case ev.Props.Get(ical.PropDuration) != nil:
		d, err := ev.Props.Get(ical.PropDuration).Duration()
		if err != nil {
			return provider.ImportedEvent{}, fmt.Errorf("invalid DURATION: %w", err)
		}
		end = start.Add(d)
	case startProp.ValueType() == ical.ValueDate:
		end = start.Add(24 * time.Hour)
	default:
		end = start
	}

	id := resourceID
	if id == "" && uid != "" {
		id = strings.TrimSuffix(calendarURL, "/") + "/" + uid + ".ics"
	}

	return provider.ImportedEvent{
		ExternalEventID:    id,
		ExternalCalendarID: calendarURL,
		StartsAt:           start,
		EndsAt:             end,
		Summary:            summary,
	}, nil
}

// propTime converts a date or date-time property to UTC, honoring TZID
// parameters and GMT offset pseudo-zones.
func propTime(prop *ical.Prop) (time.Time, error) {
	value := prop.Value

	if strings.HasSuffix(value, "Z") {
		return time.Parse("20060102T150405Z", value)
	}

	if tzid := prop.Params.Get(ical.ParamTimezoneID); tzid != "" {
		loc, err := time.LoadLocation(tzid)
		if err != nil {
			loc = parseGMTOffset(tzid)
		}
		if loc != nil {
			if t, err := time.ParseInLocation("20060102T150405", value, loc); err == nil {
				return t.UTC(), nil
			}
		}
	}

	t, err := prop.DateTime(time.UTC)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

// parseGMTOffset parses timezone strings like "GMT-0400", "GMT+0530", "UTC+05:30"
// and returns a fixed timezone location.
func parseGMTOffset(tzid string) *time.Location {
	offset := tzid
	for _, prefix := range []string{"Etc/GMT", "GMT", "UTC"} {
		if strings.HasPrefix(offset, prefix) {
			offset = strings.TrimPrefix(offset, prefix)
			break
		}
	}

	if offset == "" {
		return time.UTC
	}

	sign := 1
	if strings.HasPrefix(offset, "-") {
		sign = -1
		offset = offset[1:]
	} else if strings.HasPrefix(offset, "+") {
		offset = offset[1:]
	}

	offset = strings.ReplaceAll(offset, ":", "")

	var hours, minutes int
	var err error
	switch len(offset) {
	case 1, 2:
		_, err = fmt.Sscanf(offset, "%d", &hours)
	case 3:
		_, err = fmt.Sscanf(offset, "%1d%2d", &hours, &minutes)
	case 4:
		_, err = fmt.Sscanf(offset, "%2d%2d", &hours, &minutes)
	default:
		return nil
	}
	if err != nil {
		return nil
	}

	return time.FixedZone(tzid, sign*(hours*3600+minutes*60))
}

// uidFromHref recovers the event UID from a resource href ending in {uid}.ics.
func uidFromHref(href string) string {
	base := path.Base(strings.TrimSuffix(href, "/"))
	return strings.TrimSuffix(base, ".ics")
}

var xmlEntities = strings.NewReplacer(
	"&lt;", "<", "&gt;", ">", "&quot;", `"`, "&apos;", "'",
	"&#13;", "\r", "&#xD;", "\r", "&#10;", "\n", "&#xA;", "\n",
	"&amp;", "&",
)

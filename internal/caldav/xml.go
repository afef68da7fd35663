package caldav

import (
	"errors"
	"strings"
	"time"

	"github.com/beevik/etree"
)

// Namespaces and the prefixes servers expect them under.
const (
	nsDAV            = "DAV:"
	nsCalDAV         = "urn:ietf:params:xml:ns:caldav"
	nsCalendarServer = "http://calendarserver.org/ns/"
	nsAppleICal      = "http://apple.com/ns/ical/"

	timeRangeFormat = "20060102T150405Z"
)

var errEmptyMultistatus = errors.New("missing multistatus root")

// davResponse is one <D:response> of a multistatus reply, reduced to the
// properties discovery and import use.
type davResponse struct {
	Href            string
	DisplayName     string
	IsCalendar      bool
	Components      []string
	PrivilegesKnown bool
	Writable        bool
	Principal       string
	HomeSet         string
	CalendarData    []string
}

// SupportsVEVENT reports whether the collection advertises VEVENT. An absent
// component set means the server supports all component types.
func (r *davResponse) SupportsVEVENT() bool {
	if len(r.Components) == 0 {
		return true
	}
	for _, c := range r.Components {
		if strings.EqualFold(c, "VEVENT") {
			return true
		}
	}
	return false
}

// newDocument starts a request document whose root declares the given
// namespace prefixes.
func newDocument(root string, prefixes ...string) (*etree.Document, *etree.Element) {
	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="utf-8"`)
	el := doc.CreateElement(root)
	for _, p := range prefixes {
		switch p {
		case "D":
			el.CreateAttr("xmlns:D", nsDAV)
		case "C":
			el.CreateAttr("xmlns:C", nsCalDAV)
		case "CS":
			el.CreateAttr("xmlns:CS", nsCalendarServer)
		case "ICAL":
			el.CreateAttr("xmlns:ICAL", nsAppleICal)
		}
	}
	return doc, el
}

// propfindBody builds <D:propfind><D:prop> with the given prefixed property names.
func propfindBody(prefixes []string, props ...string) *etree.Document {
	doc, root := newDocument("D:propfind", prefixes...)
	prop := root.CreateElement("D:prop")
	for _, p := range props {
		prop.CreateElement(p)
	}
	return doc
}

func principalBody() *etree.Document {
	return propfindBody([]string{"D"}, "D:current-user-principal")
}

func homeSetBody() *etree.Document {
	return propfindBody([]string{"D", "C"}, "C:calendar-home-set")
}

// calendarListBody requests the properties used to filter calendar
// collections, plus a vendor property for the server family.
func calendarListBody(vendorPrefix string) *etree.Document {
	prefixes := []string{"D", "C"}
	props := []string{
		"D:resourcetype",
		"D:displayname",
		"D:current-user-privilege-set",
		"C:supported-calendar-component-set",
	}
	switch vendorPrefix {
	case "CS":
		prefixes = append(prefixes, "CS")
		props = append(props, "CS:getctag")
	case "ICAL":
		prefixes = append(prefixes, "ICAL")
		props = append(props, "ICAL:calendar-color")
	}
	return propfindBody(prefixes, props...)
}

// calendarQueryBody builds a calendar-query REPORT for VEVENTs overlapping
// [start, end).
func calendarQueryBody(start, end time.Time) *etree.Document {
	doc, root := newDocument("C:calendar-query", "D", "C")
	prop := root.CreateElement("D:prop")
	prop.CreateElement("D:getetag")
	prop.CreateElement("C:calendar-data")

	filter := root.CreateElement("C:filter")
	vcal := filter.CreateElement("C:comp-filter")
	vcal.CreateAttr("name", "VCALENDAR")
	vevent := vcal.CreateElement("C:comp-filter")
	vevent.CreateAttr("name", "VEVENT")
	tr := vevent.CreateElement("C:time-range")
	tr.CreateAttr("start", start.UTC().Format(timeRangeFormat))
	tr.CreateAttr("end", end.UTC().Format(timeRangeFormat))
	return doc
}

// parseMultistatus reads a multistatus body. Only propstats with a 2xx (or
// missing) status contribute properties.
func parseMultistatus(raw []byte) ([]davResponse, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(raw); err != nil {
		return nil, err
	}

	root := doc.Root()
	if root == nil || root.Tag != "multistatus" {
		return nil, errEmptyMultistatus
	}

	var out []davResponse
	for _, respEl := range root.SelectElements("response") {
		var r davResponse
		if href := respEl.SelectElement("href"); href != nil {
			r.Href = strings.TrimSpace(href.Text())
		}

		for _, ps := range respEl.SelectElements("propstat") {
			if status := ps.SelectElement("status"); status != nil && !okStatus(status.Text()) {
				continue
			}
			prop := ps.SelectElement("prop")
			if prop == nil {
				continue
			}
			readProps(prop, &r)
		}
		out = append(out, r)
	}

	return out, nil
}

func readProps(prop *etree.Element, r *davResponse) {
	for _, el := range prop.ChildElements() {
		switch el.Tag {
		case "displayname":
			r.DisplayName = strings.TrimSpace(el.Text())
		case "resourcetype":
			if el.SelectElement("calendar") != nil {
				r.IsCalendar = true
			}
		case "supported-calendar-component-set":
			for _, comp := range el.SelectElements("comp") {
				if name := comp.SelectAttrValue("name", ""); name != "" {
					r.Components = append(r.Components, name)
				}
			}
		case "current-user-privilege-set":
			r.PrivilegesKnown = true
			for _, priv := range el.SelectElements("privilege") {
				for _, p := range priv.ChildElements() {
					switch p.Tag {
					case "write", "write-content", "all":
						r.Writable = true
					}
				}
			}
		case "current-user-principal":
			if href := el.SelectElement("href"); href != nil {
				r.Principal = strings.TrimSpace(href.Text())
			}
		case "calendar-home-set":
			if href := el.SelectElement("href"); href != nil {
				r.HomeSet = strings.TrimSpace(href.Text())
			}
		case "calendar-data":
			if data := el.Text(); strings.TrimSpace(data) != "" {
				r.CalendarData = append(r.CalendarData, data)
			}
		}
	}
}

// okStatus accepts "HTTP/1.1 200 OK" style status lines in the 2xx range.
func okStatus(line string) bool {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return true
	}
	return strings.HasPrefix(fields[1], "2")
}

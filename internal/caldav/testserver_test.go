package caldav

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

// davRequest records one request seen by a fakeDAV server.
type davRequest struct {
	Method string
	Path   string
	Depth  string
	Header http.Header
	Body   string
}

// fakeDAV routes "METHOD path" to canned responses and records every request.
type fakeDAV struct {
	t      *testing.T
	mu     sync.Mutex
	routes map[string]func(w http.ResponseWriter, r *http.Request, body string)
	seen   []davRequest
	server *httptest.Server
}

func newFakeDAV(t *testing.T) *fakeDAV {
	t.Helper()
	f := &fakeDAV{t: t, routes: make(map[string]func(http.ResponseWriter, *http.Request, string))}
	f.server = httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(f.server.Close)
	return f
}

func (f *fakeDAV) URL() string {
	return f.server.URL
}

func (f *fakeDAV) handle(method, path string, fn func(w http.ResponseWriter, r *http.Request, body string)) {
	f.routes[method+" "+path] = fn
}

// multistatus registers a 207 reply.
func (f *fakeDAV) multistatus(method, path string, responses ...string) {
	f.handle(method, path, func(w http.ResponseWriter, _ *http.Request, _ string) {
		w.Header().Set("Content-Type", "application/xml; charset=utf-8")
		w.WriteHeader(http.StatusMultiStatus)
		_, _ = io.WriteString(w, multistatusBody(responses...))
	})
}

func (f *fakeDAV) status(method, path string, code int) {
	f.handle(method, path, func(w http.ResponseWriter, _ *http.Request, _ string) {
		w.WriteHeader(code)
	})
}

func (f *fakeDAV) serve(w http.ResponseWriter, r *http.Request) {
	raw, _ := io.ReadAll(r.Body)

	f.mu.Lock()
	f.seen = append(f.seen, davRequest{
		Method: r.Method,
		Path:   r.URL.Path,
		Depth:  r.Header.Get("Depth"),
		Header: r.Header.Clone(),
		Body:   string(raw),
	})
	fn, ok := f.routes[r.Method+" "+r.URL.Path]
	f.mu.Unlock()

	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	fn(w, r, string(raw))
}

func (f *fakeDAV) requests(method string) []davRequest {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []davRequest
	for _, r := range f.seen {
		if r.Method == method {
			out = append(out, r)
		}
	}
	return out
}

func multistatusBody(responses ...string) string {
	return `<?xml version="1.0" encoding="utf-8"?>` +
		`<D:multistatus xmlns:D="DAV:" xmlns:C="urn:ietf:params:xml:ns:caldav">` +
		strings.Join(responses, "") +
		`</D:multistatus>`
}

func propResponse(href, props string) string {
	return fmt.Sprintf(`<D:response><D:href>%s</D:href><D:propstat><D:prop>%s</D:prop>`+
		`<D:status>HTTP/1.1 200 OK</D:status></D:propstat></D:response>`, href, props)
}

func collectionResponse(href string) string {
	return propResponse(href, `<D:resourcetype><D:collection/></D:resourcetype>`)
}

func calendarResponse(href string, writable bool, components ...string) string {
	var comps strings.Builder
	if len(components) > 0 {
		comps.WriteString(`<C:supported-calendar-component-set>`)
		for _, c := range components {
			fmt.Fprintf(&comps, `<C:comp name="%s"/>`, c)
		}
		comps.WriteString(`</C:supported-calendar-component-set>`)
	}

	priv := `<D:privilege><D:read/></D:privilege>`
	if writable {
		priv += `<D:privilege><D:write/></D:privilege>`
	}

	return propResponse(href,
		`<D:resourcetype><D:collection/><C:calendar/></D:resourcetype>`+
			comps.String()+
			`<D:current-user-privilege-set>`+priv+`</D:current-user-privilege-set>`)
}

func calendarDataResponse(href, data string) string {
	return propResponse(href, `<D:getetag>"1"</D:getetag><C:calendar-data>`+data+`</C:calendar-data>`)
}

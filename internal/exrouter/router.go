package exrouter

import (
	"strings"

	"github.com/kfcemployee/evhttp/httpd"
)

// Handler is a routed request handler. params holds the values captured
// by ':name' segments in the matched pattern.
type Handler func(r *httpd.Request, w *httpd.Response, params Params)

// Router matches request method + path against registered patterns and
// dispatches to the bound Handler. Its Serve method satisfies
// httpd.Handler, so a Router plugs straight into httpd.Listen.
type Router struct {
	trees    map[string]*node
	notFound Handler
}

// New returns an empty Router that answers 404 for unmatched paths.
func New() *Router {
	return &Router{
		trees: make(map[string]*node),
		notFound: func(r *httpd.Request, w *httpd.Response, _ Params) {
			w.SetStatus(404).
				SetHeader("Content-Type", "text/plain").
				SetBody([]byte("not found")).
				Send()
		},
	}
}

// Handle binds pattern to h for the given method. Patterns are slash
// separated; a segment starting with ':' captures that path segment
// into Params under the name after the colon.
func (rt *Router) Handle(method, pattern string, h Handler) {
	root, ok := rt.trees[method]
	if !ok {
		n := newRoot()
		root = &n
		rt.trees[method] = root
	}
	root.insert(pattern, h)
}

// GET is shorthand for Handle("GET", ...).
func (rt *Router) GET(pattern string, h Handler) { rt.Handle("GET", pattern, h) }

// POST is shorthand for Handle("POST", ...).
func (rt *Router) POST(pattern string, h Handler) { rt.Handle("POST", pattern, h) }

// NotFound replaces the default 404 handler.
func (rt *Router) NotFound(h Handler) { rt.notFound = h }

// Serve dispatches one request. Pass it to httpd.Listen as the server's
// handler.
func (rt *Router) Serve(r *httpd.Request, w *httpd.Response) {
	path := r.Target()
	if q := strings.IndexByte(path, '?'); q >= 0 {
		path = path[:q]
	}

	var params Params
	if root, ok := rt.trees[r.Method()]; ok {
		if h := root.match(path, &params); h != nil {
			h(r, w, params)
			return
		}
	}
	rt.notFound(r, w, params)
}

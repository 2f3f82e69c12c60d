package httpapi

import (
	"net/http"
	hpprof "net/http/pprof"
)

// mountPprof registers net/http/pprof under /debug/pprof/ behind wrap.
func mountPprof(mux *http.ServeMux, wrap func(http.HandlerFunc) http.HandlerFunc) {
	mux.HandleFunc("GET /debug/pprof/", wrap(hpprof.Index))
	mux.HandleFunc("GET /debug/pprof/cmdline", wrap(hpprof.Cmdline))
	mux.HandleFunc("GET /debug/pprof/profile", wrap(hpprof.Profile))
	mux.HandleFunc("GET /debug/pprof/symbol", wrap(hpprof.Symbol))
	mux.HandleFunc("POST /debug/pprof/symbol", wrap(hpprof.Symbol))
	mux.HandleFunc("GET /debug/pprof/trace", wrap(hpprof.Trace))
}

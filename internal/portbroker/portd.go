package portbroker

import (
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
)

// maxBindAttempts bounds how long the broker probes for a port outside
// the caller's blacklist before declaring exhaustion
const maxBindAttempts = 128

// NewHandler returns the portd HTTP handler. It answers GET / with one
// free host port as plain text, honoring repeated `blacklist` query
// parameters. The kernel picks the port: we bind :0, read the assigned
// port back and release it, which keeps the broker correct regardless of
// what else is listening on the host.
func NewHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /", func(w http.ResponseWriter, r *http.Request) {
		blacklist := make(map[int]bool)
		for _, v := range r.URL.Query()["blacklist"] {
			if p, err := strconv.Atoi(v); err == nil {
				blacklist[p] = true
			}
		}

		for i := 0; i < maxBindAttempts; i++ {
			port, err := probeFreePort()
			if err != nil {
				slog.Error("failed to probe for a free port", "error", err)
				http.Error(w, "cannot allocate port", http.StatusInternalServerError)
				return
			}
			if blacklist[port] {
				continue
			}
			fmt.Fprintf(w, "%d", port)
			return
		}

		http.Error(w, "port space exhausted", http.StatusServiceUnavailable)
	})
	return mux
}

// probeFreePort asks the kernel for an unused TCP port
func probeFreePort() (int, error) {
	l, err := net.Listen("tcp", ":0")
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}

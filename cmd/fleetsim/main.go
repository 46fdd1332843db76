// fleetsim runs the fake fleet service on a local port for development and
// manual testing. Point a device at it:
//
//	go run ./cmd/fleetsim --addr 127.0.0.1:8080 --token dev-token
//	fleetsync --server http://127.0.0.1:8080 sync
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/FringeDweller/fleetsync/testutil"
)

func main() {
	addr := flag.String("addr", "127.0.0.1:8080", "listen address")
	token := flag.String("token", "dev-token", "bearer token to require")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	fleet := testutil.NewFakeFleet(*token)

	srv := &http.Server{
		Addr:              *addr,
		Handler:           logRequests(fleet.Handler(), logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("fleetsim listening",
		slog.String("addr", *addr),
		slog.String("token", *token),
	)

	if err := srv.ListenAndServe(); err != nil {
		fmt.Fprintf(os.Stderr, "fleetsim: %v\n", err)
		os.Exit(1)
	}
}

// logRequests prints one line per request so a developer can watch a device
// drain its queue.
func logRequests(next http.Handler, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next.ServeHTTP(w, r)
		logger.Info("request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
		)
	})
}

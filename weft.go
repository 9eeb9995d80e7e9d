// Package weft implements the request-serving core of a runtime that
// embeds a script VM (github.com/yuin/gopher-lua) to express HTTP
// applications: connection acceptance, HTTP/1.1 and HTTP/2 parsing,
// route matching, the single-VM cooperative dispatch loop, response
// materialization, and the surrounding ambient engineering (config,
// logging, the schema guard, CORS).
package weft

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

// Run implements the core's CLI-facing entry point named by spec §6
// ("serve(config, route_table) → Result"): it loads scriptPath, builds
// its exported route table, starts the server, and blocks until an
// interrupt or a fatal error. The return value is the process exit code
// spec §6 names: 0 normal shutdown, 1 startup error (bind failure,
// duplicate route, invalid config), 2 fatal runtime error.
func Run(cfg Config, scriptPath string) int {
	vm := NewVM()
	defer vm.Close()

	if err := vm.LoadScript(scriptPath); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	routesTbl, err := vm.Routes()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	routes, err := BuildRouteTable(routesTbl)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	srv := New(cfg, vm, routes)
	if ref, ok := vm.ErrorHandlerRef(); ok {
		srv.SetErrorHandler(ref)
	}

	if cfg.Docs && cfg.DocsHTMLFile != "" {
		html, err := loadDocsHTML(cfg)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
		srv.SetDocs(html)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 2
		}
		return 0
	case err := <-errCh:
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 2
		}
		return 0
	}
}

// loadDocsHTML reads the pre-rendered OpenAPI HTML named by
// Config.DocsHTMLFile for Run to hand to the docs cache. The core itself
// never generates this HTML (spec §1's external documentation-generator
// collaborator) — this just reads what that collaborator already wrote to
// disk.
func loadDocsHTML(cfg Config) (string, error) {
	b, err := os.ReadFile(cfg.DocsHTMLFile)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

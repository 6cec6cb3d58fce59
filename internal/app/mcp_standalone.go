package app

import (
	"context"
	"errors"

	mcpserver "visitrelay/internal/mcp"
)

// ServeMCP runs the relay as an MCP server on stdin/stdout until ctx is
// cancelled or the client disconnects. Approvals go through the state
// database so another process can resolve them.
func (a *App) ServeMCP(ctx context.Context, version string) error {
	srv := mcpserver.New(mcpserver.Deps{
		Relay:     a.relay,
		Builder:   a.builder,
		Approvals: a.approvals,
		Emitter:   a.emitter,
		Logger:    a.log,
		Version:   version,
	})

	err := srv.ServeStdio(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

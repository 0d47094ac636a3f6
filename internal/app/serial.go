package app

import (
	"context"
	"sync"

	"github.com/MrTeeett/portdeck/internal/system"
)

// serialController runs one mutating action at a time across HTTP and gRPC.
// An unblock lists rules and then deletes by index, which must not interleave
// with another rule change. Inventory reads pass straight through.
type serialController struct {
	mu   sync.Mutex
	next system.PortController
}

func serialize(c system.PortController) system.PortController {
	if sc, ok := c.(*serialController); ok {
		return sc
	}
	return &serialController{next: c}
}

func (s *serialController) ListInventory(ctx context.Context) ([]system.PortRecord, error) {
	return s.next.ListInventory(ctx)
}

func (s *serialController) KillProcess(ctx context.Context, pid int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.next.KillProcess(ctx, pid)
}

func (s *serialController) RestartService(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.next.RestartService(ctx, name)
}

func (s *serialController) BlockPort(ctx context.Context, port int, proto system.Protocol) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.next.BlockPort(ctx, port, proto)
}

func (s *serialController) UnblockPort(ctx context.Context, port int, proto system.Protocol) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.next.UnblockPort(ctx, port, proto)
}

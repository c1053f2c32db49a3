package port

import (
	"context"
	"fmt"

	psnet "github.com/shirou/gopsutil/v4/net"
	"github.com/shirou/gopsutil/v4/process"
)

// SystemOwners finds listeners through the OS connection table.
type SystemOwners struct{}

func (SystemOwners) Owners(ctx context.Context, port int) ([]Owner, error) {
	conns, err := psnet.ConnectionsWithContext(ctx, "tcp")
	if err != nil {
		return nil, fmt.Errorf("list connections: %w", err)
	}
	seen := make(map[int32]bool)
	var out []Owner
	for _, c := range conns {
		if c.Status != "LISTEN" || int(c.Laddr.Port) != port || c.Pid <= 0 || seen[c.Pid] {
			continue
		}
		seen[c.Pid] = true
		o := Owner{PID: c.Pid}
		if p, err := process.NewProcessWithContext(ctx, c.Pid); err == nil {
			o.Name, _ = p.NameWithContext(ctx)
		}
		out = append(out, o)
	}
	return out, nil
}

// SystemTerminator signals processes through gopsutil.
type SystemTerminator struct{}

func (SystemTerminator) Terminate(ctx context.Context, pid int32) error {
	p, err := process.NewProcessWithContext(ctx, pid)
	if err != nil {
		return nil // already gone
	}
	return p.TerminateWithContext(ctx)
}

func (SystemTerminator) Kill(ctx context.Context, pid int32) error {
	p, err := process.NewProcessWithContext(ctx, pid)
	if err != nil {
		return nil
	}
	return p.KillWithContext(ctx)
}

func (SystemTerminator) Alive(ctx context.Context, pid int32) bool {
	ok, err := process.PidExistsWithContext(ctx, pid)
	return err == nil && ok
}

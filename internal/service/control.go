package service

import (
	"context"
	"fmt"

	"github.com/breeze-rmm/updater/internal/bundle"
	"github.com/breeze-rmm/updater/internal/ipc"
)

// HandleControl executes one control request from the IPC server.
func (m *Manager) HandleControl(ctx context.Context, req *ipc.Request) (*ipc.Response, error) {
	switch req.Op {
	case ipc.OpCreateBundle:
		policy := req.Policy
		if policy.InstallSource == "" {
			policy.InstallSource = bundle.SourceOnDemand
		}
		b, err := m.CreateBundle(ctx, req.AppIDs, policy)
		if err != nil {
			return nil, err
		}
		if req.Start {
			snap, err := m.Start(b.ID)
			if err != nil {
				return nil, err
			}
			return &ipc.Response{BundleID: b.ID, Snapshot: &snap}, nil
		}
		snap := b.Snapshot()
		return &ipc.Response{BundleID: b.ID, Snapshot: &snap}, nil

	case ipc.OpStart:
		return snapshotResponse(req.BundleID, m.Start)
	case ipc.OpPause:
		return snapshotResponse(req.BundleID, m.Pause)
	case ipc.OpResume:
		return snapshotResponse(req.BundleID, m.Resume)
	case ipc.OpCancel:
		return snapshotResponse(req.BundleID, m.Cancel)
	case ipc.OpQueryState:
		return snapshotResponse(req.BundleID, m.QueryState)

	case ipc.OpListBundles:
		snaps := m.List()
		infos := make([]ipc.BundleInfo, len(snaps))
		for i, s := range snaps {
			infos[i] = BundleInfo(s)
		}
		return &ipc.Response{Bundles: infos}, nil
	}
	return nil, fmt.Errorf("unknown operation %q", req.Op)
}

func snapshotResponse(id string, fn func(string) (bundle.Snapshot, error)) (*ipc.Response, error) {
	if id == "" {
		return nil, fmt.Errorf("bundle id is required")
	}
	snap, err := fn(id)
	if err != nil {
		return nil, err
	}
	return &ipc.Response{BundleID: id, Snapshot: &snap}, nil
}

// BundleInfo condenses a snapshot into a list row.
func BundleInfo(s bundle.Snapshot) ipc.BundleInfo {
	return ipc.BundleInfo{
		BundleID: s.ID,
		State:    s.State,
		Source:   string(s.Policy.InstallSource),
		Apps:     len(s.Apps),
		Summary:  s.Summarize(),
	}
}

var _ ipc.Handler = (*Manager)(nil)

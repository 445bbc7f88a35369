package api

import (
	"context"

	"github.com/onkernel/sharedblock/lib/migration"
	"github.com/samber/lo"
)

type migrateVolume struct {
	VolumeUuid         string `json:"volumeUuid"`
	SnapshotUuid       string `json:"snapshotUuid"`
	CurrentInstallPath string `json:"currentInstallPath"`
	TargetInstallPath  string `json:"targetInstallPath"`
	SafeMode           bool   `json:"safeMode"`
	CompareQcow2       bool   `json:"compareQcow2"`
}

type migrateVolumesRequest struct {
	poolRequest
	MigrateVolumeStructs []migrateVolume `json:"migrateVolumeStructs"`
	HostUuid             string          `json:"hostUuid"`
}

func (s *ApiService) migrateVolumes(ctx context.Context, req migrateVolumesRequest, rsp *AgentResponse) error {
	tasks := lo.Map(req.MigrateVolumeStructs, func(v migrateVolume, _ int) migration.Task {
		return migration.Task{
			VolumeUUID:         v.VolumeUuid,
			SnapshotUUID:       v.SnapshotUuid,
			CurrentInstallPath: v.CurrentInstallPath,
			TargetInstallPath:  v.TargetInstallPath,
			SafeMode:           v.SafeMode,
			CompareQcow2:       v.CompareQcow2,
		}
	})
	return s.Migration.Migrate(ctx, tasks, req.HostUuid)
}

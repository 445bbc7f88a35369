package api

import (
	"context"

	"github.com/onkernel/sharedblock/lib/disk"
	"github.com/onkernel/sharedblock/lib/pools"
)

type connectRequest struct {
	poolRequest
	SharedBlockUuids []string `json:"sharedBlockUuids"`
	HostId           int      `json:"hostId"`
	HostUuid         string   `json:"hostUuid"`
	ForceWipe        bool     `json:"forceWipe"`
	EnableLvmetad    bool     `json:"enableLvmetad"`
}

type connectResponse struct {
	AgentResponse
	IsFirst   bool   `json:"isFirst"`
	HostId    int    `json:"hostId"`
	VgLvmUuid string `json:"vgLvmUuid"`
	HostUuid  string `json:"hostUuid"`
}

func (s *ApiService) connect(ctx context.Context, req connectRequest, rsp *connectResponse) error {
	res, err := s.Pools.Connect(ctx, pools.ConnectRequest{
		VGUUID:          req.VgUuid,
		DiskIdentifiers: req.SharedBlockUuids,
		HostID:          req.HostId,
		HostUUID:        req.HostUuid,
		ForceWipe:       req.ForceWipe,
		EnableLvmetad:   req.EnableLvmetad,
	})
	if err != nil {
		return err
	}
	rsp.IsFirst = res.IsFirst
	rsp.HostId = res.HostID
	rsp.VgLvmUuid = res.VGLvmUUID
	rsp.HostUuid = res.HostUUID
	rsp.setCapacity(res.Capacity)
	return nil
}

type disconnectRequest struct {
	poolRequest
	HostUuid     string `json:"hostUuid"`
	StopServices bool   `json:"stopServices"`
}

func (s *ApiService) disconnect(ctx context.Context, req disconnectRequest, rsp *AgentResponse) error {
	return s.Pools.Disconnect(ctx, pools.DisconnectRequest{
		VGUUID:       req.VgUuid,
		HostUUID:     req.HostUuid,
		StopServices: req.StopServices,
	})
}

type addDiskRequest struct {
	poolRequest
	DiskUuid  string `json:"diskUuid"`
	HostUuid  string `json:"hostUuid"`
	ForceWipe bool   `json:"forceWipe"`
}

func (s *ApiService) addDisk(ctx context.Context, req addDiskRequest, rsp *AgentResponse) error {
	capacity, err := s.Pools.AddDisk(ctx, pools.AddDiskRequest{
		VGUUID:         req.VgUuid,
		DiskIdentifier: req.DiskUuid,
		HostUUID:       req.HostUuid,
		ForceWipe:      req.ForceWipe,
	})
	if err != nil {
		return err
	}
	rsp.setCapacity(capacity)
	return nil
}

type checkDisksRequest struct {
	poolRequest
	SharedBlockUuids []string `json:"sharedBlockUuids"`
	Rescan           bool     `json:"rescan"`
	FailIfNoPath     bool     `json:"failIfNoPath"`
}

func (s *ApiService) checkDisks(ctx context.Context, req checkDisksRequest, rsp *AgentResponse) error {
	capacity, err := s.Pools.CheckDisks(ctx, pools.CheckDisksRequest{
		VGUUID:          req.VgUuid,
		DiskIdentifiers: req.SharedBlockUuids,
		Rescan:          req.Rescan,
		FailIfNoPath:    req.FailIfNoPath,
	})
	if err != nil {
		return err
	}
	if capacity != nil {
		rsp.setCapacity(*capacity)
	}
	return nil
}

type blockDevicesResponse struct {
	AgentResponse
	BlockDevices []disk.BlockDevice `json:"blockDevices"`
}

func (s *ApiService) blockDevices(ctx context.Context, req poolRequest, rsp *blockDevicesResponse) error {
	devices, err := s.Pools.ListBlockDevices(ctx)
	if err != nil {
		return err
	}
	rsp.BlockDevices = devices
	return nil
}

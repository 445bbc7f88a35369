package api

import (
	"context"
	"fmt"

	"github.com/onkernel/sharedblock/lib/backend"
	"github.com/onkernel/sharedblock/lib/volumes"
)

type addons struct {
	ThinProvisioningInitializeSize int64 `json:"thinProvisioningInitializeSize"`
}

func allocation(provisioning string, a addons) volumes.Allocation {
	return volumes.Allocation{
		Provisioning:       volumes.Provisioning(provisioning),
		ThinInitializeSize: a.ThinProvisioningInitializeSize,
	}
}

type createRootVolumeRequest struct {
	poolRequest
	TemplatePathInCache string `json:"templatePathInCache"`
	InstallPath         string `json:"installPath"`
	HostUuid            string `json:"hostUuid"`
	Qcow2Options        string `json:"qcow2Options"`
	Provisioning        string `json:"provisioning"`
	Addons              addons `json:"addons"`
}

func (s *ApiService) createRootVolume(ctx context.Context, req createRootVolumeRequest, rsp *AgentResponse) error {
	return s.Volumes.CreateRootVolume(ctx, volumes.CreateRootVolumeRequest{
		TemplatePath: req.TemplatePathInCache,
		InstallPath:  req.InstallPath,
		HostUUID:     req.HostUuid,
		Qcow2Options: req.Qcow2Options,
		Allocation:   allocation(req.Provisioning, req.Addons),
	})
}

type createEmptyVolumeRequest struct {
	poolRequest
	InstallPath  string `json:"installPath"`
	BackingFile  string `json:"backingFile"`
	Size         int64  `json:"size"`
	VolumeFormat string `json:"volumeFormat"`
	HostUuid     string `json:"hostUuid"`
	Qcow2Options string `json:"qcow2Options"`
	Provisioning string `json:"provisioning"`
	Addons       addons `json:"addons"`
}

func (s *ApiService) createEmptyVolume(ctx context.Context, req createEmptyVolumeRequest, rsp *AgentResponse) error {
	return s.Volumes.CreateEmptyVolume(ctx, volumes.CreateEmptyVolumeRequest{
		InstallPath:  req.InstallPath,
		BackingFile:  req.BackingFile,
		Size:         req.Size,
		VolumeFormat: req.VolumeFormat,
		HostUUID:     req.HostUuid,
		Qcow2Options: req.Qcow2Options,
		Allocation:   allocation(req.Provisioning, req.Addons),
	})
}

type resizeVolumeRequest struct {
	poolRequest
	InstallPath  string `json:"installPath"`
	Size         int64  `json:"size"`
	Live         bool   `json:"live"`
	Provisioning string `json:"provisioning"`
	Addons       addons `json:"addons"`
}

type sizeResponse struct {
	AgentResponse
	Size int64 `json:"size"`
}

func (s *ApiService) resizeVolume(ctx context.Context, req resizeVolumeRequest, rsp *sizeResponse) error {
	size, err := s.Volumes.ResizeVolume(ctx, volumes.ResizeVolumeRequest{
		InstallPath: req.InstallPath,
		Size:        req.Size,
		Live:        req.Live,
		Allocation:  allocation(req.Provisioning, req.Addons),
	})
	if err != nil {
		return err
	}
	rsp.Size = size
	return nil
}

type createTemplateRequest struct {
	poolRequest
	VolumePath   string `json:"volumePath"`
	InstallPath  string `json:"installPath"`
	HostUuid     string `json:"hostUuid"`
	SharedVolume bool   `json:"sharedVolume"`
	CompareQcow2 bool   `json:"compareQcow2"`
}

func (s *ApiService) createTemplateFromVolume(ctx context.Context, req createTemplateRequest, rsp *AgentResponse) error {
	return s.Volumes.CreateTemplateFromVolume(ctx, volumes.CreateTemplateRequest{
		VolumePath:   req.VolumePath,
		InstallPath:  req.InstallPath,
		HostUUID:     req.HostUuid,
		SharedVolume: req.SharedVolume,
		CompareQcow2: req.CompareQcow2,
	})
}

type revertVolumeRequest struct {
	poolRequest
	SnapshotInstallPath string `json:"snapshotInstallPath"`
	InstallPath         string `json:"installPath"`
	HostUuid            string `json:"hostUuid"`
	Qcow2Options        string `json:"qcow2Options"`
	Provisioning        string `json:"provisioning"`
	Addons              addons `json:"addons"`
}

type revertVolumeResponse struct {
	AgentResponse
	NewVolumeInstallPath string `json:"newVolumeInstallPath"`
	Size                 int64  `json:"size"`
}

func (s *ApiService) revertVolumeFromSnapshot(ctx context.Context, req revertVolumeRequest, rsp *revertVolumeResponse) error {
	res, err := s.Volumes.RevertVolumeFromSnapshot(ctx, volumes.RevertVolumeRequest{
		VGUUID:       req.VgUuid,
		SnapshotPath: req.SnapshotInstallPath,
		InstallPath:  req.InstallPath,
		HostUUID:     req.HostUuid,
		Qcow2Options: req.Qcow2Options,
		Allocation:   allocation(req.Provisioning, req.Addons),
	})
	if err != nil {
		return err
	}
	rsp.NewVolumeInstallPath = res.InstallPath
	rsp.Size = res.Size
	return nil
}

type mergeSnapshotRequest struct {
	poolRequest
	SnapshotInstallPath  string `json:"snapshotInstallPath"`
	WorkspaceInstallPath string `json:"workspaceInstallPath"`
	HostUuid             string `json:"hostUuid"`
}

type volumeSizeResponse struct {
	AgentResponse
	Size       int64 `json:"size"`
	ActualSize int64 `json:"actualSize"`
}

func (s *ApiService) mergeSnapshot(ctx context.Context, req mergeSnapshotRequest, rsp *volumeSizeResponse) error {
	res, err := s.Volumes.MergeSnapshot(ctx, volumes.MergeSnapshotRequest{
		SnapshotPath:  req.SnapshotInstallPath,
		WorkspacePath: req.WorkspaceInstallPath,
		HostUUID:      req.HostUuid,
	})
	if err != nil {
		return err
	}
	rsp.Size = res.Size
	rsp.ActualSize = res.ActualSize
	return nil
}

type offlineMergeRequest struct {
	poolRequest
	SrcPath    string `json:"srcPath"`
	DestPath   string `json:"destPath"`
	HostUuid   string `json:"hostUuid"`
	FullRebase bool   `json:"fullRebase"`
}

func (s *ApiService) offlineMergeSnapshots(ctx context.Context, req offlineMergeRequest, rsp *AgentResponse) error {
	return s.Volumes.OfflineMergeSnapshots(ctx, volumes.OfflineMergeRequest{
		SrcPath:    req.SrcPath,
		DestPath:   req.DestPath,
		HostUUID:   req.HostUuid,
		FullRebase: req.FullRebase,
	})
}

type convertImageRequest struct {
	poolRequest
	PrimaryStorageInstallPath string `json:"primaryStorageInstallPath"`
	HostUuid                  string `json:"hostUuid"`
}

func (s *ApiService) convertImageToVolume(ctx context.Context, req convertImageRequest, rsp *AgentResponse) error {
	return s.Volumes.ConvertImageToVolume(ctx, volumes.ConvertImageRequest{
		InstallPath: req.PrimaryStorageInstallPath,
		HostUUID:    req.HostUuid,
	})
}

type activateRequest struct {
	poolRequest
	InstallPath string `json:"installPath"`
	// LockType is 0 to deactivate, 1 for shared and 2 for exclusive.
	LockType    int  `json:"lockType"`
	Recursive   bool `json:"recursive"`
	KillProcess bool `json:"killProcess"`
}

func (s *ApiService) activateVolume(ctx context.Context, req activateRequest, rsp *AgentResponse) error {
	mode := backend.Activation(req.LockType)
	if mode < backend.Inactive || mode > backend.Exclusive {
		return fmt.Errorf("lock type %d: %w", req.LockType, backend.ErrUnsupported)
	}
	return s.Volumes.ActivateVolume(ctx, volumes.ActivateRequest{
		InstallPath: req.InstallPath,
		Mode:        mode,
		Recursive:   req.Recursive,
		KillProcess: req.KillProcess,
	})
}

type convertProvisioningRequest struct {
	poolRequest
	InstallPath          string `json:"installPath"`
	ProvisioningStrategy string `json:"provisioningStrategy"`
	Addons               addons `json:"addons"`
}

type actualSizeResponse struct {
	AgentResponse
	ActualSize int64 `json:"actualSize"`
}

func (s *ApiService) convertVolumeProvisioning(ctx context.Context, req convertProvisioningRequest, rsp *actualSizeResponse) error {
	size, err := s.Volumes.ConvertVolumeProvisioning(ctx, volumes.ConvertProvisioningRequest{
		InstallPath:        req.InstallPath,
		Strategy:           volumes.Provisioning(req.ProvisioningStrategy),
		ThinInitializeSize: req.Addons.ThinProvisioningInitializeSize,
	})
	if err != nil {
		return err
	}
	rsp.ActualSize = size
	return nil
}

type installPathRequest struct {
	poolRequest
	InstallPath string `json:"installPath"`
}

type backingChainResponse struct {
	AgentResponse
	BackingChain []string `json:"backingChain"`
}

func (s *ApiService) getBackingChain(ctx context.Context, req installPathRequest, rsp *backingChainResponse) error {
	chain, err := s.Volumes.GetBackingChain(ctx, req.InstallPath)
	if err != nil {
		return err
	}
	rsp.BackingChain = chain
	return nil
}

func (s *ApiService) getVolumeSize(ctx context.Context, req installPathRequest, rsp *volumeSizeResponse) error {
	res, err := s.Volumes.GetVolumeSize(ctx, req.InstallPath)
	if err != nil {
		return err
	}
	rsp.Size = res.Size
	rsp.ActualSize = res.ActualSize
	return nil
}

type deleteBitsRequest struct {
	poolRequest
	Path   string `json:"path"`
	Folder bool   `json:"folder"`
}

func (s *ApiService) deleteBits(ctx context.Context, req deleteBitsRequest, rsp *AgentResponse) error {
	return s.Volumes.DeleteBits(ctx, volumes.DeleteBitsRequest{Path: req.Path, Folder: req.Folder})
}

type checkBitsRequest struct {
	poolRequest
	Path string `json:"path"`
}

type checkBitsResponse struct {
	AgentResponse
	Existing bool `json:"existing"`
}

func (s *ApiService) checkBits(ctx context.Context, req checkBitsRequest, rsp *checkBitsResponse) error {
	existing, err := s.Volumes.CheckBits(ctx, req.Path)
	if err != nil {
		return err
	}
	rsp.Existing = existing
	return nil
}

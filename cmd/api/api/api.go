package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/onkernel/sharedblock/cmd/api/config"
	"github.com/onkernel/sharedblock/lib/migration"
	"github.com/onkernel/sharedblock/lib/pools"
	"github.com/onkernel/sharedblock/lib/volumes"
)

// ApiService serves the agent commands under /sharedblock.
type ApiService struct {
	Config    *config.Config
	Pools     pools.Manager
	Volumes   volumes.Manager
	Migration *migration.Coordinator
}

// New creates a new ApiService
func New(
	config *config.Config,
	poolManager pools.Manager,
	volumeManager volumes.Manager,
	coordinator *migration.Coordinator,
) *ApiService {
	return &ApiService{
		Config:    config,
		Pools:     poolManager,
		Volumes:   volumeManager,
		Migration: coordinator,
	}
}

// Routes registers every agent command on r. All commands are POSTs with
// a JSON body.
func (s *ApiService) Routes(r chi.Router) {
	r.Post("/connect", handle(s, s.connect))
	r.Post("/disconnect", handle(s, s.disconnect))
	r.Post("/adddisk", handle(s, s.addDisk))
	r.Post("/checkdisks", handle(s, s.checkDisks))
	r.Post("/blockdevices", handle(s, s.blockDevices))

	r.Post("/createrootvolume", handle(s, s.createRootVolume))
	r.Post("/volume/createempty", handle(s, s.createEmptyVolume))
	r.Post("/volume/resize", handle(s, s.resizeVolume))
	r.Post("/createtemplatefromvolume", handle(s, s.createTemplateFromVolume))
	r.Post("/volume/revertfromsnapshot", handle(s, s.revertVolumeFromSnapshot))
	r.Post("/snapshot/merge", handle(s, s.mergeSnapshot))
	r.Post("/snapshot/offlinemerge", handle(s, s.offlineMergeSnapshots))
	r.Post("/image/tovolume", handle(s, s.convertImageToVolume))
	r.Post("/volume/active", handle(s, s.activateVolume))
	r.Post("/volume/convertprovisioning", handle(s, s.convertVolumeProvisioning))
	r.Post("/volume/backingchain", handle(s, s.getBackingChain))
	r.Post("/volume/getsize", handle(s, s.getVolumeSize))
	r.Post("/bits/delete", handle(s, s.deleteBits))
	r.Post("/bits/check", handle(s, s.checkBits))

	r.Post("/volume/migrate", handle(s, s.migrateVolumes))
}

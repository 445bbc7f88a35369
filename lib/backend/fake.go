package backend

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"
)

// Fake is an in-memory backend for tests. It models VGs, LVs with
// activation state, and qcow2 images with backing files. Failures can be
// injected per operation and path with FailOn.
type Fake struct {
	mu sync.Mutex

	vgs    map[string]*FakeVG
	lvs    map[string]*FakeLV
	failOn map[string]fakeFailure

	// Calls records every mutating call as "Op path" for assertions.
	Calls []string

	LockServiceRunning bool
	LockServiceConfig  LockServiceConfig
	GlobalLockErr      error
	// HostIDs returned by HostID, keyed by VG.
	HostIDs map[string]int
}

// FakeVG is the state of one fake volume group.
type FakeVG struct {
	Name      string
	UUID      string
	Members   []string
	Tags      []string
	Total     int64
	LockUp    bool
	Unhealthy int // number of CheckVGLock calls that still fail
}

// FakeLV is the state of one fake logical volume and the image on it.
type FakeLV struct {
	Path        string
	Size        int64
	Tags        []string
	Activation  Activation
	VirtualSize int64
	Backing     string
	Compressed  bool
	EndOffset   int64
	Data        string
}

type fakeFailure struct {
	err   error
	times int // <=0 means always
}

// NewFake returns an empty fake backend.
func NewFake() *Fake {
	return &Fake{
		vgs:     make(map[string]*FakeVG),
		lvs:     make(map[string]*FakeLV),
		failOn:  make(map[string]fakeFailure),
		HostIDs: make(map[string]int),
	}
}

// FailOn makes op fail for target (a path, VG name, or "*" for any).
func (f *Fake) FailOn(op, target string, err error) {
	f.FailOnTimes(op, target, err, 0)
}

// FailOnTimes is FailOn limited to the first n calls.
func (f *Fake) FailOnTimes(op, target string, err error, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failOn[op+" "+target] = fakeFailure{err: err, times: n}
}

// ClearFailures removes all injected failures.
func (f *Fake) ClearFailures() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failOn = make(map[string]fakeFailure)
}

func (f *Fake) fail(op, target string) error {
	for _, key := range []string{op + " " + target, op + " *"} {
		ff, ok := f.failOn[key]
		if !ok {
			continue
		}
		if ff.times > 0 {
			ff.times--
			if ff.times == 0 {
				delete(f.failOn, key)
			} else {
				f.failOn[key] = ff
			}
		}
		return ff.err
	}
	return nil
}

func (f *Fake) record(op, target string) error {
	f.Calls = append(f.Calls, op+" "+target)
	return f.fail(op, target)
}

func notFound(kind, name string) error {
	return fmt.Errorf("%s %s: %w", kind, name, ErrNotFound)
}

// AddVG seeds a volume group.
func (f *Fake) AddVG(vg FakeVG) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v := vg
	if v.UUID == "" {
		v.UUID = "lvm-" + v.Name
	}
	f.vgs[v.Name] = &v
}

// VG returns a copy of a VG's state.
func (f *Fake) VG(name string) (FakeVG, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.vgs[name]
	if !ok {
		return FakeVG{}, false
	}
	c := *v
	c.Tags = append([]string(nil), v.Tags...)
	c.Members = append([]string(nil), v.Members...)
	return c, true
}

// SetVGUnhealthy makes the next n CheckVGLock calls fail for vg.
func (f *Fake) SetVGUnhealthy(vg string, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if v, ok := f.vgs[vg]; ok {
		v.Unhealthy = n
	}
}

// AddLV seeds a logical volume.
func (f *Fake) AddLV(lv FakeLV) {
	f.mu.Lock()
	defer f.mu.Unlock()
	l := lv
	f.lvs[l.Path] = &l
}

// LV returns a copy of an LV's state.
func (f *Fake) LV(p string) (FakeLV, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	l, ok := f.lvs[p]
	if !ok {
		return FakeLV{}, false
	}
	c := *l
	c.Tags = append([]string(nil), l.Tags...)
	return c, true
}

// Activations returns the activation of every LV, for lock accounting.
func (f *Fake) Activations() map[string]Activation {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]Activation, len(f.lvs))
	for p, l := range f.lvs {
		out[p] = l.Activation
	}
	return out
}

// LVPaths returns all LV paths, sorted.
func (f *Fake) LVPaths() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.lvs))
	for p := range f.lvs {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

func vgOf(p string) string {
	return path.Base(path.Dir(p))
}

// VolumeGroups

func (f *Fake) Rescan(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fail("Rescan", "*")
}

func (f *Fake) VGExists(ctx context.Context, vg string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("VGExists", vg); err != nil {
		return false, err
	}
	_, ok := f.vgs[vg]
	return ok, nil
}

func (f *Fake) VGTags(ctx context.Context, vg string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("VGTags", vg); err != nil {
		return nil, err
	}
	v, ok := f.vgs[vg]
	if !ok {
		return nil, notFound("volume group", vg)
	}
	return append([]string(nil), v.Tags...), nil
}

func (f *Fake) CreateVG(ctx context.Context, vg string, members []string, tag string, metadataSize int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("CreateVG", vg); err != nil {
		return err
	}
	if _, ok := f.vgs[vg]; ok {
		return fmt.Errorf("volume group %s: %w", vg, ErrConflict)
	}
	f.vgs[vg] = &FakeVG{
		Name:    vg,
		UUID:    "lvm-" + vg,
		Members: append([]string(nil), members...),
		Tags:    []string{tag},
		Total:   int64(len(members)) * 100 << 30,
	}
	return nil
}

func (f *Fake) VGSize(ctx context.Context, vg string) (Capacity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("VGSize", vg); err != nil {
		return Capacity{}, err
	}
	v, ok := f.vgs[vg]
	if !ok {
		return Capacity{}, notFound("volume group", vg)
	}
	var used int64
	for p, l := range f.lvs {
		if vgOf(p) == vg {
			used += l.Size
		}
	}
	return Capacity{Total: v.Total, Available: v.Total - used}, nil
}

func (f *Fake) AddMember(ctx context.Context, vg, device string, metadataSize int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("AddMember", device); err != nil {
		return err
	}
	v, ok := f.vgs[vg]
	if !ok {
		return notFound("volume group", vg)
	}
	for _, m := range v.Members {
		if m == device {
			return nil
		}
	}
	v.Members = append(v.Members, device)
	v.Total += 100 << 30
	return nil
}

func (f *Fake) AddVGTag(ctx context.Context, vg, tag string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("AddVGTag", vg); err != nil {
		return err
	}
	v, ok := f.vgs[vg]
	if !ok {
		return notFound("volume group", vg)
	}
	v.Tags = append(v.Tags, tag)
	return nil
}

func (f *Fake) RemoveVGTag(ctx context.Context, vg, tag string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("RemoveVGTag", vg); err != nil {
		return err
	}
	v, ok := f.vgs[vg]
	if !ok {
		return notFound("volume group", vg)
	}
	v.Tags = removeString(v.Tags, tag)
	return nil
}

func (f *Fake) WipeSignatures(ctx context.Context, devices []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.record("WipeSignatures", strings.Join(devices, ","))
}

func (f *Fake) StartVGLock(ctx context.Context, vg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("StartVGLock", vg); err != nil {
		return err
	}
	v, ok := f.vgs[vg]
	if !ok {
		return notFound("volume group", vg)
	}
	v.LockUp = true
	return nil
}

func (f *Fake) StopVGLock(ctx context.Context, vg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("StopVGLock", vg); err != nil {
		return err
	}
	if v, ok := f.vgs[vg]; ok {
		v.LockUp = false
	}
	return nil
}

func (f *Fake) DropVGLock(ctx context.Context, vg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("DropVGLock", vg); err != nil {
		return err
	}
	if v, ok := f.vgs[vg]; ok {
		v.LockUp = false
	}
	return nil
}

func (f *Fake) CheckVGLock(ctx context.Context, vg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("CheckVGLock", vg); err != nil {
		return err
	}
	v, ok := f.vgs[vg]
	if !ok {
		return notFound("volume group", vg)
	}
	if v.Unhealthy > 0 {
		v.Unhealthy--
		return fmt.Errorf("vgck %s: %w", vg, ErrBackend)
	}
	if !v.LockUp {
		return fmt.Errorf("lock for %s not started: %w", vg, ErrBackend)
	}
	return nil
}

func (f *Fake) HostID(ctx context.Context, vg string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if id, ok := f.HostIDs[vg]; ok {
		return id, nil
	}
	return f.LockServiceConfig.HostID, nil
}

func (f *Fake) VGUUID(ctx context.Context, vg string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.vgs[vg]
	if !ok {
		return "", notFound("volume group", vg)
	}
	return v.UUID, nil
}

func (f *Fake) ListLocallyActive(ctx context.Context, vg string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("ListLocallyActive", vg); err != nil {
		return nil, err
	}
	var out []string
	for p, l := range f.lvs {
		if vgOf(p) == vg && l.Activation != Inactive {
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (f *Fake) DeactivateVG(ctx context.Context, vg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("DeactivateVG", vg); err != nil {
		return err
	}
	for p, l := range f.lvs {
		if vgOf(p) == vg {
			l.Activation = Inactive
		}
	}
	return nil
}

func (f *Fake) PurgeArchive(ctx context.Context, vg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.record("PurgeArchive", vg)
}

// LockService

func (f *Fake) Configure(ctx context.Context, cfg LockServiceConfig) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("Configure", "*"); err != nil {
		return err
	}
	f.LockServiceConfig = cfg
	return nil
}

func (f *Fake) Start(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("Start", "*"); err != nil {
		return err
	}
	f.LockServiceRunning = true
	return nil
}

func (f *Fake) CheckGlobalLock(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("CheckGlobalLock", "*"); err != nil {
		return err
	}
	return f.GlobalLockErr
}

func (f *Fake) Stop(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("Stop", "*"); err != nil {
		return err
	}
	f.LockServiceRunning = false
	return nil
}

// LogicalVolumes

func (f *Fake) LVExists(ctx context.Context, p string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("LVExists", p); err != nil {
		return false, err
	}
	_, ok := f.lvs[p]
	return ok, nil
}

func (f *Fake) CreateLV(ctx context.Context, p string, size int64, tag string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("CreateLV", p); err != nil {
		return err
	}
	if _, ok := f.lvs[p]; ok {
		return fmt.Errorf("logical volume %s: %w", p, ErrConflict)
	}
	if _, ok := f.vgs[vgOf(p)]; !ok && len(f.vgs) > 0 {
		return notFound("volume group", vgOf(p))
	}
	lv := &FakeLV{Path: p, Size: size}
	if tag != "" {
		lv.Tags = []string{tag}
	}
	f.lvs[p] = lv
	return nil
}

func (f *Fake) DeleteLV(ctx context.Context, p string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("DeleteLV", p); err != nil {
		return err
	}
	if _, ok := f.lvs[p]; !ok {
		return notFound("logical volume", p)
	}
	delete(f.lvs, p)
	return nil
}

func (f *Fake) ResizeLV(ctx context.Context, p string, size int64, allowShrink bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("ResizeLV", p); err != nil {
		return err
	}
	l, ok := f.lvs[p]
	if !ok {
		return notFound("logical volume", p)
	}
	if size < l.Size && !allowShrink {
		return nil
	}
	l.Size = size
	return nil
}

func (f *Fake) RenameLV(ctx context.Context, src, dst string, overwrite bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("RenameLV", src); err != nil {
		return err
	}
	l, ok := f.lvs[src]
	if !ok {
		return notFound("logical volume", src)
	}
	if _, exists := f.lvs[dst]; exists {
		if !overwrite {
			return fmt.Errorf("logical volume %s: %w", dst, ErrConflict)
		}
		delete(f.lvs, dst)
	}
	delete(f.lvs, src)
	l.Path = dst
	f.lvs[dst] = l
	return nil
}

func (f *Fake) ActivateLV(ctx context.Context, p string, mode Activation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("ActivateLV", p); err != nil {
		return err
	}
	l, ok := f.lvs[p]
	if !ok {
		return notFound("logical volume", p)
	}
	l.Activation = mode
	return nil
}

func (f *Fake) DeactivateLV(ctx context.Context, p string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("DeactivateLV", p); err != nil {
		return err
	}
	l, ok := f.lvs[p]
	if !ok {
		return notFound("logical volume", p)
	}
	l.Activation = Inactive
	return nil
}

func (f *Fake) LVActivation(ctx context.Context, p string) (Activation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	l, ok := f.lvs[p]
	if !ok {
		return Inactive, notFound("logical volume", p)
	}
	return l.Activation, nil
}

func (f *Fake) LVTags(ctx context.Context, p string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	l, ok := f.lvs[p]
	if !ok {
		return nil, notFound("logical volume", p)
	}
	return append([]string(nil), l.Tags...), nil
}

func (f *Fake) AddLVTag(ctx context.Context, p, tag string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("AddLVTag", p); err != nil {
		return err
	}
	l, ok := f.lvs[p]
	if !ok {
		return notFound("logical volume", p)
	}
	l.Tags = append(l.Tags, tag)
	return nil
}

func (f *Fake) RemoveLVTag(ctx context.Context, p, tag string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("RemoveLVTag", p); err != nil {
		return err
	}
	l, ok := f.lvs[p]
	if !ok {
		return notFound("logical volume", p)
	}
	l.Tags = removeString(l.Tags, tag)
	return nil
}

func (f *Fake) LVSize(ctx context.Context, p string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	l, ok := f.lvs[p]
	if !ok {
		return 0, notFound("logical volume", p)
	}
	return l.Size, nil
}

// Images. Every image operation requires the LV to be active on this
// host, which is how tests catch missing lock scopes.

func (f *Fake) activeLV(p string, write bool) (*FakeLV, error) {
	l, ok := f.lvs[p]
	if !ok {
		return nil, notFound("logical volume", p)
	}
	if l.Activation == Inactive {
		return nil, fmt.Errorf("%s is not active: %w", p, ErrBackend)
	}
	if write && l.Activation != Exclusive {
		return nil, fmt.Errorf("%s is not active exclusively: %w", p, ErrBackend)
	}
	return l, nil
}

func (f *Fake) VirtualSize(ctx context.Context, p string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("VirtualSize", p); err != nil {
		return 0, err
	}
	l, err := f.activeLV(p, false)
	if err != nil {
		return 0, err
	}
	return l.VirtualSize, nil
}

func (f *Fake) Create(ctx context.Context, p string, size int64, opts []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("Create", p); err != nil {
		return err
	}
	l, err := f.activeLV(p, true)
	if err != nil {
		return err
	}
	l.VirtualSize = size
	l.Backing = ""
	l.Data = ""
	l.EndOffset = 256 << 10
	return nil
}

func (f *Fake) Clone(ctx context.Context, src, dst string, opts []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("Clone", dst); err != nil {
		return err
	}
	return f.linkLocked(src, dst)
}

func (f *Fake) CreateWithBackingFile(ctx context.Context, backing, dst string, opts []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("CreateWithBackingFile", dst); err != nil {
		return err
	}
	return f.linkLocked(backing, dst)
}

func (f *Fake) linkLocked(src, dst string) error {
	s, err := f.activeLV(src, false)
	if err != nil {
		return err
	}
	d, err := f.activeLV(dst, true)
	if err != nil {
		return err
	}
	d.VirtualSize = s.VirtualSize
	d.Backing = src
	d.Data = ""
	d.EndOffset = 256 << 10
	return nil
}

func (f *Fake) Flatten(ctx context.Context, src, dst string, compress bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("Flatten", dst); err != nil {
		return err
	}
	s, err := f.activeLV(src, false)
	if err != nil {
		return err
	}
	d, err := f.activeLV(dst, true)
	if err != nil {
		return err
	}
	d.VirtualSize = s.VirtualSize
	d.Backing = ""
	d.Compressed = compress
	d.Data = f.contentLocked(src)
	d.EndOffset = s.EndOffset
	return nil
}

// contentLocked is the guest-visible content of an image: its own data
// layered on its ancestors'.
func (f *Fake) contentLocked(p string) string {
	var layers []string
	seen := map[string]bool{}
	for cur := p; cur != "" && !seen[cur]; {
		seen[cur] = true
		l, ok := f.lvs[cur]
		if !ok {
			break
		}
		if l.Data != "" {
			layers = append([]string{l.Data}, layers...)
		}
		cur = l.Backing
	}
	return strings.Join(layers, "+")
}

func (f *Fake) Rebase(ctx context.Context, p, newBase string, verify bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("Rebase", p); err != nil {
		return err
	}
	l, err := f.activeLV(p, false)
	if err != nil {
		return err
	}
	if verify {
		if _, err := f.activeLV(newBase, false); err != nil {
			return err
		}
	}
	l.Backing = newBase
	return nil
}

func (f *Fake) BackingFile(ctx context.Context, p string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("BackingFile", p); err != nil {
		return "", err
	}
	l, err := f.activeLV(p, false)
	if err != nil {
		return "", err
	}
	return l.Backing, nil
}

func (f *Fake) BackingChain(ctx context.Context, p string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var chain []string
	seen := map[string]bool{}
	for cur := p; cur != ""; {
		if seen[cur] {
			return nil, fmt.Errorf("backing chain loop at %s: %w", cur, ErrBackend)
		}
		seen[cur] = true
		l, err := f.activeLV(cur, false)
		if err != nil {
			return nil, err
		}
		chain = append(chain, cur)
		cur = l.Backing
	}
	return chain, nil
}

func (f *Fake) Compare(ctx context.Context, a, b string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("Compare", b); err != nil {
		return err
	}
	if _, err := f.activeLV(a, false); err != nil {
		return err
	}
	if _, err := f.activeLV(b, false); err != nil {
		return err
	}
	if f.contentLocked(a) != f.contentLocked(b) {
		return fmt.Errorf("%s and %s differ: %w", a, b, ErrIntegrity)
	}
	return nil
}

func (f *Fake) CompareBytewise(ctx context.Context, a, b string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("CompareBytewise", b); err != nil {
		return false, err
	}
	la, err := f.activeLV(a, false)
	if err != nil {
		return false, err
	}
	lb, err := f.activeLV(b, false)
	if err != nil {
		return false, err
	}
	return la.Data == lb.Data && la.Backing == lb.Backing && la.VirtualSize == lb.VirtualSize, nil
}

func (f *Fake) Copy(ctx context.Context, src, dst string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("Copy", dst); err != nil {
		return err
	}
	s, err := f.activeLV(src, false)
	if err != nil {
		return err
	}
	d, ok := f.lvs[dst]
	if !ok {
		return notFound("logical volume", dst)
	}
	if d.Activation == Inactive {
		return fmt.Errorf("%s is not active: %w", dst, ErrBackend)
	}
	d.Data = s.Data
	d.Backing = s.Backing
	d.VirtualSize = s.VirtualSize
	d.Compressed = s.Compressed
	d.EndOffset = s.EndOffset
	return nil
}

func (f *Fake) Resize(ctx context.Context, p string, size int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("Resize", p); err != nil {
		return err
	}
	l, err := f.activeLV(p, true)
	if err != nil {
		return err
	}
	l.VirtualSize = size
	return nil
}

func (f *Fake) ImageEndOffset(ctx context.Context, p string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	l, err := f.activeLV(p, false)
	if err != nil {
		return 0, err
	}
	return l.EndOffset, nil
}

func (f *Fake) IsCompressed(ctx context.Context, p string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	l, err := f.activeLV(p, false)
	if err != nil {
		return false, err
	}
	return l.Compressed, nil
}

func (f *Fake) FillZero(ctx context.Context, p string, offset, length int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("FillZero", p); err != nil {
		return err
	}
	_, err := f.activeLV(p, true)
	return err
}

func removeString(in []string, s string) []string {
	out := in[:0]
	for _, v := range in {
		if v != s {
			out = append(out, v)
		}
	}
	return out
}

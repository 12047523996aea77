package engine

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/tether-sync/tether/internal/backup"
	"github.com/tether-sync/tether/internal/config"
	"github.com/tether-sync/tether/internal/conflict"
	"github.com/tether-sync/tether/internal/machine"
	"github.com/tether-sync/tether/internal/secure"
	"github.com/tether-sync/tether/internal/state"
	"github.com/tether-sync/tether/internal/transport"
	"github.com/tether-sync/tether/internal/utils"
	"github.com/tether-sync/tether/internal/workspace"
)

// synced is a baseline advance that is committed to the state store only after the push.
type synced struct {
	id         string
	kind       state.Kind
	encrypted  bool
	sum        string
	modifiedAt time.Time
	machine    string
	layers     map[string]string
}

type pendingConflict struct {
	record   conflict.Record
	contents conflict.Contents
}

// cycle is one push attempt. Everything it stages is thrown away when the attempt is retried.
type cycle struct {
	o         *Orchestrator
	cfg       *config.Config
	ws        *workspace.Workspace
	opts      RunOptions
	report    *CycleReport
	state     *state.Store
	conflicts *conflict.Store
	repo      *repo
	machines  []machine.Identity
	self      *machine.Identity
	key       *secure.Key
	ownsKey   bool
	snapshot  *backup.Snapshot
	now       time.Time

	synced       []synced
	untracked    []string
	cleared      []string
	dropApplied  []string
	newConflicts []pendingConflict
}

func (c *cycle) sync(ctx context.Context) error {
	if c.opts.Mode.dotfiles() {
		if err := c.syncFiles(ctx); err != nil {
			return err
		}
	}
	if c.opts.Mode.packages() {
		if err := c.syncPackages(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (c *cycle) syncFiles(ctx context.Context) error {
	entities, err := c.discover()
	if err != nil {
		return err
	}
	resolved := make(map[string]conflict.Record)
	for _, rec := range c.conflicts.Resolved() {
		resolved[rec.Entity] = rec
	}

	for _, e := range entities {
		if stopRequested(ctx) {
			return errors.Wrapf(ErrInterrupted, "stopped before %s", e.id)
		}
		if rec, ok := c.conflicts.Pending(e.id); ok {
			slog.Debug("entity blocked by pending conflict", "entity", e.id, "conflict", rec.ID)
			c.report.Conflicts = append(c.report.Conflicts, rec)
			continue
		}
		if rec, ok := resolved[e.id]; ok {
			if err := c.applyResolution(e, rec); err != nil {
				c.report.fail(e.id, err)
			}
			continue
		}
		if err := c.reconcile(e); err != nil {
			slog.Warn("sync entity", "entity", e.id, "error", err)
			c.report.fail(e.id, err)
		}
	}
	return nil
}

type localFile struct {
	content []byte
	modTime time.Time
	perm    os.FileMode
}

func readLocal(path string) (localFile, error) {
	info, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return localFile{}, nil
	} else if err != nil {
		return localFile{}, err
	}
	if info.IsDir() {
		return localFile{}, configurationError(errors.Newf("%s is a directory", path), "list directories under dotfiles.dirs")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return localFile{}, err
	}
	if data == nil {
		data = []byte{}
	}
	return localFile{content: data, modTime: info.ModTime(), perm: info.Mode().Perm()}, nil
}

// remoteSide is the repository view of an entity after decryption and layer composition.
type remoteSide struct {
	stored    []byte
	encrypted bool
	personal  []byte
	team      []byte
	version   conflict.Version
}

func (c *cycle) readRemote(e entity) (remoteSide, error) {
	var rs remoteSide
	var err error
	rs.stored, rs.encrypted, err = c.repo.read(e.repoRel, e.encrypt)
	if err != nil {
		return rs, err
	}
	if rs.stored != nil {
		if rs.personal, err = c.open(rs.stored, rs.encrypted); err != nil {
			return rs, err
		}
	}
	content := rs.personal
	if e.layer != "" {
		if rs.team, err = c.readTeam(e.layer); err != nil {
			return rs, err
		}
		if rs.team != nil || rs.personal != nil {
			composed, err := conflict.Compose(rs.team, rs.personal, conflict.DetectFormat(e.id))
			if err != nil {
				return rs, integrityError(errors.Wrapf(err, "compose %s", e.id))
			}
			content = composed
		}
	}
	meta := c.repo.meta(e.id, rs.stored)
	rs.version = conflict.Version{Content: content, ModifiedAt: meta.ModifiedAt, Machine: meta.Machine}
	return rs, nil
}

func (c *cycle) readTeam(source string) ([]byte, error) {
	if c.o.team == nil {
		return nil, nil
	}
	data, err := os.ReadFile(filepath.Join(c.o.team.Dir(), filepath.FromSlash(source)))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	return data, errors.Wrapf(err, "read team layer %s", source)
}

// layerSums are the per-layer fingerprints recorded next to a team-layered baseline.
func layerSums(e entity, team, personal []byte) map[string]string {
	if e.layer == "" {
		return nil
	}
	return map[string]string{
		string(conflict.LayerTeam):     conflict.Version{Content: team}.Fingerprint(),
		string(conflict.LayerPersonal): conflict.Version{Content: personal}.Fingerprint(),
	}
}

// reconcile runs the three-way decision for one file entity.
func (c *cycle) reconcile(e entity) error {
	lf, err := readLocal(e.local)
	if err != nil {
		return err
	}
	rs, err := c.readRemote(e)
	if err != nil {
		return err
	}

	localV := conflict.Version{Content: lf.content, ModifiedAt: lf.modTime, Machine: c.o.machineID}
	remoteV := rs.version
	scanned := localV.Fingerprint()

	// Content an unconfirmed attempt pulled into place is not a local edit. Whatever is on
	// disk now descends from it, so it stands in for the baseline until a push confirms it.
	base, hasBase := c.state.GetBaseline(e.id)
	rebased := false
	if applied, ok := c.state.Applied(e.id); ok {
		switch {
		case !localV.Present() || applied == base:
			c.dropApplied = append(c.dropApplied, e.id)
		default:
			base, hasBase, rebased = applied, true, true
		}
	}
	baseV := conflict.Version{Sum: base}

	// explicit removal on another machine
	if tomb, ok := c.repo.tombstones[e.id]; ok && rs.stored == nil {
		switch {
		case !hasBase:
			// tracked again here after being removed elsewhere
			c.repo.untombstone(e.id)
		case !localV.Present() || scanned == base:
			c.untrack(e, "removed on "+tomb.Machine)
			return nil
		default:
			c.addConflict(e, conflict.Conflict{
				Base:    baseV,
				Local:   localV,
				Remote:  conflict.Version{ModifiedAt: tomb.RemovedAt, Machine: tomb.Machine},
				Outcome: conflict.DeleteEdit,
			}, rs)
			return nil
		}
	}

	if !localV.Present() {
		switch {
		case remoteV.Present():
			// a missing local file is never propagated as a delete
			action := ActionPull
			if hasBase {
				action = ActionRestore
			}
			return c.applyLocal(e, remoteV, scanned, lf.perm, action, "", layerSums(e, rs.team, rs.personal))
		case e.create:
			localV.Content, localV.ModifiedAt = []byte{}, c.now
			if !c.opts.DryRun {
				if err := utils.WriteFileAtomic(e.local, localV.Content, c.filePerm(e, 0)); err != nil {
					return errors.Wrapf(err, "create %s", e.id)
				}
			}
			_, err := c.pushLocal(e, localV, rs.team, ActionCreate, "")
			return err
		case hasBase:
			slog.Warn("entity missing locally and remotely", "entity", e.id)
		}
		return nil
	}

	if !remoteV.Present() {
		_, err := c.pushLocal(e, localV, rs.team, ActionPush, "")
		return err
	}

	switch r := conflict.Merge(baseV, localV, remoteV).(type) {
	case conflict.Clean:
		switch r.Outcome {
		case conflict.Unchanged:
			if e.layer == "" && rs.encrypted != e.encrypt {
				_, err := c.pushLocal(e, localV, nil, ActionReencrypt, "")
				return err
			}
			if rebased {
				c.markSynced(e, scanned, remoteV.ModifiedAt, remoteV.Machine, layerSums(e, rs.team, rs.personal))
				c.report.applied(e.id, e.kind, ActionPull, "applied by an unconfirmed cycle")
			}
		case conflict.LocalOnly:
			_, err := c.pushLocal(e, localV, rs.team, ActionPush, "")
			return err
		case conflict.RemoteOnly:
			return c.applyLocal(e, remoteV, scanned, lf.perm, ActionPull, "", layerSums(e, rs.team, rs.personal))
		case conflict.Convergent:
			c.markSynced(e, scanned, localV.ModifiedAt, c.o.machineID, layerSums(e, rs.team, rs.personal))
			c.report.applied(e.id, e.kind, ActionConverged, "")
		}
		return nil

	case conflict.Conflict:
		rec := conflict.NewRecord(e.id, e.kind, r)
		switch c.o.policy.Decide(r) {
		case conflict.ResolvedLocal:
			staged, err := c.pushLocal(e, localV, rs.team, ActionResolved, string(conflict.ResolvedLocal))
			if err != nil {
				return err
			}
			if staged {
				c.reportAutoResolved(rec, conflict.ResolvedLocal)
			}
		case conflict.ResolvedRemote:
			if err := c.applyLocal(e, remoteV, scanned, lf.perm, ActionResolved, string(conflict.ResolvedRemote), layerSums(e, rs.team, rs.personal)); err != nil {
				return err
			}
			c.reportAutoResolved(rec, conflict.ResolvedRemote)
		default:
			c.addConflict(e, r, rs)
		}
	}
	return nil
}

func (c *cycle) reportAutoResolved(rec conflict.Record, r conflict.Resolution) {
	at := c.now
	rec.State, rec.ResolvedAt = r, &at
	c.report.Conflicts = append(c.report.Conflicts, rec)
}

// addConflict records a conflict that needs the operator. The entity is left untouched on both sides.
func (c *cycle) addConflict(e entity, cf conflict.Conflict, rs remoteSide) {
	rec := conflict.NewRecord(e.id, e.kind, cf)
	rec.DetectedAt = c.now
	if e.layer != "" {
		ent, _ := c.state.Get(e.id)
		rec.Layer = conflict.Attribute(
			ent.Layers[string(conflict.LayerTeam)], conflict.Version{Content: rs.team}.Fingerprint(),
			ent.Layers[string(conflict.LayerPersonal)], conflict.Version{Content: rs.personal}.Fingerprint(),
		)
	}
	c.report.Conflicts = append(c.report.Conflicts, rec)
	c.newConflicts = append(c.newConflicts, pendingConflict{
		record:   rec,
		contents: conflict.Contents{Local: cf.Local.Content, Remote: cf.Remote.Content},
	})
}

// pushLocal stages local content in the repository and reports whether it did. Plaintext
// that looks like it contains secrets is held back unless the run allows it.
func (c *cycle) pushLocal(e entity, v conflict.Version, team []byte, action Action, detail string) (bool, error) {
	if !e.encrypt && c.cfg.Security.ScanSecrets && !c.opts.AllowSecrets {
		if findings := c.o.scanner.Scan(e.id, v.Content); len(findings) > 0 {
			c.report.Failures = append(c.report.Failures, Failure{
				Entity:   e.id,
				Category: CategorySecret,
				Error:    "possible secrets in plaintext file, not pushed",
				Hint:     "set encrypt = true for this file or run `tether sync --allow-secrets`",
				Findings: findings,
			})
			return false, nil
		}
	}

	if !c.opts.DryRun {
		stored, err := c.seal(v.Content, e.encrypt)
		if err != nil {
			return false, err
		}
		meta := indexEntry{ModifiedAt: v.ModifiedAt.UTC(), Machine: c.o.machineID}
		if err := c.repo.write(e.id, e.repoRel, stored, e.encrypt, meta); err != nil {
			return false, err
		}
	}
	c.markSynced(e, v.Fingerprint(), v.ModifiedAt, c.o.machineID, layerSums(e, team, v.Content))
	c.report.applied(e.id, e.kind, action, detail)
	return true, nil
}

// applyLocal writes remote content over the local file. The file is re-hashed first and
// left alone if it changed since it was scanned in this cycle. The written fingerprint is
// persisted as applied so a retry or a restart after a crash does not mistake it for an edit.
func (c *cycle) applyLocal(e entity, v conflict.Version, scanned string, perm os.FileMode, action Action, detail string, layers map[string]string) error {
	if !c.opts.DryRun {
		if err := c.writeLocal(e, v.Content, scanned, perm); err != nil {
			return err
		}
		c.state.MarkApplied(e.id, v.Fingerprint())
		if err := c.state.Save(); err != nil {
			return err
		}
	}
	c.markSynced(e, v.Fingerprint(), v.ModifiedAt, v.Machine, layers)
	c.report.applied(e.id, e.kind, action, detail)
	return nil
}

func (c *cycle) writeLocal(e entity, content []byte, scanned string, perm os.FileMode) error {
	current, err := utils.FileFingerprint(e.local)
	if err != nil {
		return errors.Wrapf(err, "re-check %s", e.id)
	}
	if current != scanned {
		return transientError(errors.Newf("%s changed during sync, retrying next cycle", e.id))
	}
	if current != "" {
		if err := c.snapshot.SaveFile(e.category(), e.id, e.local); err != nil {
			return errors.Wrapf(err, "back up %s", e.id)
		}
		c.report.Backup = c.snapshot.ID
	}
	if err := utils.WriteFileAtomic(e.local, content, c.filePerm(e, perm)); err != nil {
		return errors.Wrapf(err, "write %s", e.id)
	}
	return nil
}

func (c *cycle) filePerm(e entity, existing os.FileMode) os.FileMode {
	switch {
	case existing != 0:
		return existing
	case e.encrypt:
		return 0o600
	}
	return 0o644
}

func (c *cycle) markSynced(e entity, sum string, modifiedAt time.Time, machine string, layers map[string]string) {
	c.synced = append(c.synced, synced{
		id:         e.id,
		kind:       e.kind,
		encrypted:  e.encrypt,
		sum:        sum,
		modifiedAt: modifiedAt,
		machine:    machine,
		layers:     layers,
	})
}

// untrack stops syncing an entity removed elsewhere. The local file is kept.
func (c *cycle) untrack(e entity, detail string) {
	c.untracked = append(c.untracked, e.id)
	c.report.applied(e.id, e.kind, ActionUntrack, detail)
}

// applyResolution writes the operator's choice to both sides.
func (c *cycle) applyResolution(e entity, rec conflict.Record) error {
	contents, err := c.conflicts.Contents(rec.ID)
	if err != nil {
		return errors.Wrapf(err, "read conflict %s", rec.ID)
	}
	var chosen []byte
	switch rec.State {
	case conflict.ResolvedLocal:
		chosen = contents.Local
	case conflict.ResolvedRemote:
		chosen = contents.Remote
	case conflict.ResolvedMerged:
		chosen = contents.Merged
	}

	if chosen == nil {
		// the removal won
		c.cleared = append(c.cleared, rec.ID)
		c.untrack(e, string(rec.State))
		return nil
	}

	lf, err := readLocal(e.local)
	if err != nil {
		return err
	}
	v := conflict.Version{Content: chosen, ModifiedAt: c.now, Machine: c.o.machineID}
	if current := (conflict.Version{Content: lf.content}).Fingerprint(); current != v.Fingerprint() && !c.opts.DryRun {
		if err := c.writeLocal(e, chosen, current, lf.perm); err != nil {
			return err
		}
	}
	var team []byte
	if e.layer != "" {
		if team, err = c.readTeam(e.layer); err != nil {
			return err
		}
	}
	staged, err := c.pushLocal(e, v, team, ActionResolved, string(rec.State))
	if staged {
		// the record stays until the choice is staged for the remote as well
		c.cleared = append(c.cleared, rec.ID)
	}
	return err
}

// publish stages the machine record, commits and pushes.
func (c *cycle) publish(ctx context.Context) error {
	if err := c.repo.save(); err != nil {
		return err
	}

	c.self.Dotfiles = c.trackedDotfiles()
	if len(c.report.Applied) > 0 || c.now.Sub(c.self.LastSync) > machineRefreshInterval {
		c.self.LastSync = c.now.UTC()
	}
	if err := c.self.Save(c.o.transport.Dir()); err != nil {
		return err
	}

	name := c.self.Name
	committed, err := c.o.transport.Commit(ctx, commitMessage(name, c.report), transport.Author{
		Name:  name,
		Email: c.o.machineID + "@tether.local",
		When:  c.now,
	})
	if err != nil {
		return err
	}
	if !committed {
		return nil
	}
	if err := c.o.network(ctx, c.o.transport.Push); err != nil {
		return err
	}
	c.report.Pushed = true
	if head, err := c.o.transport.Head(); err == nil {
		c.report.Commit = head
	}
	return nil
}

func (c *cycle) trackedDotfiles() []string {
	seen := make(map[string]bool)
	for _, ent := range c.state.ListTracked() {
		if ent.Kind == state.KindDotfile {
			seen[ent.ID] = true
		}
	}
	for _, s := range c.synced {
		if s.kind == state.KindDotfile {
			seen[s.id] = true
		}
	}
	for _, id := range c.untracked {
		delete(seen, id)
	}
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// finalize advances baselines once the push is confirmed and persists local bookkeeping.
func (c *cycle) finalize() error {
	for _, s := range c.synced {
		c.state.Track(s.id, s.kind, s.encrypted)
		c.state.RecordSynced(s.id, s.sum, s.modifiedAt, s.machine)
		if s.layers != nil {
			c.state.RecordLayers(s.id, s.layers)
		}
	}
	for _, id := range c.untracked {
		c.state.Tombstone(id, c.o.machineID, c.now)
	}
	for _, s := range c.synced {
		c.state.ClearApplied(s.id)
	}
	for _, id := range c.dropApplied {
		c.state.ClearApplied(id)
	}
	c.state.SetLastSync(c.now)
	if err := c.state.Save(); err != nil {
		return err
	}

	for _, id := range c.cleared {
		if err := c.conflicts.Clear(id); err != nil {
			slog.Warn("clear resolved conflict", "id", id, "error", err)
		}
	}
	c.storeConflicts()

	if c.report.Backup != "" {
		if err := c.o.backups.Prune(); err != nil {
			slog.Warn("prune backups", "error", err)
		}
	}
	return nil
}

func (c *cycle) storeConflicts() {
	if c.opts.DryRun {
		return
	}
	for _, pc := range c.newConflicts {
		if err := c.conflicts.Add(pc.record, pc.contents); err != nil {
			slog.Error("record conflict", "entity", pc.record.Entity, "error", err)
			c.report.fail(pc.record.Entity, err)
		}
	}
	c.newConflicts = nil
}

func (c *cycle) seal(plaintext []byte, encrypt bool) ([]byte, error) {
	if !encrypt {
		return plaintext, nil
	}
	key, err := c.dataKey()
	if err != nil {
		return nil, err
	}
	p, err := secure.Encrypt(plaintext, key.Bytes())
	if err != nil {
		return nil, err
	}
	if len(c.cfg.Security.Recipients) > 0 {
		if p.Recipients, err = secure.WrapKey(key.Bytes(), c.cfg.Security.Recipients); err != nil {
			return nil, configurationError(err, "check security.recipients")
		}
	}
	return p.Marshal()
}

func (c *cycle) open(stored []byte, encrypted bool) ([]byte, error) {
	if !encrypted {
		return stored, nil
	}
	key, err := c.dataKey()
	if err != nil {
		return nil, err
	}
	p, err := secure.UnmarshalPayload(stored)
	if err != nil {
		return nil, integrityError(err)
	}
	plain, err := secure.Decrypt(p, key.Bytes())
	if err != nil {
		return nil, integrityError(err)
	}
	return plain, nil
}

// dataKey returns the cycle key, loading it for repositories that hold encrypted blobs
// this machine does not expect.
func (c *cycle) dataKey() (*secure.Key, error) {
	if c.key != nil {
		return c.key, nil
	}
	key, err := c.o.keys.Load()
	if err != nil {
		return nil, errors.WithHint(errors.Wrap(err, "encrypted content"), "run `tether keys unlock`")
	}
	c.key, c.ownsKey = key, true
	return key, nil
}

func (c *cycle) release() {
	if c.ownsKey {
		c.key.Destroy()
		c.key, c.ownsKey = nil, false
	}
}

type stopKey struct{}

// WithStop returns a context whose cycles end at the next entity boundary once stop is closed.
// Network calls keep using ctx itself.
func WithStop(ctx context.Context, stop <-chan struct{}) context.Context {
	return context.WithValue(ctx, stopKey{}, stop)
}

func stopRequested(ctx context.Context) bool {
	if ctx.Err() != nil {
		return true
	}
	stop, _ := ctx.Value(stopKey{}).(<-chan struct{})
	if stop == nil {
		return false
	}
	select {
	case <-stop:
		return true
	default:
		return false
	}
}
